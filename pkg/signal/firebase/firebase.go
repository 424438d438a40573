// Package firebase stores signals as documents in a Firestore collection
// and follows new ones with a snapshot listener.
package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	firebasesdk "firebase.google.com/go"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harshabose/agentcall/pkg/signal"
)

type Channel struct {
	app        *firebasesdk.App
	client     *firestore.Client
	collection string
	logger     *zap.Logger
}

type Option = func(*Channel) error

func WithCollection(collection string) Option {
	return func(c *Channel) error {
		if collection == "" {
			return errors.New("collection cannot be empty")
		}
		c.collection = collection
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) error {
		c.logger = logger
		return nil
	}
}

// New connects with the service account from the environment.
func New(ctx context.Context, options ...Option) (*Channel, error) {
	configuration, err := GetConfiguration()
	if err != nil {
		return nil, err
	}

	app, err := firebasesdk.NewApp(ctx, nil, configuration)
	if err != nil {
		return nil, fmt.Errorf("error while creating firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error while creating firestore client: %w", err)
	}

	c, err := NewWithClient(client, options...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.app = app
	return c, nil
}

// NewWithClient uses an existing Firestore client, for example one pointed
// at the emulator.
func NewWithClient(client *firestore.Client, options ...Option) (*Channel, error) {
	c := &Channel{
		client:     client,
		collection: signal.DefaultTable,
		logger:     zap.NewNop(),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Channel) Send(ctx context.Context, room string, envelope signal.Envelope) error {
	data, err := signal.Encode(envelope)
	if err != nil {
		return err
	}

	document, err := toDocument(room, data)
	if err != nil {
		return err
	}
	document[signal.FieldCreatedAt] = firestore.ServerTimestamp

	if _, _, err := c.client.Collection(c.collection).Add(ctx, document); err != nil {
		return fmt.Errorf("error while adding signal to firestore: %w", err)
	}

	signal.CountSent(envelope.Kind)
	return nil
}

// Subscribe delivers documents added to room after the call. The first
// snapshot holds the room's history and is skipped.
func (c *Channel) Subscribe(ctx context.Context, room string, handler signal.Handler) (signal.Subscription, error) {
	pump := signal.NewPump(ctx, handler, c.logger.With(zap.String("room", room)))

	iter := c.client.Collection(c.collection).
		Where(signal.FieldRoom, "==", room).
		OrderBy(signal.FieldCreatedAt, firestore.Asc).
		Snapshots(pump.Context())

	go func() {
		defer pump.Finish()
		defer iter.Stop()

		history := true
		for {
			snapshot, err := iter.Next()
			if err != nil {
				if pump.Context().Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
					return
				}
				c.logger.Error("firestore listener failed", zap.String("room", room), zap.Error(err))
				pump.Fail(fmt.Errorf("%w: %v", signal.ErrSubscriptionLost, err))
				return
			}

			if history {
				history = false
				continue
			}

			for _, data := range added(snapshot.Changes) {
				pump.Deliver(data)
			}
		}
	}()

	return pump, nil
}

func (c *Channel) Close() error {
	return c.client.Close()
}

// added returns the signal payloads of newly added documents in query order.
func added(changes []firestore.DocumentChange) [][]byte {
	adds := make([]firestore.DocumentChange, 0, len(changes))
	for _, change := range changes {
		if change.Kind == firestore.DocumentAdded {
			adds = append(adds, change)
		}
	}
	sort.SliceStable(adds, func(i, j int) bool {
		return adds[i].NewIndex < adds[j].NewIndex
	})

	payloads := make([][]byte, 0, len(adds))
	for _, change := range adds {
		data, err := fromDocument(change.Doc.Data())
		if err != nil {
			// malformed documents still reach Deliver as an empty object
			data = []byte("{}")
		}
		payloads = append(payloads, data)
	}
	return payloads
}

func toDocument(room string, data []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		signal.FieldRoom:   room,
		signal.FieldSignal: payload,
	}, nil
}

func fromDocument(document map[string]interface{}) ([]byte, error) {
	payload, exists := document[signal.FieldSignal]
	if !exists {
		return nil, errors.New("document has no signal field")
	}
	return json.Marshal(payload)
}
