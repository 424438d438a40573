package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one persisted row.
type Record struct {
	ID        uint64
	Room      string
	Signal    json.RawMessage
	CreatedAt time.Time
}

// Memory is an in-process Channel. It keeps every record and delivers new
// ones to each subscriber asynchronously, in insertion order.
type Memory struct {
	mux    sync.Mutex
	nextID uint64
	rooms  map[string]*memoryRoom
	logger *zap.Logger
}

type memoryRoom struct {
	records []Record
	subs    map[*memorySub]struct{}
}

type memorySub struct {
	*Pump
}

func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{rooms: make(map[string]*memoryRoom), logger: logger}
}

func (m *Memory) room(name string) *memoryRoom {
	r, exists := m.rooms[name]
	if !exists {
		r = &memoryRoom{subs: make(map[*memorySub]struct{})}
		m.rooms[name] = r
	}
	return r
}

func (m *Memory) Send(ctx context.Context, room string, envelope Envelope) error {
	data, err := Encode(envelope)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return m.Insert(room, data)
}

// Insert stores a raw payload as is. Subscribers decode and validate it on
// delivery.
func (m *Memory) Insert(room string, data []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.nextID++
	r := m.room(room)
	r.records = append(r.records, Record{
		ID:        m.nextID,
		Room:      room,
		Signal:    append(json.RawMessage(nil), data...),
		CreatedAt: time.Now(),
	})

	for sub := range r.subs {
		sub.Enqueue(data)
	}

	if envelope, err := Decode(data); err == nil {
		CountSent(envelope.Kind)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error) {
	sub := &memorySub{Pump: NewPump(ctx, handler, m.logger.With(zap.String("room", room)))}

	m.mux.Lock()
	m.room(room).subs[sub] = struct{}{}
	m.mux.Unlock()

	go func() {
		defer sub.Finish()
		defer m.unsubscribe(room, sub)
		sub.Loop()
	}()

	return sub, nil
}

// Fail ends every subscription of room with err.
func (m *Memory) Fail(room string, err error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	for sub := range m.room(room).subs {
		sub.Abort(err)
	}
}

// Records returns a copy of everything persisted for room, oldest first.
func (m *Memory) Records(room string) []Record {
	m.mux.Lock()
	defer m.mux.Unlock()

	r, exists := m.rooms[room]
	if !exists {
		return nil
	}
	return append([]Record(nil), r.records...)
}

// Envelopes decodes Records(room), skipping malformed rows.
func (m *Memory) Envelopes(room string) []Envelope {
	var envelopes []Envelope
	for _, record := range m.Records(room) {
		envelope, err := Decode(record.Signal)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

func (m *Memory) unsubscribe(room string, sub *memorySub) {
	m.mux.Lock()
	defer m.mux.Unlock()

	delete(m.room(room).subs, sub)
}
