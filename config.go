package agentcall

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.yaml.in/yaml/v3"

	"github.com/harshabose/agentcall/pkg/signal"
)

// Config is the process configuration: which room to join, how signals
// travel and how media is captured and sent.
type Config struct {
	Room        string   `yaml:"room"`
	PeerID      string   `yaml:"peer_id"`
	STUNServers []string `yaml:"stun_servers"`
	GlarePolicy string   `yaml:"glare_policy"`
	LogLevel    string   `yaml:"log_level"`

	Signal SignalConfig `yaml:"signal"`
	Media  MediaConfig  `yaml:"media"`
	RTC    RTCConfig    `yaml:"rtc"`
	Relay  RelayConfig  `yaml:"relay"`

	mux  sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

type SignalBackend string

const (
	BackendMemory   SignalBackend = "memory"
	BackendFirebase SignalBackend = "firebase"
	BackendRedis    SignalBackend = "redis"
	BackendSQLite   SignalBackend = "sqlite"
	BackendRelay    SignalBackend = "relay"
)

type SignalConfig struct {
	Backend  SignalBackend  `yaml:"backend"`
	Firebase FirebaseConfig `yaml:"firebase"`
	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	RelayURL string         `yaml:"relay_url"`
}

type FirebaseConfig struct {
	Collection string `yaml:"collection"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MediaConfig struct {
	MaxWidth    int `yaml:"max_width"`
	MaxHeight   int `yaml:"max_height"`
	VP8BitRate  int `yaml:"vp8_bit_rate"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

// RTCConfig picks interceptor presets. An empty preset leaves the
// interceptor out.
type RTCConfig struct {
	NACK        NACKPreset        `yaml:"nack"`
	RTCPReports RTCPReportsPreset `yaml:"rtcp_reports"`
	TWCC        TWCCPreset        `yaml:"twcc"`
}

type RelayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Backend stores signals behind the relay. It cannot be relay.
	Backend SignalBackend `yaml:"backend"`
}

type NACKPreset string
type RTCPReportsPreset string
type TWCCPreset string

const (
	NACKLowLatency   NACKPreset = "low_latency"
	NACKDefault      NACKPreset = "default"
	NACKLowBandwidth NACKPreset = "low_bandwidth"

	RTCPReportsLowLatency   RTCPReportsPreset = "low_latency"
	RTCPReportsDefault      RTCPReportsPreset = "default"
	RTCPReportsLowBandwidth RTCPReportsPreset = "low_bandwidth"

	TWCCLowLatency   TWCCPreset = "low_latency"
	TWCCDefault      TWCCPreset = "default"
	TWCCLowBandwidth TWCCPreset = "low_bandwidth"
)

var (
	nackGeneratorPresets = map[NACKPreset]NACKGeneratorOptions{
		NACKLowLatency:   NACKGeneratorLowLatency,
		NACKDefault:      NACKGeneratorDefault,
		NACKLowBandwidth: NACKGeneratorLowBandwidth,
	}

	nackResponderPresets = map[NACKPreset]NACKResponderOptions{
		NACKLowLatency:   NACKResponderLowLatency,
		NACKDefault:      NACKResponderDefault,
		NACKLowBandwidth: NACKResponderLowBandwidth,
	}

	rtcpReportsPresets = map[RTCPReportsPreset]RTCPReportInterval{
		RTCPReportsLowLatency:   RTCPReportIntervalLowLatency,
		RTCPReportsDefault:      RTCPReportIntervalDefault,
		RTCPReportsLowBandwidth: RTCPReportIntervalLowBandwidth,
	}

	twccPresets = map[TWCCPreset]TWCCSenderInterval{
		TWCCLowLatency:   TWCCIntervalLowLatency,
		TWCCDefault:      TWCCIntervalDefault,
		TWCCLowBandwidth: TWCCIntervalLowBandwidth,
	}
)

// LoadConfig reads file, if it exists, then applies environment overrides
// and defaults. A .env file in the working directory is loaded first.
func LoadConfig(file string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{file: file}

	if file != "" {
		if _, err := os.Stat(file); err == nil {
			if err := config.New().AddFeeder(feeder.Yaml{Path: file}).AddStruct(cfg).Feed(); err != nil {
				return nil, fmt.Errorf("error while reading config %s: %w", file, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.EnsureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.mux.Lock()
	defer c.mux.Unlock()

	if room := os.Getenv("AGENTCALL_ROOM"); room != "" {
		c.Room = room
	}
	if peer := os.Getenv("AGENTCALL_PEER_ID"); peer != "" {
		c.PeerID = peer
	}
	if stun := os.Getenv("STUN_SERVER_URL"); stun != "" {
		c.STUNServers = strings.Split(stun, ",")
	}
	if policy := os.Getenv("AGENTCALL_GLARE_POLICY"); policy != "" {
		c.GlarePolicy = policy
	}
	if level := os.Getenv("AGENTCALL_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if backend := os.Getenv("AGENTCALL_SIGNAL_BACKEND"); backend != "" {
		c.Signal.Backend = SignalBackend(backend)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Signal.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Signal.Redis.Password = password
	}
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		c.Signal.Redis.DB = db
	}
	if path := os.Getenv("AGENTCALL_SQLITE_PATH"); path != "" {
		c.Signal.SQLite.Path = path
	}
	if url := os.Getenv("AGENTCALL_RELAY_URL"); url != "" {
		c.Signal.RelayURL = url
	}
	if addr := os.Getenv("AGENTCALL_RELAY_LISTEN_ADDR"); addr != "" {
		c.Relay.ListenAddr = addr
	}
}

// EnsureDefaults fills every unset field. It reports whether anything
// changed.
func (c *Config) EnsureDefaults() bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	changed := false
	set := func(ok bool, apply func()) {
		if ok {
			apply()
			changed = true
		}
	}

	set(c.Room == "", func() { c.Room = signal.DefaultRoom })
	set(len(c.STUNServers) == 0, func() { c.STUNServers = []string{DefaultSTUNServer} })
	set(c.GlarePolicy == "", func() { c.GlarePolicy = GlareTieBreak.String() })
	set(c.LogLevel == "", func() { c.LogLevel = "info" })
	set(c.Signal.Backend == "", func() { c.Signal.Backend = BackendMemory })
	set(c.Signal.Firebase.Collection == "", func() { c.Signal.Firebase.Collection = signal.DefaultTable })
	set(c.Signal.Redis.Addr == "", func() { c.Signal.Redis.Addr = "localhost:6379" })
	set(c.Signal.SQLite.Path == "", func() { c.Signal.SQLite.Path = "agentcall.db" })
	set(c.Signal.SQLite.PollInterval <= 0, func() { c.Signal.SQLite.PollInterval = 250 * time.Millisecond })
	set(c.Media.MaxWidth == 0, func() { c.Media.MaxWidth = 640 })
	set(c.Media.MaxHeight == 0, func() { c.Media.MaxHeight = 480 })
	set(c.Media.VP8BitRate == 0, func() { c.Media.VP8BitRate = 1_000_000 })
	set(c.Media.JPEGQuality == 0, func() { c.Media.JPEGQuality = 90 })
	set(c.RTC.NACK == "", func() { c.RTC.NACK = NACKDefault })
	set(c.RTC.RTCPReports == "", func() { c.RTC.RTCPReports = RTCPReportsDefault })
	set(c.Relay.ListenAddr == "", func() { c.Relay.ListenAddr = ":8089" })
	set(c.Relay.Backend == "", func() { c.Relay.Backend = BackendMemory })

	return changed
}

func (c *Config) Validate() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if _, err := ParseGlarePolicy(c.GlarePolicy); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	switch c.Signal.Backend {
	case BackendMemory, BackendFirebase, BackendRedis, BackendSQLite:
	case BackendRelay:
		if c.Signal.RelayURL == "" {
			return errors.New("relay backend needs signal.relay_url")
		}
	default:
		return fmt.Errorf("unknown signal backend %q", c.Signal.Backend)
	}

	if c.Relay.Backend == BackendRelay {
		return errors.New("relay cannot store signals in another relay")
	}

	if c.RTC.NACK != "" {
		if _, ok := nackGeneratorPresets[c.RTC.NACK]; !ok {
			return fmt.Errorf("unknown nack preset %q", c.RTC.NACK)
		}
	}
	if c.RTC.RTCPReports != "" {
		if _, ok := rtcpReportsPresets[c.RTC.RTCPReports]; !ok {
			return fmt.Errorf("unknown rtcp reports preset %q", c.RTC.RTCPReports)
		}
	}
	if c.RTC.TWCC != "" {
		if _, ok := twccPresets[c.RTC.TWCC]; !ok {
			return fmt.Errorf("unknown twcc preset %q", c.RTC.TWCC)
		}
	}
	return nil
}

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.file == "" {
		return errors.New("config file path is not set")
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.file, data, 0o644)
}

type optionBuilder struct {
	options []ClientOption
}

func (ob *optionBuilder) add(option ClientOption) *optionBuilder {
	if option != nil {
		ob.options = append(ob.options, option)
	}
	return ob
}

// ToOptions turns the interceptor presets into client options.
func (c *Config) ToOptions() []ClientOption {
	builder := &optionBuilder{}

	return builder.
		add(c.nackOption()).
		add(c.rtcpReportsOption()).
		add(c.twccOption()).
		options
}

func (c *Config) nackOption() ClientOption {
	generator, generatorExists := nackGeneratorPresets[c.RTC.NACK]
	responder, responderExists := nackResponderPresets[c.RTC.NACK]

	if !generatorExists || !responderExists {
		return nil
	}

	return WithNACKInterceptor(generator, responder)
}

func (c *Config) rtcpReportsOption() ClientOption {
	interval, exists := rtcpReportsPresets[c.RTC.RTCPReports]
	if !exists {
		return nil
	}

	return WithRTCPReportsInterceptor(interval)
}

func (c *Config) twccOption() ClientOption {
	interval, exists := twccPresets[c.RTC.TWCC]
	if !exists {
		return nil
	}

	return WithTWCCSenderInterceptor(interval)
}

// ControllerOptions turns call settings into controller options.
func (c *Config) ControllerOptions(logger *zap.Logger) ([]ControllerOption, error) {
	policy, err := ParseGlarePolicy(c.GlarePolicy)
	if err != nil {
		return nil, err
	}

	options := []ControllerOption{
		WithRoom(c.Room),
		WithGlarePolicy(policy),
		WithMaxResolution(c.Media.MaxWidth, c.Media.MaxHeight),
		WithJPEGQuality(c.Media.JPEGQuality),
		WithLogger(logger),
	}
	if c.PeerID != "" {
		options = append(options, WithPeerID(signal.PeerID(c.PeerID)))
	}
	return options, nil
}

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
