package http2

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// FlowControlPolicy selects how a connection grows its per-stream and
// per-session windows.
type FlowControlPolicy int

const (
	// StaticSessionAndStaticStream never auto-tunes either window; both
	// stay at their configured initial size for the connection's life.
	StaticSessionAndStaticStream FlowControlPolicy = iota
	// LargeSessionAndStaticStream grows the session window once to a
	// large fixed ceiling but leaves per-stream windows static.
	LargeSessionAndStaticStream
	// LargeSessionAndDynamicStream grows the session window once, as
	// LargeSessionAndStaticStream does, and sends each new stream one
	// fixed WINDOW_UPDATE (streamWindowBoost) at creation. Stream windows
	// are not adjusted after that, and nothing is recomputed from
	// throughput or from the number of open streams.
	LargeSessionAndDynamicStream
)

// Config is an immutable snapshot of every tunable the engine exposes. A
// *Config is shared read-only across goroutines once a Server
// starts serving; to change settings, build a new Config and swap it in
// between connections. Existing connections keep running under the Config
// they were handed at Accept time; global configuration is a snapshot, not
// a live reference.
type Config struct {
	MaxConcurrentStreamsIn  uint32 `yaml:"max_concurrent_streams_in"`
	MaxConcurrentStreamsOut uint32 `yaml:"max_concurrent_streams_out"`
	MinConcurrentStreamsIn  uint32 `yaml:"min_concurrent_streams_in"`
	MinConcurrentStreamsOut uint32 `yaml:"min_concurrent_streams_out"`
	MaxActiveStreamsIn      uint32 `yaml:"max_active_streams_in"`
	MaxActiveStreamsOut     uint32 `yaml:"max_active_streams_out"`

	InitialWindowSizeIn  uint32 `yaml:"initial_window_size_in"`
	InitialWindowSizeOut uint32 `yaml:"initial_window_size_out"`

	FlowControlPolicyIn  FlowControlPolicy `yaml:"flow_control_policy_in"`
	FlowControlPolicyOut FlowControlPolicy `yaml:"flow_control_policy_out"`

	MaxFrameSize         uint32 `yaml:"max_frame_size"`
	HeaderTableSize      uint32 `yaml:"header_table_size"`
	HeaderTableSizeLimit uint32 `yaml:"header_table_size_limit"`
	MaxHeaderListSize    uint32 `yaml:"max_header_list_size"`

	StreamPriorityEnabled bool `yaml:"stream_priority_enabled"`

	// Abuse thresholds, consumed by the FrequencyCounter wiring in
	// connstate.go.
	MaxRstStreamsPerMinute      int     `yaml:"max_rst_streams_per_minute"`
	MaxPriorityPerMinute        int     `yaml:"max_priority_per_minute"`
	MaxEmptyFramesPerMinute     int     `yaml:"max_empty_frames_per_minute"`
	MaxSettingsRecordsPerMinute int     `yaml:"max_settings_records_per_minute"`
	MaxSettingsFramesPerMinute  int     `yaml:"max_settings_frames_per_minute"`
	MaxPingPerMinute            int     `yaml:"max_ping_per_minute"`
	MaxContinuationPerMinute    int     `yaml:"max_continuation_per_minute"`
	AbuseGraceSeconds           float64 `yaml:"abuse_grace_seconds"`

	// MinAvgWindowUpdate is the floor on the average of the last five
	// WINDOW_UPDATE increments seen (per connection and per stream); an
	// average below it trips ENHANCE_YOUR_CALM, the standard mitigation
	// for a peer trickling one-byte increments to force excess framing
	// overhead. Zero disables the check.
	MinAvgWindowUpdate uint32 `yaml:"min_avg_window_update"`

	MaxRequestTime  time.Duration `yaml:"max_request_time"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxIdleTime     time.Duration `yaml:"max_idle_time"`
	SettingsTimeout time.Duration `yaml:"settings_timeout"`

	// IncompleteHeaderTimeoutIn bounds how long a HEADERS/CONTINUATION
	// sequence may stay open before the stream is reset. Zero disables it.
	IncompleteHeaderTimeoutIn time.Duration `yaml:"incomplete_header_timeout_in"`
	// NoActivityTimeoutIn/Out bound how long a stream may go without any
	// frame before it's considered dead; In governs streams this engine
	// accepts (connstate.go). Out is not read anywhere: the client
	// connection in conn.go takes no Config.
	NoActivityTimeoutIn  time.Duration `yaml:"no_activity_timeout_in"`
	NoActivityTimeoutOut time.Duration `yaml:"no_activity_timeout_out"`
	// ActiveTimeoutIn caps how long an accepted stream may stay open in
	// total, regardless of activity.
	ActiveTimeoutIn time.Duration `yaml:"active_timeout_in"`
	// ZombieTimeoutIn bounds how long a closed stream id is remembered
	// (to reject late frames addressed to it) before it's forgotten.
	ZombieTimeoutIn time.Duration `yaml:"zombie_timeout_in"`

	// GracefulDrainInterval is the pause between the first-stage GOAWAY
	// (advertising the maximum stream id) and the second-stage GOAWAY
	// (naming the real last accepted stream id) during GracefulShutdown,
	// giving in-flight frames from the peer one round trip to land.
	GracefulDrainInterval time.Duration `yaml:"graceful_drain_interval"`

	// ContentEncodings lists the compressors, in preference order, that
	// responses may be encoded with when the request's Accept-Encoding
	// allows it. Recognized values: "br", "gzip". Empty disables response
	// compression entirely.
	ContentEncodings []string `yaml:"content_encodings"`

	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration a freshly constructed Server
// uses when none is supplied, tracking the RFC 7540 §6.5.2 defaults
// plus conservative abuse thresholds.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentStreamsIn:  250,
		MaxConcurrentStreamsOut: 100,
		MinConcurrentStreamsIn:  1,
		MinConcurrentStreamsOut: 1,
		MaxActiveStreamsIn:      250,
		MaxActiveStreamsOut:     100,

		InitialWindowSizeIn:  65535,
		InitialWindowSizeOut: 65535,

		FlowControlPolicyIn:  StaticSessionAndStaticStream,
		FlowControlPolicyOut: StaticSessionAndStaticStream,

		MaxFrameSize:         16384,
		HeaderTableSize:      4096,
		HeaderTableSizeLimit: 4096,
		MaxHeaderListSize:    1 << 20,

		StreamPriorityEnabled: true,

		MaxRstStreamsPerMinute:      200,
		MaxPriorityPerMinute:        200,
		MaxEmptyFramesPerMinute:     200,
		MaxSettingsRecordsPerMinute: 600,
		MaxSettingsFramesPerMinute:  200,
		MaxPingPerMinute:            200,
		MaxContinuationPerMinute:    200,
		AbuseGraceSeconds:           30,

		MinAvgWindowUpdate: 0,

		MaxRequestTime:  0,
		PingInterval:    0,
		MaxIdleTime:     0,
		SettingsTimeout: 10 * time.Second,

		IncompleteHeaderTimeoutIn: 0,
		NoActivityTimeoutIn:       0,
		NoActivityTimeoutOut:      0,
		ActiveTimeoutIn:           0,
		// ZombieTimeoutIn defaults on (unlike the other timeouts): the
		// closed-stream id set otherwise grows without bound for the life
		// of the connection.
		ZombieTimeoutIn: 5 * time.Minute,

		GracefulDrainInterval: time.Second,
	}
}

// LoadConfigYAML reads a Config as YAML from r, starting from
// DefaultConfig so a partial document only overrides the fields it sets.
func LoadConfigYAML(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}

	return cfg, nil
}

// settings builds the initial local Settings this configuration advertises
// in the connection preface's SETTINGS frame.
func (c *Config) settings() Settings {
	s := DefaultSettings()
	s.SetEnablePush(false)
	s.SetHeaderTableSize(c.HeaderTableSize)
	s.SetMaxStreams(c.MaxConcurrentStreamsIn)
	s.SetMaxWindowSize(c.InitialWindowSizeIn)
	s.SetFrameSize(c.MaxFrameSize)
	s.SetMaxHeaderListSize(c.MaxHeaderListSize)
	return s
}
