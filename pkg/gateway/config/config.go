package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the service is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64
	// Per-field request budgets; zero disables a check.
	MaxTextBytes         int64
	MaxInstructionsBytes int64
	MaxMetadataBytes     int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentStreams  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Event log storage.
	DBDriver string
	DBDSN    string

	// Upstream realtime provider.
	UpstreamURL    string
	UpstreamModel  string
	UpstreamAPIKey string

	// Bridge session timing.
	ConnectTimeout  time.Duration
	ToolTimeout     time.Duration
	DisconnectGrace time.Duration

	// Audio relay.
	SampleRate          int
	InboundQueueFrames  int
	OutboundQueueFrames int

	ICEServers []string

	// Agent profile (YAML) and the voices a bridge request may pick.
	ProfilePath   string
	AllowedVoices []string

	// Observers (SSE and agent WebSockets).
	SubscriberBuffer     int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	MaxAgentMessageBytes int64

	MetricsEnabled bool
	LogLevel       string
	LogFormat      string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_BRIDGE_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_BRIDGE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VAI_BRIDGE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_BRIDGE_MAX_BODY_BYTES", 256<<10), // 256 KiB; SDP offers are small
		MaxTextBytes:               envInt64Or("VAI_BRIDGE_MAX_TEXT_BYTES", 16<<10),
		MaxInstructionsBytes:       envInt64Or("VAI_BRIDGE_MAX_INSTRUCTIONS_BYTES", 32<<10),
		MaxMetadataBytes:           envInt64Or("VAI_BRIDGE_MAX_METADATA_BYTES", 8<<10),
		CORSAllowedOrigins:         make(map[string]struct{}),
		LimitRPS:                   envFloat64Or("VAI_BRIDGE_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VAI_BRIDGE_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_BRIDGE_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxConcurrentStreams:  envIntOr("VAI_BRIDGE_MAX_CONCURRENT_STREAMS", 8),
		ReadHeaderTimeout:          envDurationOr("VAI_BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		DBDriver:                   envOr("VAI_BRIDGE_DB_DRIVER", "sqlite"),
		DBDSN:                      envOr("VAI_BRIDGE_DB_DSN", "file:vai-bridge.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		UpstreamURL:                envOr("VAI_BRIDGE_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamModel:              envOr("VAI_BRIDGE_UPSTREAM_MODEL", "gpt-realtime"),
		UpstreamAPIKey:             envOr("VAI_BRIDGE_UPSTREAM_API_KEY", strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))),
		ConnectTimeout:             envDurationOr("VAI_BRIDGE_CONNECT_TIMEOUT", 15*time.Second),
		ToolTimeout:                envDurationOr("VAI_BRIDGE_TOOL_TIMEOUT", 30*time.Second),
		DisconnectGrace:            envDurationOr("VAI_BRIDGE_DISCONNECT_GRACE", 5*time.Second),
		SampleRate:                 envIntOr("VAI_BRIDGE_SAMPLE_RATE", 24000),
		InboundQueueFrames:         envIntOr("VAI_BRIDGE_INBOUND_QUEUE_FRAMES", 25),
		OutboundQueueFrames:        envIntOr("VAI_BRIDGE_OUTBOUND_QUEUE_FRAMES", 32),
		ICEServers:                 splitCSV(envOr("VAI_BRIDGE_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		ProfilePath:                envOr("VAI_BRIDGE_PROFILE_PATH", ""),
		AllowedVoices:              splitCSV(os.Getenv("VAI_BRIDGE_ALLOWED_VOICES")),
		SubscriberBuffer:           envIntOr("VAI_BRIDGE_SUBSCRIBER_BUFFER", 256),
		PingInterval:               envDurationOr("VAI_BRIDGE_PING_INTERVAL", 15*time.Second),
		WriteTimeout:               envDurationOr("VAI_BRIDGE_WRITE_TIMEOUT", 5*time.Second),
		MaxAgentMessageBytes:       envInt64Or("VAI_BRIDGE_MAX_AGENT_MESSAGE_BYTES", 1<<20),
		MetricsEnabled:             envBoolOr("VAI_BRIDGE_METRICS_ENABLED", true),
		LogLevel:                   strings.ToLower(envOr("VAI_BRIDGE_LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOr("VAI_BRIDGE_LOG_FORMAT", "text")),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VAI_BRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("VAI_BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxTextBytes < 0 || cfg.MaxInstructionsBytes < 0 || cfg.MaxMetadataBytes < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_*_BYTES field budgets must be >= 0")
	}
	switch cfg.DBDriver {
	case "sqlite", "pgx":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_DB_DRIVER must be one of sqlite|pgx")
	}
	if cfg.DBDSN == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_DB_DSN must not be empty")
	}
	if !strings.HasPrefix(cfg.UpstreamURL, "ws://") && !strings.HasPrefix(cfg.UpstreamURL, "wss://") {
		return Config{}, fmt.Errorf("VAI_BRIDGE_UPSTREAM_URL must be a ws:// or wss:// URL")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.DisconnectGrace <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_DISCONNECT_GRACE must be > 0")
	}
	switch cfg.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_SAMPLE_RATE must be one of 8000|16000|24000|48000")
	}
	if cfg.InboundQueueFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_INBOUND_QUEUE_FRAMES must be > 0")
	}
	if cfg.OutboundQueueFrames <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_OUTBOUND_QUEUE_FRAMES must be > 0")
	}
	if cfg.SubscriberBuffer <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_SUBSCRIBER_BUFFER must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxAgentMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_AGENT_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_LOG_FORMAT must be one of text|json")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_CONCURRENT_STREAMS must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_API_KEYS must be set when VAI_BRIDGE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
