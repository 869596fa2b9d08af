package config

import "time"

// Config represents the complete wecom-gw configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	WeCom      WeComConfig      `yaml:"wecom"`
	Credential CredentialConfig `yaml:"credential"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Admin      AdminConfig      `yaml:"admin"`

	// SourceFile is the file the config was loaded from, empty when built
	// from the environment.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	Listen         string        `yaml:"listen"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	MaxBodySize    string        `yaml:"max_body_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// MaxBodyBytes is MaxBodySize parsed during loading.
	MaxBodyBytes int64 `yaml:"-"`
}

// StateConfig defines local state storage settings.
type StateConfig struct {
	Path      string        `yaml:"path"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// WeComConfig holds the app and callback credentials from the admin console.
type WeComConfig struct {
	CorpID         string        `yaml:"corp_id"`
	AgentID        int64         `yaml:"agent_id"`
	Secret         string        `yaml:"secret"`
	Token          string        `yaml:"token"`
	EncodingAESKey string        `yaml:"encoding_aes_key"`
	APIBaseURL     string        `yaml:"api_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CredentialConfig tunes access token refresh.
type CredentialConfig struct {
	SafetyMargin time.Duration `yaml:"safety_margin"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// OutboundConfig tunes message sending.
type OutboundConfig struct {
	// LongMessageThreshold is the character count above which text and
	// markdown are delivered as an uploaded document.
	LongMessageThreshold int `yaml:"long_message_threshold"`
}

// AdminConfig controls the bearer-protected admin endpoints.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	// EventBuffer is how many gateway events are kept for /admin/events.
	EventBuffer int `yaml:"event_buffer"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:           "wecom-gw",
			Listen:         "0.0.0.0:8000",
			LogLevel:       "info",
			LogFormat:      "json",
			MaxBodySize:    "1MB",
			HandlerTimeout: 4 * time.Second,
		},
		State: StateConfig{
			Path:      "./data/state.db",
			DedupeTTL: 10 * time.Minute,
		},
		WeCom: WeComConfig{
			APIBaseURL:     "https://qyapi.weixin.qq.com/cgi-bin",
			RequestTimeout: 10 * time.Second,
		},
		Credential: CredentialConfig{
			SafetyMargin: 5 * time.Minute,
			MaxAttempts:  3,
			BackoffBase:  500 * time.Millisecond,
			BackoffMax:   5 * time.Second,
			FetchTimeout: 10 * time.Second,
		},
		Outbound: OutboundConfig{
			LongMessageThreshold: 1000,
		},
		Admin: AdminConfig{
			EventBuffer: 200,
		},
	}
}
