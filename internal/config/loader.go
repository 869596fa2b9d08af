package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables read when no config file is given.
const (
	EnvCorpID         = "WECOM_CORP_ID"
	EnvAgentID        = "WECOM_AGENT_ID"
	EnvAgentSecret    = "WECOM_AGENT_SECRET"
	EnvToken          = "WECOM_TOKEN"
	EnvEncodingAESKey = "WECOM_ENCODING_AES_KEY"
	EnvHost           = "HOST"
	EnvPort           = "PORT"
	EnvLogLevel       = "LOG_LEVEL"
)

// Load reads configuration from a YAML file. An empty path builds the config
// from defaults and environment variables instead.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		return finish(cfg)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath

	return finish(applyConfigDefaults(cfg))
}

func finish(cfg *Config) (*Config, error) {
	size, err := parseSize(cfg.Service.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: service.max_body_size %q: %w", cfg.Service.MaxBodySize, err)
	}
	cfg.Service.MaxBodyBytes = size

	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays the deployment environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvCorpID); ok {
		cfg.WeCom.CorpID = v
	}
	if v, ok := os.LookupEnv(EnvAgentID); ok && v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvAgentID, err)
		}
		cfg.WeCom.AgentID = id
	}
	if v, ok := os.LookupEnv(EnvAgentSecret); ok {
		cfg.WeCom.Secret = v
	}
	if v, ok := os.LookupEnv(EnvToken); ok {
		cfg.WeCom.Token = v
	}
	if v, ok := os.LookupEnv(EnvEncodingAESKey); ok {
		cfg.WeCom.EncodingAESKey = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Service.LogLevel = v
	}

	host, port, err := net.SplitHostPort(cfg.Service.Listen)
	if err != nil {
		return fmt.Errorf("default listen address %q: %w", cfg.Service.Listen, err)
	}
	if v, ok := os.LookupEnv(EnvHost); ok && v != "" {
		host = v
	}
	if v, ok := os.LookupEnv(EnvPort); ok && v != "" {
		port = v
	}
	cfg.Service.Listen = net.JoinHostPort(host, port)
	return nil
}

// applyConfigDefaults fills zero values from Defaults().
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaults.Service.Listen
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.MaxBodySize == "" {
		cfg.Service.MaxBodySize = defaults.Service.MaxBodySize
	}
	if cfg.Service.HandlerTimeout == 0 {
		cfg.Service.HandlerTimeout = defaults.Service.HandlerTimeout
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.DedupeTTL == 0 {
		cfg.State.DedupeTTL = defaults.State.DedupeTTL
	}

	if cfg.WeCom.APIBaseURL == "" {
		cfg.WeCom.APIBaseURL = defaults.WeCom.APIBaseURL
	}
	if cfg.WeCom.RequestTimeout == 0 {
		cfg.WeCom.RequestTimeout = defaults.WeCom.RequestTimeout
	}

	if cfg.Credential.SafetyMargin == 0 {
		cfg.Credential.SafetyMargin = defaults.Credential.SafetyMargin
	}
	if cfg.Credential.MaxAttempts == 0 {
		cfg.Credential.MaxAttempts = defaults.Credential.MaxAttempts
	}
	if cfg.Credential.BackoffBase == 0 {
		cfg.Credential.BackoffBase = defaults.Credential.BackoffBase
	}
	if cfg.Credential.BackoffMax == 0 {
		cfg.Credential.BackoffMax = defaults.Credential.BackoffMax
	}
	if cfg.Credential.FetchTimeout == 0 {
		cfg.Credential.FetchTimeout = defaults.Credential.FetchTimeout
	}

	if cfg.Outbound.LongMessageThreshold == 0 {
		cfg.Outbound.LongMessageThreshold = defaults.Outbound.LongMessageThreshold
	}
	if cfg.Admin.EventBuffer == 0 {
		cfg.Admin.EventBuffer = defaults.Admin.EventBuffer
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// parseSize parses size strings like "1MB", "512KB" or "1048576" to bytes.
func parseSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
