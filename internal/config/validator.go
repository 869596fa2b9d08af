package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

// validate performs basic validation on the configuration. All problems are
// reported together.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if _, _, err := net.SplitHostPort(cfg.Service.Listen); err != nil {
		add("service.listen %q: %v", cfg.Service.Listen, err)
	}
	if cfg.Service.HandlerTimeout <= 0 {
		add("service.handler_timeout must be positive")
	}
	if cfg.State.DedupeTTL <= 0 {
		add("state.dedupe_ttl must be positive")
	}

	w := cfg.WeCom
	required := []struct{ name, value string }{
		{"wecom.corp_id", w.CorpID},
		{"wecom.secret", w.Secret},
		{"wecom.token", w.Token},
		{"wecom.encoding_aes_key", w.EncodingAESKey},
	}
	for _, r := range required {
		switch {
		case r.value == "":
			add("%s is required", r.name)
		case envVarPattern.MatchString(r.value):
			add("%s references an unset environment variable: %s", r.name, r.value)
		}
	}
	if w.AgentID <= 0 {
		add("wecom.agent_id must be a positive integer")
	}
	if w.EncodingAESKey != "" && !envVarPattern.MatchString(w.EncodingAESKey) {
		if _, err := wxcrypt.DecodeAESKey(w.EncodingAESKey); err != nil {
			add("wecom.encoding_aes_key: %v", err)
		}
	}
	if u, err := url.Parse(w.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("wecom.api_base_url %q is not an absolute URL", w.APIBaseURL)
	}
	if w.RequestTimeout <= 0 {
		add("wecom.request_timeout must be positive")
	}

	c := cfg.Credential
	if c.SafetyMargin < 0 {
		add("credential.safety_margin must not be negative")
	}
	if c.MaxAttempts <= 0 {
		add("credential.max_attempts must be positive")
	}
	if c.BackoffBase <= 0 || c.FetchTimeout <= 0 {
		add("credential.backoff_base and credential.fetch_timeout must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		add("credential.backoff_max must be >= credential.backoff_base")
	}

	if cfg.Outbound.LongMessageThreshold < 0 {
		add("outbound.long_message_threshold must not be negative")
	}

	if cfg.Admin.Enabled && cfg.Admin.APIKey == "" {
		add("admin.api_key is required when admin.enabled is true")
	}
	if cfg.Admin.EventBuffer < 0 {
		add("admin.event_buffer must not be negative")
	}

	return errors.Join(errs...)
}
