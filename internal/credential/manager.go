package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const flightKey = "access_token"

// Config tunes refresh behaviour.
type Config struct {
	SafetyMargin time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	FetchTimeout time.Duration
}

// DefaultConfig mirrors the platform's two-hour tokens.
func DefaultConfig() Config {
	return Config{
		SafetyMargin: 5 * time.Minute,
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   5 * time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// Manager owns the process's single outbound access credential. Reads are
// served from cache; refreshes are de-duplicated so concurrent callers share
// one fetch.
type Manager struct {
	fetcher Fetcher
	config  Config
	logger  *slog.Logger
	events  Publisher

	group singleflight.Group

	mu   sync.Mutex
	cred *Credential
	// invalidated marks cred as rejected by the platform before its expiry.
	invalidated bool
	refreshing  bool

	refreshes atomic.Int64
	failures  atomic.Int64
	waiting   atomic.Int32

	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager creates a manager. A nil publisher disables events.
func NewManager(fetcher Fetcher, config Config, logger *slog.Logger, events Publisher) *Manager {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = config.BackoffBase
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = 0
	}

	return &Manager{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
		events:  events,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Get returns a valid credential, refreshing it first if needed.
//
// If ctx ends while a refresh is running the caller gets
// ErrCredentialUnavailable wrapping ctx.Err(); the refresh itself carries on
// for the remaining waiters.
func (m *Manager) Get(ctx context.Context) (Credential, error) {
	if c, ok := m.cached(); ok {
		return c, nil
	}

	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.refresh()
	})

	m.waiting.Add(1)
	defer m.waiting.Add(-1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("%w: %w", ErrCredentialUnavailable, ctx.Err())
	}
}

// Invalidate marks token as rejected so the next Get fetches a new one. It
// is a no-op when token is no longer the cached one: a caller holding an old
// token must not discard the replacement another caller already fetched.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	hit := m.cred != nil && !m.invalidated && m.cred.Token == token
	if hit {
		m.invalidated = true
	}
	m.mu.Unlock()

	if hit {
		m.logger.Info("access token invalidated")
		m.publish("credential.invalidated", map[string]string{"reason": "rejected"})
	}
}

// Reset marks whatever credential is cached as stale, regardless of token.
func (m *Manager) Reset() {
	m.mu.Lock()
	hit := m.cred != nil && !m.invalidated
	if hit {
		m.invalidated = true
	}
	m.mu.Unlock()

	if hit {
		m.logger.Info("access token reset")
		m.publish("credential.invalidated", map[string]string{"reason": "reset"})
	}
}

// State reports where the manager is in its lifecycle.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Status returns a snapshot without the token itself.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:     m.stateLocked().String(),
		Refreshes: m.refreshes.Load(),
		Failures:  m.failures.Load(),
		Waiters:   m.waiting.Load(),
	}
	if m.cred != nil {
		obtained := m.cred.ObtainedAt
		expires := m.cred.ExpiresAt()
		refresh := expires.Add(-m.margin(*m.cred))
		st.ObtainedAt = &obtained
		st.ExpiresAt = &expires
		st.RefreshAt = &refresh
	}
	return st
}

func (m *Manager) stateLocked() State {
	switch {
	case m.refreshing:
		return StateRefreshing
	case m.cred == nil:
		return StateEmpty
	case !m.invalidated && m.cred.ValidAt(m.now(), m.margin(*m.cred)):
		return StateValid
	default:
		return StateStale
	}
}

func (m *Manager) cached() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred != nil && !m.invalidated && m.cred.ValidAt(m.now(), m.margin(*m.cred)) {
		return *m.cred, true
	}
	return Credential{}, false
}

// margin is the safety margin applied to c. A TTL that does not exceed the
// configured margin gets half its TTL instead, so a fresh token is usable.
func (m *Manager) margin(c Credential) time.Duration {
	if m.config.SafetyMargin >= c.TTL {
		return c.TTL / 2
	}
	return m.config.SafetyMargin
}

// refresh runs inside the single flight on a context no caller owns.
func (m *Manager) refresh() (Credential, error) {
	// A flight that finished between a caller's cache check and DoChan has
	// already stored a fresh credential.
	if c, ok := m.cached(); ok {
		return c, nil
	}

	m.mu.Lock()
	m.refreshing = true
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			m.sleep(m.backoff(attempt - 1))
		}

		cred, err := m.fetch()
		if err == nil {
			m.mu.Lock()
			m.cred = &cred
			m.invalidated = false
			m.refreshing = false
			m.mu.Unlock()

			m.refreshes.Add(1)
			m.logger.Info("access token refreshed",
				"attempt", attempt,
				"expires_at", cred.ExpiresAt().Format(time.RFC3339),
			)
			m.publish("credential.refreshed", map[string]any{
				"attempt":    attempt,
				"expires_at": cred.ExpiresAt(),
			})
			return cred, nil
		}

		lastErr = err
		m.logger.Warn("access token fetch failed",
			"attempt", attempt,
			"max_attempts", m.config.MaxAttempts,
			"error", err,
		)
	}

	m.mu.Lock()
	m.cred = nil
	m.invalidated = false
	m.refreshing = false
	m.mu.Unlock()

	m.failures.Add(1)
	m.logger.Error("access token refresh exhausted", "attempts", m.config.MaxAttempts, "error", lastErr)
	m.publish("credential.failed", map[string]any{
		"attempts": m.config.MaxAttempts,
		"error":    lastErr.Error(),
	})
	return Credential{}, fmt.Errorf("%w: %d attempts failed: %w", ErrCredentialUnavailable, m.config.MaxAttempts, lastErr)
}

func (m *Manager) fetch() (Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.FetchTimeout)
	defer cancel()

	token, ttl, err := m.fetcher.FetchToken(ctx)
	if err != nil {
		return Credential{}, err
	}
	if token == "" || ttl <= 0 {
		return Credential{}, fmt.Errorf("fetcher returned an empty token or non-positive ttl (%s)", ttl)
	}
	if ttl <= m.config.SafetyMargin {
		m.logger.Warn("token ttl does not exceed safety margin; using half the ttl", "ttl", ttl, "safety_margin", m.config.SafetyMargin)
	}
	return Credential{Token: token, ObtainedAt: m.now(), TTL: ttl}, nil
}

// backoff returns the delay before retry n (1-based): base, 2*base, 4*base...
// capped at BackoffMax.
func (m *Manager) backoff(n int) time.Duration {
	d := m.config.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= m.config.BackoffMax {
			return m.config.BackoffMax
		}
	}
	if d > m.config.BackoffMax {
		return m.config.BackoffMax
	}
	return d
}

func (m *Manager) publish(eventType string, data any) {
	if m.events != nil {
		m.events.Publish(eventType, data)
	}
}
