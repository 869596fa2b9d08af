package credential

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattjoyce/wecom-gw/internal/credential Fetcher

// ErrCredentialUnavailable is returned when no access token could be obtained,
// either because every refresh attempt failed or because the caller stopped
// waiting.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Fetcher obtains a new access token and its advertised lifetime.
type Fetcher interface {
	FetchToken(ctx context.Context) (token string, ttl time.Duration, err error)
}

// Publisher receives lifecycle events. events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Credential is one access token as handed out by the platform. A refresh
// replaces the whole value.
type Credential struct {
	Token      string
	ObtainedAt time.Time
	TTL        time.Duration
}

// ExpiresAt is the advertised expiry, before any safety margin.
func (c Credential) ExpiresAt() time.Time {
	return c.ObtainedAt.Add(c.TTL)
}

// ValidAt reports whether the credential may still be used at now once margin
// is taken off its lifetime.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c.Token == "" {
		return false
	}
	return now.Before(c.ObtainedAt.Add(c.TTL - margin))
}

// State is the manager's observable lifecycle state.
type State int

const (
	StateEmpty State = iota
	StateRefreshing
	StateValid
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateRefreshing:
		return "refreshing"
	case StateValid:
		return "valid"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Status is a token-free snapshot of the manager for admin endpoints.
type Status struct {
	State      string     `json:"state"`
	ObtainedAt *time.Time `json:"obtained_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RefreshAt  *time.Time `json:"refresh_at,omitempty"`
	Refreshes  int64      `json:"refreshes"`
	Failures   int64      `json:"failures"`
	// Waiters is the number of callers blocked on an in-flight refresh.
	Waiters int32 `json:"waiters"`
}
