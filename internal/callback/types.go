package callback

import (
	"context"
	"time"

	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/dedupe"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/message"
)

// Dispatcher runs business handlers. handler.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, in message.Inbound) (message.Reply, error)
}

// Ledger suppresses re-delivered callbacks. dedupe.Ledger satisfies it.
type Ledger interface {
	FirstSeen(ctx context.Context, key, msgType, fromUser string) (bool, error)
	Forget(ctx context.Context, key string) error
	Stats(ctx context.Context) (dedupe.Stats, error)
}

// CredentialAdmin is the token-free view of the credential manager.
type CredentialAdmin interface {
	Status() credential.Status
	// Reset discards the cached token whichever one it is.
	Reset()
}

// EventFeed is where the server publishes and reads gateway events.
type EventFeed interface {
	Publish(eventType string, data any)
	SnapshotSince(lastID int64) []events.Event
}

// Config holds callback server settings.
type Config struct {
	Name           string
	Version        string
	Listen         string
	MaxBodySize    int64
	HandlerTimeout time.Duration

	AdminEnabled bool
	AdminAPIKey  string
}

// Default values
const (
	DefaultMaxBodySize    = 1 << 20
	DefaultHandlerTimeout = 4 * time.Second
)

// InfoResponse is served at GET /.
type InfoResponse struct {
	Service string   `json:"service"`
	Version string   `json:"version,omitempty"`
	Status  string   `json:"status"`
	Routes  []string `json:"routes"`
}

// HealthResponse is served at GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// EventsResponse is served at GET /admin/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}

// ErrorResponse is the JSON error body for admin and info routes.
type ErrorResponse struct {
	Error string `json:"error"`
}
