package handler

import (
	"context"
	"sync"

	"github.com/mattjoyce/wecom-gw/internal/message"
)

// Handler processes one inbound message. A nil Reply means nothing is
// returned in the callback body.
type Handler interface {
	Handle(ctx context.Context, in message.Inbound) (message.Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in message.Inbound) (message.Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, in message.Inbound) (message.Reply, error) {
	return f(ctx, in)
}

// Registry routes inbound messages by MsgType, and events additionally by
// event name.
type Registry struct {
	mu       sync.RWMutex
	byType   map[message.Type]Handler
	byEvent  map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[message.Type]Handler),
		byEvent: make(map[string]Handler),
	}
}

// Register sets the handler for a message type, replacing any previous one.
func (r *Registry) Register(t message.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = h
}

// RegisterEvent sets the handler for one event name. It takes precedence over
// the handler registered for message.TypeEvent.
func (r *Registry) RegisterEvent(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[event] = h
}

// SetFallback sets the handler for messages nothing else matches.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Lookup returns the handler for in, or nil.
func (r *Registry) Lookup(in message.Inbound) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ev, ok := in.(*message.Event); ok {
		if h, ok := r.byEvent[ev.Event]; ok {
			return h
		}
	}
	if h, ok := r.byType[in.Head().Type]; ok {
		return h
	}
	return r.fallback
}

// Dispatch runs the matching handler. Unmatched messages produce no reply.
func (r *Registry) Dispatch(ctx context.Context, in message.Inbound) (message.Reply, error) {
	h := r.Lookup(in)
	if h == nil {
		return nil, nil
	}
	return h.Handle(ctx, in)
}
