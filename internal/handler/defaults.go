package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/wecom-gw/internal/log"
	"github.com/mattjoyce/wecom-gw/internal/message"
	"github.com/mattjoyce/wecom-gw/internal/outbound"
)

// Sender pushes active messages. outbound.Dispatcher satisfies it.
type Sender interface {
	Send(ctx context.Context, msg outbound.Outbound) (outbound.Result, error)
}

// WelcomeMessage is sent to users who subscribe to the app.
const WelcomeMessage = `Hello, welcome to the WeCom message service!

Currently supported:
- text messages
- voice messages
- image messages
- location messages
- automatic replies`

// Defaults are the built-in acknowledgement handlers. Business logic replaces
// them by registering its own handlers on the same registry.
type Defaults struct {
	sender Sender
	logger *slog.Logger
}

// RegisterDefaults installs the acknowledgement handlers on r.
func RegisterDefaults(r *Registry, sender Sender, logger *slog.Logger) *Defaults {
	d := &Defaults{sender: sender, logger: logger}

	r.Register(message.TypeText, HandlerFunc(d.Text))
	r.Register(message.TypeVoice, HandlerFunc(d.Voice))
	r.Register(message.TypeImage, HandlerFunc(d.Image))
	r.Register(message.TypeLocation, HandlerFunc(d.Location))
	r.Register(message.TypeEvent, HandlerFunc(d.Event))
	r.RegisterEvent(message.EventSubscribe, HandlerFunc(d.Subscribe))
	r.RegisterEvent(message.EventUnsubscribe, HandlerFunc(d.Unsubscribe))
	r.SetFallback(HandlerFunc(d.Unsupported))
	return d
}

func (d *Defaults) userLogger(in message.Inbound) *slog.Logger {
	return log.WithUser(d.logger, in.Head().FromUser)
}

func (d *Defaults) Text(_ context.Context, in message.Inbound) (message.Reply, error) {
	msg := in.(*message.Text)
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		d.userLogger(in).Warn("empty text message")
		return nil, nil
	}
	d.userLogger(in).Info("text message received", "chars", len([]rune(content)))
	return message.TextReply{Content: fmt.Sprintf("Received your message: %s", content)}, nil
}

func (d *Defaults) Voice(_ context.Context, in message.Inbound) (message.Reply, error) {
	msg := in.(*message.Voice)
	d.userLogger(in).Info("voice message received", "format", msg.Format, "media_id", msg.MediaID)
	return message.TextReply{Content: fmt.Sprintf("Received a voice message (format %s).", msg.Format)}, nil
}

func (d *Defaults) Image(_ context.Context, in message.Inbound) (message.Reply, error) {
	msg := in.(*message.Image)
	d.userLogger(in).Info("image message received", "media_id", msg.MediaID)
	return message.TextReply{Content: "Received your image."}, nil
}

func (d *Defaults) Location(_ context.Context, in message.Inbound) (message.Reply, error) {
	msg := in.(*message.Location)
	d.userLogger(in).Info("location message received", "label", msg.Label)
	return message.TextReply{Content: fmt.Sprintf("Received your location: %s (%.6f, %.6f)", msg.Label, msg.Latitude, msg.Longitude)}, nil
}

// Subscribe greets a new user with an active message; the callback itself
// gets no reply.
func (d *Defaults) Subscribe(ctx context.Context, in message.Inbound) (message.Reply, error) {
	user := in.Head().FromUser
	if d.sender == nil {
		return message.TextReply{Content: WelcomeMessage}, nil
	}
	if _, err := d.sender.Send(ctx, outbound.Text{ToUser: user, Content: WelcomeMessage}); err != nil {
		return nil, fmt.Errorf("send welcome message: %w", err)
	}
	d.userLogger(in).Info("welcome message sent")
	return nil, nil
}

func (d *Defaults) Unsubscribe(_ context.Context, in message.Inbound) (message.Reply, error) {
	d.userLogger(in).Info("user unsubscribed")
	return nil, nil
}

func (d *Defaults) Event(_ context.Context, in message.Inbound) (message.Reply, error) {
	ev := in.(*message.Event)
	d.userLogger(in).Info("event not handled", "event", ev.Event, "event_key", ev.EventKey)
	return nil, nil
}

func (d *Defaults) Unsupported(_ context.Context, in message.Inbound) (message.Reply, error) {
	d.userLogger(in).Info("message type not supported", "msg_type", string(in.Head().Type))
	return nil, nil
}
