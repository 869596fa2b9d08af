package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/wecom"
)

//go:generate mockgen -destination=mocks/mock_outbound.go -package=mocks github.com/mattjoyce/wecom-gw/internal/outbound API,Credentials,DocumentRenderer

// ErrUploadFailure means long content could not be rendered or uploaded.
var ErrUploadFailure = errors.New("document upload failed")

// MediaTypeFile is the media/upload type used for the long-content fallback.
const MediaTypeFile = "file"

// API is the subset of wecom.Client the dispatcher calls.
type API interface {
	SendMessage(ctx context.Context, token string, msg wecom.Message) (wecom.SendResult, error)
	UploadMedia(ctx context.Context, token, mediaType, filename string, content []byte) (string, error)
	GetUser(ctx context.Context, token, userID string) (wecom.User, error)
	GetDepartment(ctx context.Context, token string, id int64) (wecom.Department, error)
	DownloadMedia(ctx context.Context, token, mediaID string) (wecom.Media, error)
}

// Credentials hands out access tokens. credential.Manager satisfies it.
type Credentials interface {
	Get(ctx context.Context) (credential.Credential, error)
	Invalidate(token string)
}

// DocumentRenderer turns long content into an uploadable file.
type DocumentRenderer interface {
	Render(content string) (filename string, data []byte, err error)
}

// Publisher receives dispatch events. events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Result describes what was actually sent.
type Result struct {
	MsgType  string `json:"msgtype"`
	MsgID    string `json:"msgid,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	Fallback bool   `json:"fallback"`
}

// Dispatcher sends outbound messages with a managed access token.
type Dispatcher struct {
	api       API
	creds     Credentials
	renderer  DocumentRenderer
	agentID   int64
	threshold int
	logger    *slog.Logger
	events    Publisher
}

// Config configures a Dispatcher.
type Config struct {
	AgentID int64
	// LongMessageThreshold is the character count above which text and
	// markdown are sent as a document. Zero disables the fallback.
	LongMessageThreshold int
}

// NewDispatcher wires a dispatcher. A nil renderer uses MarkdownRenderer; a
// nil publisher disables events.
func NewDispatcher(api API, creds Credentials, renderer DocumentRenderer, cfg Config, logger *slog.Logger, events Publisher) *Dispatcher {
	if renderer == nil {
		renderer = MarkdownRenderer{}
	}
	return &Dispatcher{
		api:       api,
		creds:     creds,
		renderer:  renderer,
		agentID:   cfg.AgentID,
		threshold: cfg.LongMessageThreshold,
		logger:    logger,
		events:    events,
	}
}

// Send delivers msg. Text and markdown longer than the threshold are rendered,
// uploaded and sent as a file message instead.
func (d *Dispatcher) Send(ctx context.Context, msg Outbound) (Result, error) {
	if msg == nil {
		return Result{}, fmt.Errorf("nil message")
	}
	to := msg.Recipient()
	if to == "" {
		return Result{}, fmt.Errorf("message has no recipient")
	}
	logger := d.logger.With("user_id", to)

	if content, ok := longContent(msg); ok && d.threshold > 0 && utf8.RuneCountInString(content) > d.threshold {
		mediaID, err := d.uploadDocument(ctx, content)
		if err != nil {
			logger.Error("long message fallback failed", "chars", utf8.RuneCountInString(content), "error", err)
			d.publish("outbound.failed", map[string]any{"user_id": to, "error": err.Error()})
			return Result{}, err
		}
		logger.Info("long message sent as document", "chars", utf8.RuneCountInString(content), "media_id", mediaID)

		res, err := d.send(ctx, File{ToUser: to, MediaID: mediaID})
		if err != nil {
			logger.Error("send file message failed", "error", err)
			d.publish("outbound.failed", map[string]any{"user_id": to, "error": err.Error()})
			return Result{}, err
		}
		res.MediaID = mediaID
		res.Fallback = true
		d.publish("outbound.sent", res)
		return res, nil
	}

	res, err := d.send(ctx, msg)
	if err != nil {
		logger.Error("send message failed", "error", err)
		d.publish("outbound.failed", map[string]any{"user_id": to, "error": err.Error()})
		return Result{}, err
	}
	logger.Debug("message sent", "msgtype", res.MsgType, "msgid", res.MsgID)
	d.publish("outbound.sent", res)
	return res, nil
}

// LookupUser resolves a user id through user/get.
func (d *Dispatcher) LookupUser(ctx context.Context, userID string) (wecom.User, error) {
	var u wecom.User
	err := d.withToken(ctx, "user/get", func(token string) error {
		var err error
		u, err = d.api.GetUser(ctx, token, userID)
		return err
	})
	return u, err
}

// LookupDepartment resolves a department id through department/get.
func (d *Dispatcher) LookupDepartment(ctx context.Context, id int64) (wecom.Department, error) {
	var dept wecom.Department
	err := d.withToken(ctx, "department/get", func(token string) error {
		var err error
		dept, err = d.api.GetDepartment(ctx, token, id)
		return err
	})
	return dept, err
}

// DownloadMedia fetches inbound media such as a voice or image message's
// media id.
func (d *Dispatcher) DownloadMedia(ctx context.Context, mediaID string) (wecom.Media, error) {
	var m wecom.Media
	err := d.withToken(ctx, "media/get", func(token string) error {
		var err error
		m, err = d.api.DownloadMedia(ctx, token, mediaID)
		return err
	})
	if err != nil {
		return wecom.Media{}, err
	}
	d.logger.Info("media downloaded", "media_id", mediaID, "bytes", len(m.Data))
	return m, nil
}

func (d *Dispatcher) send(ctx context.Context, msg Outbound) (Result, error) {
	wire := msg.wire(d.agentID)
	var sr wecom.SendResult
	err := d.withToken(ctx, "message/send", func(token string) error {
		var err error
		sr, err = d.api.SendMessage(ctx, token, wire)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{MsgType: wire.MsgType, MsgID: sr.MsgID}, nil
}

func (d *Dispatcher) uploadDocument(ctx context.Context, content string) (string, error) {
	filename, data, err := d.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("%w: render: %w", ErrUploadFailure, err)
	}

	var mediaID string
	err = d.withToken(ctx, "media/upload", func(token string) error {
		var err error
		mediaID, err = d.api.UploadMedia(ctx, token, MediaTypeFile, filename, data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailure, err)
	}
	return mediaID, nil
}

// withToken runs call with a current token. If the platform rejects the token
// it is invalidated and call runs once more with a fresh one. Only the
// rejected token is invalidated, so concurrent senders retrying with an old
// token leave a newer one in place.
func (d *Dispatcher) withToken(ctx context.Context, op string, call func(token string) error) error {
	cred, err := d.creds.Get(ctx)
	if err != nil {
		return err
	}

	err = call(cred.Token)
	if err == nil || !wecom.IsTokenRejected(err) {
		return err
	}

	d.logger.Warn("access token rejected, refreshing and retrying once", "op", op, "error", err)
	d.creds.Invalidate(cred.Token)

	cred, err = d.creds.Get(ctx)
	if err != nil {
		return err
	}
	return call(cred.Token)
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}
