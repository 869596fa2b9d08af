package callback

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/log"
	"github.com/mattjoyce/wecom-gw/internal/message"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

func envelopeFromQuery(r *http.Request, ciphertext string) wxcrypt.Envelope {
	q := r.URL.Query()
	return wxcrypt.Envelope{
		Signature:  q.Get("msg_signature"),
		Timestamp:  q.Get("timestamp"),
		Nonce:      q.Get("nonce"),
		Ciphertext: ciphertext,
	}
}

// handleVerify answers the URL verification handshake with the decrypted
// echostr.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	echo := r.URL.Query().Get("echostr")
	if echo == "" {
		logger.Warn("verification request without echostr")
		forbid(w)
		return
	}

	plain, err := s.crypter.Open(envelopeFromQuery(r, echo))
	if err != nil {
		s.reject(logger, "verify", echo, err)
		forbid(w)
		return
	}

	logger.Info("callback url verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plain)
}

// handleCallback authenticates, decrypts and dispatches one callback.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		logger.Warn("failed to read callback body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		logger.Warn("callback body too large", "limit", s.config.MaxBodySize)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	eb, err := wxcrypt.ParseEncryptedBody(body)
	if err != nil {
		s.reject(logger, "callback", "", err)
		forbid(w)
		return
	}

	plain, err := s.crypter.Open(envelopeFromQuery(r, eb.Encrypt))
	if err != nil {
		s.reject(logger, "callback", eb.Encrypt, err)
		forbid(w)
		return
	}

	in, err := message.ParseInbound(plain)
	if err != nil {
		// Authenticated but unusable; a re-send would fail the same way.
		logger.Error("failed to parse callback message", "error", err)
		s.publish(events.CallbackFailed, map[string]string{"stage": "parse"})
		ack(w)
		return
	}

	head := in.Head()
	logger = log.WithUser(logger, head.FromUser).With("msg_type", string(head.Type))

	key := message.DedupeKey(in)
	if !s.firstSeen(r.Context(), logger, key, head) {
		logger.Info("duplicate callback acknowledged", "dedupe_key", key)
		s.publish(events.CallbackDuplicate, map[string]string{"msg_type": string(head.Type)})
		ack(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HandlerTimeout)
	defer cancel()

	reply, err := s.handlers.Dispatch(ctx, in)
	if err != nil {
		logger.Error("handler failed", "error", err)
		s.publish(events.CallbackFailed, map[string]string{"stage": "handler", "msg_type": string(head.Type)})
		ack(w)
		return
	}
	if reply == nil {
		s.publish(events.CallbackAccepted, map[string]any{"msg_type": string(head.Type), "reply": false})
		ack(w)
		return
	}

	out, err := s.sealReply(head, reply)
	if err != nil {
		logger.Error("failed to seal reply", "error", err)
		s.forget(logger, key)
		s.publish(events.CallbackFailed, map[string]string{"stage": "reply", "msg_type": string(head.Type)})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.publish(events.CallbackAccepted, map[string]any{"msg_type": string(head.Type), "reply": true})
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) sealReply(head message.Header, reply message.Reply) ([]byte, error) {
	plain, err := message.RenderReply(head, reply, s.now())
	if err != nil {
		return nil, err
	}
	env, err := s.crypter.Seal(plain)
	if err != nil {
		return nil, err
	}
	return xml.Marshal(env.Reply())
}

// firstSeen consults the ledger. Ledger errors let the callback through.
func (s *Server) firstSeen(ctx context.Context, logger *slog.Logger, key string, head message.Header) bool {
	if s.ledger == nil {
		return true
	}
	first, err := s.ledger.FirstSeen(ctx, key, string(head.Type), head.FromUser)
	if err != nil {
		logger.Warn("replay ledger unavailable", "error", err)
		return true
	}
	return first
}

func (s *Server) forget(logger *slog.Logger, key string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Forget(context.Background(), key); err != nil {
		logger.Warn("failed to forget dedupe key", "error", err)
	}
}

func (s *Server) reject(logger *slog.Logger, route, ciphertext string, err error) {
	reason := "decrypt"
	switch {
	case errors.Is(err, wxcrypt.ErrSignatureMismatch):
		reason = "signature"
	case errors.Is(err, wxcrypt.ErrCorpIDMismatch):
		reason = "corp_id"
	}

	attrs := []any{"route", route, "reason", reason}
	if reason == "corp_id" && ciphertext != "" {
		attrs = append(attrs, "fingerprint", wxcrypt.Fingerprint(ciphertext))
	}
	logger.Warn("callback rejected", attrs...)
	s.publish(events.CallbackRejected, map[string]string{"route": route, "reason": reason})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", middleware.GetReqID(r.Context()))
}
