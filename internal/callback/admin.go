package callback

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mattjoyce/wecom-gw/internal/events"
)

// ExtractAPIKey extracts a key from an "Authorization: Bearer <key>" header.
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	key := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if key == "" {
		return "", errors.New("missing API key")
	}
	return key, nil
}

// ValidateAPIKey reports whether provided matches configured. An empty
// configured key matches nothing.
func ValidateAPIKey(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	if len(provided) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := ExtractAPIKey(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !ValidateAPIKey(key, s.config.AdminAPIKey) {
			s.respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event feed disabled")
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.respondError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	evs := s.events.SnapshotSince(since)
	resp := EventsResponse{Events: evs, LastID: since}
	if evs == nil {
		resp.Events = []events.Event{}
	}
	if n := len(evs); n > 0 {
		resp.LastID = evs[n-1].ID
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		s.respondError(w, http.StatusServiceUnavailable, "credential manager not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.creds.Status())
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		s.respondError(w, http.StatusServiceUnavailable, "credential manager not configured")
		return
	}
	s.creds.Reset()
	s.requestLogger(r).Info("credential invalidated by admin")
	s.respondJSON(w, http.StatusAccepted, s.creds.Status())
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusServiceUnavailable, "dedupe ledger not configured")
		return
	}
	st, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.requestLogger(r).Error("ledger stats failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}
