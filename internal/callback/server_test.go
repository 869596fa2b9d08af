package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/dedupe"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/message"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

const (
	testToken  = "token123"
	testCorpID = "CORP1"
	testAPIKey = "admin-key"
)

var zeroKey = strings.Repeat("A", 43)

type dispatchFunc func(ctx context.Context, in message.Inbound) (message.Reply, error)

func (f dispatchFunc) Dispatch(ctx context.Context, in message.Inbound) (message.Reply, error) {
	return f(ctx, in)
}

type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
	dups int64
	err  error
}

func (l *memLedger) FirstSeen(_ context.Context, key, _, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.seen[key] {
		l.dups++
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

func (l *memLedger) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, key)
	return nil
}

func (l *memLedger) Stats(context.Context) (dedupe.Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return dedupe.Stats{}, l.err
	}
	return dedupe.Stats{Keys: int64(len(l.seen)), Duplicates: l.dups}, nil
}

type fakeCreds struct {
	resets int
}

func (f *fakeCreds) Status() credential.Status {
	return credential.Status{State: "valid", Refreshes: 2}
}

func (f *fakeCreds) Reset() { f.resets++ }

type harness struct {
	server  *Server
	handler http.Handler
	crypter *wxcrypt.Crypter
	ledger  *memLedger
	creds   *fakeCreds
	hub     *events.Hub
	logs    *bytes.Buffer
}

func newCrypter(t *testing.T, corpID string) *wxcrypt.Crypter {
	t.Helper()
	codec, err := wxcrypt.NewCodec(zeroKey, corpID)
	require.NoError(t, err)
	c, err := wxcrypt.NewCrypter(testToken, codec)
	require.NoError(t, err)
	return c
}

func newHarness(t *testing.T, d Dispatcher, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		crypter: newCrypter(t, testCorpID),
		ledger:  &memLedger{seen: map[string]bool{}},
		creds:   &fakeCreds{},
		hub:     events.NewHub(50),
		logs:    &bytes.Buffer{},
	}
	cfg := Config{
		Name:           "wecom-gw",
		Version:        "test",
		MaxBodySize:    4096,
		HandlerTimeout: time.Second,
		AdminEnabled:   true,
		AdminAPIKey:    testAPIKey,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.server = New(cfg, h.crypter, d, h.ledger, h.creds, h.hub, logger)
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func query(env wxcrypt.Envelope) url.Values {
	q := url.Values{}
	q.Set("msg_signature", env.Signature)
	q.Set("timestamp", env.Timestamp)
	q.Set("nonce", env.Nonce)
	return q
}

func callbackRequest(t *testing.T, sealer *wxcrypt.Crypter, plain string) *http.Request {
	t.Helper()
	env, err := sealer.Seal([]byte(plain))
	require.NoError(t, err)
	return callbackRequestFor(env)
}

func callbackRequestFor(env wxcrypt.Envelope) *http.Request {
	body := fmt.Sprintf("<xml><ToUserName><![CDATA[%s]]></ToUserName><AgentID><![CDATA[1000002]]></AgentID><Encrypt><![CDATA[%s]]></Encrypt></xml>",
		testCorpID, env.Ciphertext)
	return httptest.NewRequest(http.MethodPost, "/wechat/callback?"+query(env).Encode(), strings.NewReader(body))
}

func textXML(msgID, content string) string {
	return fmt.Sprintf(`<xml><ToUserName><![CDATA[CORP1]]></ToUserName><FromUserName><![CDATA[zhangsan]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[%s]]></Content><MsgId>%s</MsgId><AgentID>1000002</AgentID></xml>`, content, msgID)
}

func echoHandler() Dispatcher {
	return dispatchFunc(func(_ context.Context, in message.Inbound) (message.Reply, error) {
		if t, ok := in.(*message.Text); ok {
			return message.TextReply{Content: "echo: " + t.Content}, nil
		}
		return nil, nil
	})
}

func eventTypes(h *events.Hub) []string {
	var out []string
	for _, ev := range h.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestVerify(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	env, err := h.crypter.Seal([]byte("echo-1234"))
	require.NoError(t, err)

	for _, path := range []string{"/wechat/verify", "/wechat/callback"} {
		q := query(env)
		q.Set("echostr", env.Ciphertext)
		rec := h.do(httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil))

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "echo-1234", rec.Body.String(), path)
	}
}

func TestVerifyRejections(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	env, err := h.crypter.Seal([]byte("echo"))
	require.NoError(t, err)

	tests := []struct {
		name string
		q    func() url.Values
	}{
		{"missing echostr", func() url.Values { return query(env) }},
		{"bad signature", func() url.Values {
			q := query(env)
			q.Set("echostr", env.Ciphertext)
			q.Set("msg_signature", strings.Repeat("0", 40))
			return q
		}},
		{"tampered timestamp", func() url.Values {
			q := query(env)
			q.Set("echostr", env.Ciphertext)
			q.Set("timestamp", "1")
			return q
		}},
		{"no query", func() url.Values { return url.Values{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(httptest.NewRequest(http.MethodGet, "/wechat/verify?"+tt.q().Encode(), nil))
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestCallbackReply(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	rec := h.do(callbackRequest(t, h.crypter, textXML("1001", "hello")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")

	var reply wxcrypt.EncryptedReply
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &reply))

	plain, err := h.crypter.Open(reply.Envelope())
	require.NoError(t, err)

	s := string(plain)
	assert.Contains(t, s, "<ToUserName><![CDATA[zhangsan]]></ToUserName>")
	assert.Contains(t, s, "<FromUserName><![CDATA[CORP1]]></FromUserName>")
	assert.Contains(t, s, "<Content><![CDATA[echo: hello]]></Content>")

	assert.Equal(t, []string{events.CallbackAccepted}, eventTypes(h.hub))
	assert.NotContains(t, h.logs.String(), "hello")
}

func TestCallbackNoReply(t *testing.T) {
	h := newHarness(t, dispatchFunc(func(context.Context, message.Inbound) (message.Reply, error) {
		return nil, nil
	}), nil)

	rec := h.do(callbackRequest(t, h.crypter, textXML("1002", "hi")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCallbackRejectsTamperedEnvelope(t *testing.T) {
	called := false
	h := newHarness(t, dispatchFunc(func(context.Context, message.Inbound) (message.Reply, error) {
		called = true
		return nil, nil
	}), nil)

	env, err := h.crypter.Seal([]byte(textXML("1003", "x")))
	require.NoError(t, err)
	env.Signature = strings.ToUpper(env.Signature)

	rec := h.do(callbackRequestFor(env))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.False(t, called)
	assert.Equal(t, []string{events.CallbackRejected}, eventTypes(h.hub))
	assert.Contains(t, h.logs.String(), `"reason":"signature"`)
}

func TestCallbackCorpMismatchLogsFingerprint(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)
	other := newCrypter(t, "CORP2")

	env, err := other.Seal([]byte(textXML("1004", "x")))
	require.NoError(t, err)

	rec := h.do(callbackRequestFor(env))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())

	logs := h.logs.String()
	assert.Contains(t, logs, `"reason":"corp_id"`)
	assert.Contains(t, logs, wxcrypt.Fingerprint(env.Ciphertext))
	assert.NotContains(t, logs, env.Ciphertext)
}

func TestCallbackMalformedBodies(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	for name, body := range map[string]string{
		"not xml":    "{]",
		"no encrypt": "<xml><ToUserName>CORP1</ToUserName></xml>",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/wechat/callback?msg_signature=x&timestamp=1&nonce=n", strings.NewReader(body))
			rec := h.do(req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestCallbackBodyTooLarge(t *testing.T) {
	h := newHarness(t, echoHandler(), func(c *Config) { c.MaxBodySize = 64 })

	rec := h.do(callbackRequest(t, h.crypter, textXML("1005", "hello")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCallbackUnparseableMessageIsAcked(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	rec := h.do(callbackRequest(t, h.crypter, "<xml><MsgType>text</MsgType></xml>"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, []string{events.CallbackFailed}, eventTypes(h.hub))
}

func TestCallbackDuplicateSkipsHandler(t *testing.T) {
	var calls int
	h := newHarness(t, dispatchFunc(func(context.Context, message.Inbound) (message.Reply, error) {
		calls++
		return message.TextReply{Content: "ok"}, nil
	}), nil)

	env, err := h.crypter.Seal([]byte(textXML("2001", "once")))
	require.NoError(t, err)

	first := h.do(callbackRequestFor(env))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.NotEmpty(t, first.Body.String())

	second := h.do(callbackRequestFor(env))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Empty(t, second.Body.String())

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{events.CallbackAccepted, events.CallbackDuplicate}, eventTypes(h.hub))
}

func TestCallbackLedgerErrorFailsOpen(t *testing.T) {
	var calls int
	h := newHarness(t, dispatchFunc(func(context.Context, message.Inbound) (message.Reply, error) {
		calls++
		return nil, nil
	}), nil)
	h.ledger.err = errors.New("disk full")

	rec := h.do(callbackRequest(t, h.crypter, textXML("2002", "x")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
}

func TestCallbackHandlerErrorIsAcked(t *testing.T) {
	h := newHarness(t, dispatchFunc(func(context.Context, message.Inbound) (message.Reply, error) {
		return nil, credential.ErrCredentialUnavailable
	}), nil)

	rec := h.do(callbackRequest(t, h.crypter, textXML("3001", "x")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, []string{events.CallbackFailed}, eventTypes(h.hub))
	assert.Contains(t, h.logs.String(), `"user_id":"zhangsan"`)
}

func TestCallbackHandlerTimeout(t *testing.T) {
	h := newHarness(t, dispatchFunc(func(ctx context.Context, _ message.Inbound) (message.Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), func(c *Config) { c.HandlerTimeout = 20 * time.Millisecond })

	start := time.Now()
	rec := h.do(callbackRequest(t, h.crypter, textXML("3002", "slow")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInfoAndHealth(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "wecom-gw", info.Service)
	assert.Equal(t, "running", info.Status)
	assert.Contains(t, info.Routes, "GET /admin/events")
	assert.Contains(t, info.Routes, "GET /admin/ledger")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
}

func adminRequest(method, target, key string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestAdminAuth(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	assert.Equal(t, http.StatusUnauthorized, h.do(adminRequest(http.MethodGet, "/admin/events", "")).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(adminRequest(http.MethodGet, "/admin/events", "wrong-key")).Code)
	assert.Equal(t, http.StatusOK, h.do(adminRequest(http.MethodGet, "/admin/events", testAPIKey)).Code)
}

func TestAdminDisabled(t *testing.T) {
	h := newHarness(t, echoHandler(), func(c *Config) { c.AdminEnabled = false })

	rec := h.do(adminRequest(http.MethodGet, "/admin/events", testAPIKey))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEvents(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)
	h.hub.Publish("credential.refreshed", map[string]int{"ttl_seconds": 7200})
	h.hub.Publish(events.CallbackAccepted, nil)

	rec := h.do(adminRequest(http.MethodGet, "/admin/events?since=1", testAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.CallbackAccepted, resp.Events[0].Type)
	assert.Equal(t, int64(2), resp.LastID)

	rec = h.do(adminRequest(http.MethodGet, "/admin/events?since=9", testAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)

	rec = h.do(adminRequest(http.MethodGet, "/admin/events?since=abc", testAPIKey))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCredential(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	rec := h.do(adminRequest(http.MethodGet, "/admin/credential", testAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"valid"`)

	rec = h.do(adminRequest(http.MethodPost, "/admin/credential/invalidate", testAPIKey))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, h.creds.resets)
}

func TestAdminLedger(t *testing.T) {
	h := newHarness(t, echoHandler(), nil)

	env, err := h.crypter.Seal([]byte(textXML("3001", "twice")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, h.do(callbackRequestFor(env)).Code)
	require.Equal(t, http.StatusOK, h.do(callbackRequestFor(env)).Code)

	rec := h.do(adminRequest(http.MethodGet, "/admin/ledger", testAPIKey))
	require.Equal(t, http.StatusOK, rec.Code)
	var st dedupe.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, dedupe.Stats{Keys: 1, Duplicates: 1}, st)

	h.ledger.err = errors.New("database is locked")
	rec = h.do(adminRequest(http.MethodGet, "/admin/ledger", testAPIKey))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"Bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractAPIKey(req)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}

	assert.True(t, ValidateAPIKey("k", "k"))
	assert.False(t, ValidateAPIKey("k", ""))
	assert.False(t, ValidateAPIKey("", "k"))
	assert.False(t, ValidateAPIKey("kk", "k"))
}

func TestStartShutsDownOnCancel(t *testing.T) {
	h := newHarness(t, echoHandler(), func(c *Config) { c.Listen = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
