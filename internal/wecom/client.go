package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public WeCom API root.
const DefaultBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

const (
	maxResponseSize = 1 << 20
	// maxMediaSize is the platform's limit for temporary media.
	maxMediaSize = 20 << 20
)

// Config holds the app credentials used for outbound calls.
type Config struct {
	BaseURL string
	CorpID  string
	Secret  string
	AgentID int64
	Timeout time.Duration
}

// Client talks to the platform's HTTP API. Methods that need an access token
// take it as an argument; obtaining one is credential.Manager's job.
type Client struct {
	baseURL string
	corpID  string
	secret  string
	agentID int64
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client with a pooled transport.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		baseURL: base,
		corpID:  cfg.CorpID,
		secret:  cfg.Secret,
		agentID: cfg.AgentID,
		http:    newHTTPClient(cfg.Timeout),
		logger:  logger,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// FetchToken calls gettoken. It satisfies credential.Fetcher.
func (c *Client) FetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("corpid", c.corpID)
	q.Set("corpsecret", c.secret)

	var resp tokenResponse
	if err := c.get(ctx, "gettoken", q, &resp); err != nil {
		return "", 0, err
	}
	if resp.AccessToken == "" || resp.ExpiresIn <= 0 {
		return "", 0, fmt.Errorf("gettoken: empty token or expiry in response")
	}
	return resp.AccessToken, time.Duration(resp.ExpiresIn) * time.Second, nil
}

// SendMessage posts msg to message/send. A zero AgentID is filled in from the
// client config.
func (c *Client) SendMessage(ctx context.Context, token string, msg Message) (SendResult, error) {
	if msg.AgentID == 0 {
		msg.AgentID = c.agentID
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode message: %w", err)
	}

	var resp sendResponse
	if err := c.post(ctx, "message/send", tokenQuery(token), "application/json", bytes.NewReader(body), &resp); err != nil {
		return SendResult{}, err
	}
	if resp.InvalidUser != "" {
		c.logger.Warn("message not delivered to some users", "invaliduser", resp.InvalidUser)
	}
	return resp.SendResult, nil
}

// UploadMedia stores content as temporary media and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, token, mediaType, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q; filelength=%d`, filename, len(content)))
	h.Set("Content-Type", mimeType(filename))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	q := tokenQuery(token)
	q.Set("type", mediaType)

	var resp uploadResponse
	if err := c.post(ctx, "media/upload", q, mw.FormDataContentType(), &buf, &resp); err != nil {
		return "", err
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("media/upload: response has no media_id")
	}
	return resp.MediaID, nil
}

// GetUser calls user/get.
func (c *Client) GetUser(ctx context.Context, token, userID string) (User, error) {
	q := tokenQuery(token)
	q.Set("userid", userID)

	var resp userResponse
	if err := c.get(ctx, "user/get", q, &resp); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// GetDepartment calls department/get.
func (c *Client) GetDepartment(ctx context.Context, token string, id int64) (Department, error) {
	q := tokenQuery(token)
	q.Set("id", strconv.FormatInt(id, 10))

	var resp departmentResponse
	if err := c.get(ctx, "department/get", q, &resp); err != nil {
		return Department{}, err
	}
	return resp.Department, nil
}

// DownloadMedia fetches temporary media through media/get. The platform
// reports failures as a JSON errcode body in place of the file.
func (c *Client) DownloadMedia(ctx context.Context, token, mediaID string) (Media, error) {
	const op = "media/get"
	q := tokenQuery(token)
	q.Set("media_id", mediaID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(op, q), nil)
	if err != nil {
		return Media{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, raw, err := c.roundTrip(op, req, maxMediaSize)
	if err != nil {
		return Media{}, err
	}
	if len(raw) > maxMediaSize {
		return Media{}, fmt.Errorf("%s: media larger than %d bytes", op, maxMediaSize)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return Media{}, fmt.Errorf("%s: %w", op, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(contentType); mt == "application/json" || mt == "text/plain" {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Media{}, fmt.Errorf("%s: decode error body: %w", op, err)
		}
		if err := env.err(resp.StatusCode); err != nil {
			return Media{}, fmt.Errorf("%s: %w", op, err)
		}
		return Media{}, fmt.Errorf("%s: json body without media", op)
	}

	m := Media{ID: mediaID, ContentType: contentType, Data: raw}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		m.Filename = path.Base(params["filename"])
	}
	return m, nil
}

func (c *Client) get(ctx context.Context, op string, q url.Values, out errorer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(op, q), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op string, q url.Values, contentType string, body io.Reader, out errorer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(op, q), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(op, req, out)
}

type errorer interface {
	err(status int) error
}

func (c *Client) do(op string, req *http.Request, out errorer) error {
	resp, raw, err := c.roundTrip(op, req, maxResponseSize)
	if err != nil {
		return err
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if err := out.err(resp.StatusCode); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// roundTrip reads at most limit+1 bytes so callers can tell an oversized body
// from one that fits exactly.
func (c *Client) roundTrip(op string, req *http.Request, limit int64) (*http.Response, []byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	c.logger.Debug("wecom api call",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, raw, nil
}

func statusError(status int, raw []byte) error {
	if status >= 200 && status <= 299 {
		return nil
	}
	apiErr := &APIError{Code: codeTransportFail, Message: http.StatusText(status), HTTPStatus: status}
	// The platform sometimes pairs a non-2xx status with a JSON errcode.
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.ErrCode != 0 {
		apiErr.Code = env.ErrCode
		apiErr.Message = env.ErrMsg
	}
	return apiErr
}

func (c *Client) endpoint(op string, q url.Values) string {
	u := c.baseURL + "/" + op
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func tokenQuery(token string) url.Values {
	q := url.Values{}
	q.Set("access_token", token)
	return q
}

func mimeType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
