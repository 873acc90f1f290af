// Package bridge talks to the HTTP/JSON gateway that fronts the vendor terminal.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pario-ai/chainfetch/pkg/source"
)

// Client opens sessions against a gateway.
type Client struct {
	baseURL     string
	token       string
	timeout     time.Duration
	http        *http.Client
	sessionFile string
}

// Option configures a Client.
type Option func(*Client)

// WithSessionFile records the open session id at path. A session left
// open by a crashed process is closed on the next Connect.
func WithSessionFile(path string) Option {
	return func(c *Client) { c.sessionFile = path }
}

// New creates a gateway client. A zero timeout means no per-query deadline.
func New(baseURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid bridge URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   token,
		timeout: timeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error source.ProtocolError `json:"error"`
}

// Connect implements source.DataSource.
func (c *Client) Connect(ctx context.Context) (source.Session, error) {
	c.closeLeaked(ctx)

	var sr sessionResponse
	if err := c.post(ctx, "/v1/session", nil, nil, &sr); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if sr.SessionID == "" {
		return nil, &source.ProtocolError{Code: source.CodeSessionNotReady, Message: "gateway returned no session id"}
	}
	if c.sessionFile != "" {
		if err := os.WriteFile(c.sessionFile, []byte(sr.SessionID), 0o600); err != nil {
			slog.Warn("record bridge session", "path", c.sessionFile, "error", err)
		}
	}
	return &session{client: c, id: sr.SessionID}, nil
}

// closeLeaked closes a session recorded by an earlier process. Failures are
// logged and do not block Connect.
func (c *Client) closeLeaked(ctx context.Context) {
	if c.sessionFile == "" {
		return
	}
	b, err := os.ReadFile(c.sessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("read bridge session file", "path", c.sessionFile, "error", err)
		}
		return
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		c.forget()
		return
	}
	if err := c.deleteSession(ctx, id); err != nil {
		slog.Warn("close leaked bridge session", "session_id", id, "error", err)
		return
	}
	slog.Info("closed leaked bridge session", "session_id", id)
	c.forget()
}

func (c *Client) forget() {
	if c.sessionFile == "" {
		return
	}
	if err := os.Remove(c.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("remove bridge session file", "path", c.sessionFile, "error", err)
	}
}

// deleteSession ends id on the gateway. An unknown session counts as closed.
func (c *Client) deleteSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/session/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("close session %s: %w", id, statusError(resp.StatusCode, body))
}

type session struct {
	client *Client
	id     string
}

// Query implements source.Session.
func (s *session) Query(ctx context.Context, q source.Query) (*source.Response, error) {
	if s.client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.client.timeout)
		defer cancel()
	}
	headers := map[string]string{
		"X-Session-ID":     s.id,
		"X-Correlation-ID": q.CorrelationID,
	}
	var resp source.Response
	if err := s.client.post(ctx, "/v1/refdata", headers, q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close implements source.Session. The recorded id is kept when the
// gateway refuses the close.
func (s *session) Close() error {
	if err := s.client.deleteSession(context.Background(), s.id); err != nil {
		return err
	}
	s.client.forget()
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// post sends a JSON request and decodes a JSON response, mapping transport
// and HTTP failures onto vendor protocol codes.
func (c *Client) post(ctx context.Context, path string, headers map[string]string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &source.ProtocolError{Code: source.CodeTimeout, Message: err.Error()}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &source.ProtocolError{Code: source.CodeConnectionLost, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &source.ProtocolError{Code: source.CodeConnectionLost, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &source.ProtocolError{Code: source.CodeBadRequest, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func statusError(status int, body []byte) error {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Code != "" {
		return &er.Error
	}
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusTooManyRequests:
		return &source.ProtocolError{Code: source.CodeRateLimited, Message: msg}
	case status == http.StatusUnauthorized:
		return &source.ProtocolError{Code: source.CodeAuthDenied, Message: msg}
	case status == http.StatusForbidden:
		return &source.ProtocolError{Code: source.CodeNotEntitled, Message: msg}
	case status == http.StatusServiceUnavailable:
		return &source.ProtocolError{Code: source.CodeSessionNotReady, Message: msg}
	case status == http.StatusGatewayTimeout:
		return &source.ProtocolError{Code: source.CodeTimeout, Message: msg}
	case status >= 500:
		return &source.ProtocolError{Code: source.CodeConnectionLost, Message: msg}
	default:
		return &source.ProtocolError{Code: source.CodeBadRequest, Message: fmt.Sprintf("HTTP %d: %s", status, msg)}
	}
}
