// Package remote implements the signaling channel against a signaling server:
// writes go over its REST API and watches over its WebSocket streams.
package remote

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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

// ErrUnauthorized is returned when the server refuses the request's token, or
// the request needs one and none was given
var ErrUnauthorized = errors.New("signaling server: unauthorized")

// Client is a signaling.Channel backed by the signaling server
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	token  string
	logger *slog.Logger
}

var _ signaling.Channel = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithToken authenticates every request with a bearer token from the login endpoint
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the server at rawURL, e.g. "http://localhost:8080"
func New(rawURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid signaling url %q: scheme must be http or https", rawURL)
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login exchanges credentials for a token that authenticates later requests.
// Call it before the client is shared between goroutines.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	req := models.LoginRequest{Username: username, Password: password}
	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp, nil); err != nil {
		return nil, err
	}
	c.token = resp.Token
	c.logger.Debug("logged in to signaling server", "userID", resp.UserID)
	return &resp, nil
}

// CreateSession ignores ownerID: the server takes the owner from the token.
func (c *Client) CreateSession(ctx context.Context, callID string, offer models.SessionDescription, ownerID string) error {
	req := models.CreateCallRequest{CallID: callID, Offer: offer}
	return c.do(ctx, http.MethodPost, c.apiPath(), req, nil, signaling.ErrSessionAlreadyExists)
}

func (c *Client) GetSession(ctx context.Context, callID string) (*models.CallSession, error) {
	var sess models.CallSession
	if err := c.do(ctx, http.MethodGet, c.apiPath(callID), nil, &sess, nil); err != nil {
		return nil, err
	}
	if err := sess.Snapshot().Validate(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) SetAnswer(ctx context.Context, callID string, answer models.SessionDescription) error {
	req := models.SetAnswerRequest{Answer: answer}
	return c.do(ctx, http.MethodPut, c.apiPath(callID, "answer"), req, nil, signaling.ErrAnswerAlreadySet)
}

func (c *Client) AppendCandidate(ctx context.Context, callID string, role models.Role, candidate models.Candidate) error {
	return c.do(ctx, http.MethodPost, c.apiPath(callID, "candidates", string(role)), candidate, nil, nil)
}

// DeleteSession needs a token of the user who created the call
func (c *Client) DeleteSession(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodDelete, c.apiPath(callID), nil, nil, nil)
}

func (c *Client) WatchSession(ctx context.Context, callID string) (*signaling.Subscription[models.SessionSnapshot], error) {
	conn, err := c.dial(ctx, c.wsURL(callID, "session"))
	if err != nil {
		return nil, err
	}

	return watch(ctx, conn, c.logger, func(msg models.StreamMessage) (models.SessionSnapshot, bool) {
		if msg.Type != models.StreamTypeSnapshot || msg.Snapshot == nil {
			return models.SessionSnapshot{}, false
		}
		if err := msg.Snapshot.Validate(); err != nil {
			c.logger.Warn("dropping malformed snapshot", "callID", callID, "err", err)
			return models.SessionSnapshot{}, false
		}
		return *msg.Snapshot, true
	}), nil
}

func (c *Client) WatchCandidates(ctx context.Context, callID string, role models.Role) (*signaling.Subscription[models.CandidateRecord], error) {
	conn, err := c.dial(ctx, c.wsURL(callID, "candidates", string(role)))
	if err != nil {
		return nil, err
	}

	return watch(ctx, conn, c.logger, func(msg models.StreamMessage) (models.CandidateRecord, bool) {
		if msg.Type != models.StreamTypeCandidate || msg.Candidate == nil {
			return models.CandidateRecord{}, false
		}
		if msg.Candidate.Role != role {
			c.logger.Warn("dropping candidate of the wrong role", "callID", callID, "role", msg.Candidate.Role)
			return models.CandidateRecord{}, false
		}
		return *msg.Candidate, true
	}), nil
}

// watch turns the frames of a watch stream into a subscription
func watch[T any](ctx context.Context, conn *websocket.Conn, logger *slog.Logger, decode func(models.StreamMessage) (T, bool)) *signaling.Subscription[T] {
	return signaling.NewSubscription(ctx, func(ctx context.Context, emit func(T) bool) error {
		defer conn.Close()

		// Unblocks ReadJSON once the subscription is canceled
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		for {
			var msg models.StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return unavailable(err)
			}

			if msg.Type == models.StreamTypeError {
				return unavailable(errors.New(msg.Error))
			}
			v, ok := decode(msg)
			if !ok {
				logger.Debug("ignoring stream frame", "type", msg.Type)
				continue
			}
			if !emit(v) {
				return nil
			}
		}
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, conflict error) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp, conflict)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", signaling.ErrMalformed, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, statusError(resp, nil)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(err)
	}
	return conn, nil
}

func (c *Client) authorize(header http.Header) {
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) apiPath(elem ...string) string {
	return "/" + strings.Join(append([]string{"api", "calls"}, escape(elem)...), "/")
}

func (c *Client) wsURL(elem ...string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.JoinPath(append([]string{"ws", "calls"}, escape(elem)...)...).String()
}

func escape(elem []string) []string {
	out := make([]string, len(elem))
	for i, e := range elem {
		out[i] = url.PathEscape(e)
	}
	return out
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", signaling.ErrChannelUnavailable, err)
}

// statusError maps a server error response back onto the channel's errors.
// 409 is ambiguous across operations, so the caller names its conflict.
func statusError(resp *http.Response, conflict error) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", signaling.ErrSessionNotFound, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusConflict && conflict != nil:
		return fmt.Errorf("%w: %s", conflict, msg)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", signaling.ErrMalformed, msg)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", signaling.ErrChannelUnavailable, msg)
	}
	return fmt.Errorf("signaling server: %s", msg)
}
