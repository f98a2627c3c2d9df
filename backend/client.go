// Package backend talks to the practice backend's /auth endpoints and maps its answers
// onto the session error taxonomy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-session-manager/users"
)

const (
	DefaultTimeout = 12 * time.Second

	maxErrorBody = 4 << 10
)

// operation names one call for status mapping and error messages.
type operation string

const (
	opLogin    operation = "login"
	opRegister operation = "register"
	opRefresh  operation = "refresh"
	opLogout   operation = "logout"
	opMe       operation = "me"
)

// Client calls the backend. Every call is bounded by the client timeout on top of the
// caller's context.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func New(baseURL string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[backend.New] base url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "[backend.New] base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("[backend.New] base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		log:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.timeout <= 0 {
		return nil, errors.New("[backend.New] timeout must be positive")
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, credentials users.Credentials) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, opLogin, http.MethodPost, PathLogin, "", credentials, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, registration users.Registration) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, opRegister, http.MethodPost, PathRegister, "", registration, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, opRefresh, http.MethodPost, PathRefresh, "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout tells the backend the session is over.
func (c *Client) Logout(ctx context.Context, accessToken, sessionID string) error {
	return c.do(ctx, opLogout, http.MethodPost, PathLogout, accessToken, logoutRequest{SessionID: sessionID}, nil)
}

// Me returns the user the access token belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (*users.User, error) {
	var resp meResponse
	if err := c.do(ctx, opMe, http.MethodGet, PathMe, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (c *Client) do(ctx context.Context, op operation, method, path, accessToken string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "[%s] marshal request", op)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return errors.Wrapf(err, "[%s] build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: string(op), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		mapped := classify(op, resp.StatusCode, readMessage(resp))
		c.log.Debug().Str("op", string(op)).Int("status", resp.StatusCode).Msg("backend call failed")
		return mapped
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: string(op), Status: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

// classify maps a failed status to the error taxonomy.
func classify(op operation, status int, message string) error {
	switch {
	case status == http.StatusForbidden:
		return &PermissionError{Message: message}
	case status == http.StatusUnauthorized || status == http.StatusBadRequest:
		switch op {
		case opLogin, opRegister:
			return &AuthenticationError{Status: status, Message: message}
		case opRefresh, opMe:
			return &SessionExpiredError{Status: status, Message: message}
		}
		if status == http.StatusUnauthorized {
			return &SessionExpiredError{Status: status, Message: message}
		}
	case status == http.StatusConflict && op == opRegister:
		return &AuthenticationError{Status: status, Message: message}
	}
	return &NetworkError{Op: string(op), Status: status, Err: errors.New(message)}
}

// readMessage returns the backend's own explanation for a failure, falling back to the
// raw body and then to the status text.
func readMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
