package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmware/govmomi/vim25/soap"
	"github.com/xMarcinator/VMWareReboot/internal/config"
	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"golang.org/x/sync/singleflight"
)

const (
	sessionPath   = "/api/session"
	sessionHeader = "vmware-api-session-id"

	// maxBodySize caps how much of a response is read into memory.
	maxBodySize = 32 << 20
)

// Session is the authenticated state of a SessionClient.
type Session struct {
	ID      string
	BaseURL string
}

// RawResponse is an HTTP response with its body fully read.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports a 2xx status.
func (r *RawResponse) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// SessionClient owns the HTTP transport and the session token for one
// management plane. The token is shared read-only by concurrent calls;
// re-authentication is serialized.
type SessionClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *logger.Logger

	mu     sync.RWMutex
	token  string
	reauth singleflight.Group
	renews atomic.Int64
}

// NewSessionClient builds a client for cfg. A nil httpClient gets a
// transport honoring cfg.VCenterInsecure.
func NewSessionClient(cfg *config.Config, httpClient *http.Client, log *logger.Logger) (*SessionClient, error) {
	if log == nil {
		log = logger.NewWithWriter(io.Discard)
	}
	base, err := BaseURL(cfg.VCenterHost)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.VCenterInsecure}, // #nosec G402 -- opt-in for self-signed vCenter certificates
			},
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}

	return &SessionClient{
		baseURL:    base,
		username:   cfg.VCenterUsername,
		password:   cfg.VCenterPassword,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     log,
	}, nil
}

// BaseURL turns a host address ("vcenter.local", "https://10.0.0.5:8443")
// into the API root, defaulting the scheme to https.
func BaseURL(host string) (string, error) {
	u, err := soap.ParseURL(strings.TrimSpace(host))
	if err != nil {
		return "", fmt.Errorf("failed to parse host %q: %w", host, err)
	}
	if u == nil || u.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	u.User = nil
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// Connect creates a session with HTTP Basic credentials and keeps the
// returned token for every later call.
func (c *SessionClient) Connect(ctx context.Context) (*Session, error) {
	token, err := c.createSession(ctx)
	if err != nil {
		c.logger.Error("Authentication failed", logger.Action("authenticate"), logger.Status("failed"), logger.Host(c.baseURL), logger.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Info("Session established", logger.Action("authenticate"), logger.Status("connected"), logger.Host(c.baseURL), logger.User(c.username))
	return &Session{ID: token, BaseURL: c.baseURL}, nil
}

// Session returns the current session, or nil before Connect.
func (c *SessionClient) Session() *Session {
	token := c.currentToken()
	if token == "" {
		return nil
	}
	return &Session{ID: token, BaseURL: c.baseURL}
}

// Renewals is the number of re-authentications performed so far.
func (c *SessionClient) Renewals() int64 {
	return c.renews.Load()
}

func (c *SessionClient) createSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionPath, nil)
	if err != nil {
		return "", &AuthError{Kind: AuthTransportFailure, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Kind: AuthTransportFailure, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", &AuthError{Kind: AuthTransportFailure, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Kind: AuthRejected, StatusCode: resp.StatusCode, Err: newAPIError(resp.StatusCode, body)}
	}

	var token string
	if err := json.Unmarshal(body, &token); err != nil {
		return "", &AuthError{Kind: AuthMalformedResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("session token is not a JSON string: %w", err)}
	}
	if token == "" {
		return "", &AuthError{Kind: AuthMalformedResponse, StatusCode: resp.StatusCode, Err: fmt.Errorf("empty session token")}
	}
	return token, nil
}

func (c *SessionClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Request issues one authenticated call. It never retries; a 401 comes
// back as ErrSessionExpired.
func (c *SessionClient) Request(ctx context.Context, method, path string, query url.Values) (*RawResponse, error) {
	return c.send(ctx, c.currentToken(), method, path, query)
}

// Do is Request plus transparent recovery from an expired session: one
// serialized re-authentication, then the call is replayed once.
func (c *SessionClient) Do(ctx context.Context, method, path string, query url.Values) (*RawResponse, error) {
	token := c.currentToken()
	resp, err := c.send(ctx, token, method, path, query)
	if !errors.Is(err, ErrSessionExpired) {
		return resp, err
	}

	c.logger.Warn("Session expired", logger.Action("authenticate"), logger.Status("expired"), logger.F("PATH", path))
	fresh, err := c.Reauthenticate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return c.send(ctx, fresh, method, path, query)
}

// Reauthenticate replaces the stale token with a fresh one. Concurrent
// callers share a single in-flight authentication, and callers whose stale
// token was already replaced get the new token without a new login.
func (c *SessionClient) Reauthenticate(ctx context.Context, stale string) (string, error) {
	if current := c.currentToken(); current != "" && current != stale {
		return current, nil
	}

	v, err, _ := c.reauth.Do("session", func() (interface{}, error) {
		if current := c.currentToken(); current != "" && current != stale {
			return current, nil
		}
		// Detached so one caller's cancellation doesn't fail the others.
		token, err := c.createSession(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		c.renews.Add(1)
		c.logger.Info("Session renewed", logger.Action("authenticate"), logger.Status("renewed"), logger.Host(c.baseURL))
		return token, nil
	})
	if err != nil {
		c.logger.Error("Session renewal failed", logger.Action("authenticate"), logger.Status("failed"), logger.Error(err))
		return "", err
	}
	return v.(string), nil
}

func (c *SessionClient) send(ctx context.Context, token, method, path string, query url.Values) (*RawResponse, error) {
	if token == "" {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	req.Header.Set(sessionHeader, token)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("API request", logger.F("METHOD", method), logger.F("URL", target))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrSessionExpired
	}

	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Logout deletes the session on the management plane.
func (c *SessionClient) Logout(ctx context.Context) error {
	token := c.currentToken()
	if token == "" {
		return nil
	}

	resp, err := c.send(ctx, token, http.MethodDelete, sessionPath, nil)

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if errors.Is(err, ErrSessionExpired) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("failed to delete session: %w", newAPIError(resp.StatusCode, resp.Body))
	}
	c.logger.Info("Session closed", logger.Action("logout"), logger.Status("closed"), logger.Host(c.baseURL))
	return nil
}

// Close logs out if a session is open.
func (c *SessionClient) Close(ctx context.Context) error {
	return c.Logout(ctx)
}
