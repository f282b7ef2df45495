// Package client talks to a SWGDB dashboard on behalf of a running bot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"go.uber.org/zap"
)

var ErrNotLoggedIn = errors.New("client: not logged in")

// APIError is a non-2xx dashboard response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: dashboard returned %d: %s", e.Status, e.Message)
}

// Client is a dashboard REST client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	retry    RetryConfig
	logger   *zap.Logger

	mu        sync.RWMutex
	token     string
	accountID int64
}

// New creates a Client for cfg.URL.
func New(cfg config.DashboardConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := DefaultRetryConfig()
	if cfg.Retries >= 0 {
		rc.MaxRetries = cfg.Retries
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		retry:    rc,
		logger:   logger,
	}
}

// SetRetry overrides the backoff settings.
func (c *Client) SetRetry(rc RetryConfig) { c.retry = rc }

// BaseURL returns the dashboard root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the current bearer token, empty before Login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// AccountID returns the logged in account, 0 before Login.
func (c *Client) AccountID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

type loginResponse struct {
	Token     string `json:"token"`
	AccountID int64  `json:"account_id"`
}

// Login authenticates with the configured credentials. The dashboard
// registers unknown usernames on first login.
func (c *Client) Login(ctx context.Context) error {
	if c.username == "" {
		return fmt.Errorf("%w: no username configured", ErrNotLoggedIn)
	}
	body := map[string]string{"username": c.username, "password": c.password}
	var resp loginResponse
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.classify(c.send(ctx, http.MethodPost, "/api/auth/login", "", body, &resp))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.accountID = resp.AccountID
	c.mu.Unlock()
	c.logger.Info("dashboard login", zap.String("user", c.username), zap.Int64("account_id", resp.AccountID))
	return nil
}

// StartSession opens a dashboard session for this run.
func (c *Client) StartSession(ctx context.Context, req session.StartRequest) (*model.BotSession, error) {
	var out model.BotSession
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports counter deltas and position.
func (c *Client) Heartbeat(ctx context.Context, id string, hb session.Heartbeat) (*model.BotSession, error) {
	var out model.BotSession
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/heartbeat", hb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordEvent reports a stuck, recovery, watchdog or info event.
func (c *Client) RecordEvent(ctx context.Context, id string, ev session.Event) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/events", ev, nil)
}

// EndSession closes the session with reason.
func (c *Client) EndSession(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/end", map[string]string{"reason": reason}, nil)
}

// IngestLoot uploads raw chat log lines.
func (c *Client) IngestLoot(ctx context.Context, req loot.IngestRequest) (*loot.IngestResult, error) {
	var out loot.IngestResult
	if err := c.do(ctx, http.MethodPost, "/api/loot/ingest", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends an authenticated request with retries. A 401 triggers one
// re-login before the error is returned.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.Token() == "" {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	relogged := false
	return Retry(ctx, c.retry, func(ctx context.Context) error {
		err := c.send(ctx, method, path, c.Token(), body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && !relogged {
			relogged = true
			c.logger.Info("dashboard token rejected, logging in again")
			if lerr := c.Login(ctx); lerr != nil {
				return Permanent(lerr)
			}
			err = c.send(ctx, method, path, c.Token(), body, out)
		}
		return c.classify(err)
	})
}

func (c *Client) classify(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return Permanent(err)
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode %s: %w", path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("client: decode %s: %w", path, err)
		}
	}
	return nil
}
