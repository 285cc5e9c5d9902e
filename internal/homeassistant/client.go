// ABOUTME: Home Assistant REST API client for states and service calls
// ABOUTME: Bearer-token auth, per-request timeout, bounded concurrent fetches

package homeassistant

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

	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewClient when Options leaves them zero.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxConcurrency = 8

	maxErrorBody = 4096
)

var (
	// ErrEntityNotFound is returned when HA answers 404 for an entity.
	ErrEntityNotFound = errors.New("entity not found in home assistant")
	// ErrInvalidEntityID is returned by DomainOf for ids without a domain.
	ErrInvalidEntityID = errors.New("invalid entity id")
)

// StatusError is a non-success HTTP response from Home Assistant.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Op, e.Status, e.Body)
}

// State is an entity state as returned by /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute or the entity id.
func (s *State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// API is the subset of Home Assistant the gateway uses.
type API interface {
	GetState(ctx context.Context, entityID string) (*State, error)
	GetStates(ctx context.Context, entityIDs []string) ([]*State, error)
	GetAllStates(ctx context.Context) ([]*State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	Ping(ctx context.Context) error
}

// Options tunes a Client.
type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to one Home Assistant instance.
type Client struct {
	baseURL        string
	token          string
	http           *http.Client
	maxConcurrency int
	logger         *slog.Logger
}

// NewClient creates a client for baseURL authenticated with a long-lived token.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		http:           httpClient,
		maxConcurrency: opts.MaxConcurrency,
		logger:         logger.With("component", "homeassistant"),
	}
}

// BaseURL returns the normalized instance URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetState fetches one entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var st State
	err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &st, "get entity")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
		}
		return nil, err
	}
	return &st, nil
}

// GetStates fetches entities concurrently. Entities that fail are logged
// and left out; the rest keep their input order.
func (c *Client) GetStates(ctx context.Context, entityIDs []string) ([]*State, error) {
	results := make([]*State, len(entityIDs))

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for i, id := range entityIDs {
		g.Go(func() error {
			st, err := c.GetState(ctx, id)
			if err != nil {
				c.logger.Warn("fetching entity state", "entity_id", id, "error", err)
				return nil
			}
			results[i] = st
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	states := make([]*State, 0, len(results))
	for _, st := range results {
		if st != nil {
			states = append(states, st)
		}
	}
	return states, nil
}

// GetAllStates fetches every entity the token can see.
func (c *Client) GetAllStates(ctx context.Context) ([]*State, error) {
	var states []*State
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states, "get states"); err != nil {
		return nil, err
	}
	return states, nil
}

// CallService invokes domain.service with data as the service payload.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding service data: %w", err)
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.do(ctx, http.MethodPost, path, body, nil, "call service")
}

// Ping checks that the API answers and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/", nil, nil, "ping")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, op string) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// DomainOf returns the domain part of an entity id ("light" for
// "light.kitchen").
func DomainOf(entityID string) (string, error) {
	domain, rest, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	return domain, nil
}

// Connector builds API clients for a given instance.
type Connector func(baseURL, token string) API

// NewConnector returns a Connector producing Clients with opts.
func NewConnector(opts Options) Connector {
	return func(baseURL, token string) API {
		return NewClient(baseURL, token, opts)
	}
}
