// Package client is the Go SDK for the flagwire feature-flag service.
//
// The client keeps a local, versioned copy of one environment's flag
// configuration and evaluates flags against it in-process, so the hot path
// never performs network I/O. Configuration changes arrive over the server's
// SSE stream; when the stream cannot be held open the client falls back to
// periodic polling and keeps serving its last-known-good snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flagwire/flagwire/evaluation"
)

const (
	defaultPollInterval         = 30 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
)

// ErrFlagNotFound is returned by EvaluateDetail when the local snapshot has
// no configuration for the requested flag key.
var ErrFlagNotFound = errors.New("flag not found")

// Config holds the settings for a Client.
type Config struct {
	// BaseURL is the base URL of the flagwire server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// EnvironmentID scopes the client to one environment. It must match the
	// environment the API key was issued for.
	EnvironmentID string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
	// PollInterval bounds staleness while the SSE stream is down.
	// Defaults to 30s.
	PollInterval time.Duration
	// MaxReconnectInterval caps the exponential reconnect backoff.
	// Defaults to 30s.
	MaxReconnectInterval time.Duration
	// Logger is optional; defaults to slog.Default().
	Logger *slog.Logger
}

// Client evaluates feature flags locally against a synchronized snapshot.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
	store      *localStore

	lastEventID atomic.Int64

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New validates cfg and returns an unstarted Client. Call Start to fetch the
// initial snapshot and begin synchronization.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("client: APIKey is required")
	}
	if cfg.EnvironmentID == "" {
		return nil, errors.New("client: EnvironmentID is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
		store:      newLocalStore(),
	}, nil
}

// Start fetches the initial configuration snapshot and launches the
// background synchronization loop. It returns an error if the initial fetch
// fails; the caller decides whether to retry or run with engine defaults.
func (c *Client) Start(ctx context.Context) error {
	if c.stopped != nil {
		return errors.New("client: already started")
	}

	if err := c.resync(ctx); err != nil {
		return fmt.Errorf("client: initial sync: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go func() {
		defer close(c.stopped)
		c.run(runCtx)
	}()
	return nil
}

// Close stops the background synchronization loop. The client keeps serving
// its last snapshot after Close; it only stops receiving updates.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.stopped
}

// Evaluate evaluates a flag for the given context and returns its value. An
// unknown flag or an evaluation error yields defaultValue; the SDK never
// blocks or fails the caller on the hot path.
func (c *Client) Evaluate(flagKey string, evalCtx evaluation.Context, defaultValue any) any {
	result, err := c.EvaluateDetail(flagKey, evalCtx)
	if err != nil || result.Value == nil {
		return defaultValue
	}
	return result.Value
}

// EvaluateDetail evaluates a flag and returns the full result, including the
// variation, flag version, and reason. It returns ErrFlagNotFound when the
// snapshot has no configuration for flagKey.
func (c *Client) EvaluateDetail(flagKey string, evalCtx evaluation.Context) (evaluation.Result, error) {
	snap := c.store.load()
	flag, ok := snap.flags[flagKey]
	if !ok {
		return evaluation.Result{Reason: evaluation.ReasonError}, ErrFlagNotFound
	}
	return evaluation.Evaluate(flag, snap.segments, evalCtx)
}

// EvaluateAll evaluates every flag in the snapshot against the given context
// in a single pass.
func (c *Client) EvaluateAll(evalCtx evaluation.Context) map[string]evaluation.Result {
	snap := c.store.load()
	return evaluation.EvaluateAll(snap.flags, snap.segments, evalCtx)
}

// FlagVersion returns the locally cached version for a flag, or 0 when the
// flag is absent from the snapshot.
func (c *Client) FlagVersion(flagKey string) int64 {
	snap := c.store.load()
	if _, ok := snap.flags[flagKey]; !ok {
		return 0
	}
	return snap.versions[flagKey]
}

// LastEventID returns the ID of the last stream event the client applied.
// It is sent as the Last-Event-ID header on reconnect so missed events are
// replayed.
func (c *Client) LastEventID() int64 {
	return c.lastEventID.Load()
}
