// Package sessions is an HTTP client library that wraps a pluggable
// transport with two composable cross-cutting concerns: rate limiting and
// response caching. Both are backed by interchangeable persistence backends
// (in-memory, an embedded Redis-protocol store, SQLite/PostgreSQL) with
// identical observable semantics, and a dispatch loop fans many requests out
// through the cache, the limiter, the transport, a callback pipeline and a
// progress reporter.
package sessions

import (
	"context"
	"log/slog"
	"sync"

	"sessions/internal/backend"
	"sessions/internal/cache"
	"sessions/internal/clock"
	"sessions/internal/config"
	"sessions/internal/models"
	"sessions/internal/observability"
	"sessions/internal/progress"
	"sessions/internal/ratelimit"
)

// Re-exported model types; the internal packages share them.
type (
	Request  = models.Request
	Response = models.Response
	Config   = models.Config
	Seconds  = models.Seconds
)

// Callback is a user function invoked with each response. Return values are
// collected onto Response.Callbacks when the session's ReturnCallbacks
// option is set.
type Callback func(*Response) any

// Reporter consumes progress ticks during Requests fan-out.
type Reporter = progress.Reporter

// DefaultConfig returns the out-of-the-box configuration record.
func DefaultConfig() *Config {
	return models.NewDefaultConfig()
}

// LoadConfig builds a configuration from a YAML file and SESSIONS_*
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Session assembles one backend, one cache engine, one rate-limit engine, a
// transport and a progress reporter behind the dispatch loop. Sessions are
// safe for concurrent use; Close releases the backend's storage resources.
type Session struct {
	cfg       *models.Config
	logger    *slog.Logger
	clk       clock.Clock
	backend   backend.Backend
	cache     *cache.Cache
	limiter   *ratelimit.Engine
	transport Transport

	newReporter func(total int) progress.Reporter

	closeCtx  context.Context
	closeFn   context.CancelFunc
	closeOnce sync.Once
}

// Option customizes a session at construction.
type Option func(*Session)

// WithTransport replaces the default retrying HTTP transport.
func WithTransport(t Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithLogger sets the structured logger used by the session and its engines.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock injects a time source; tests use this for deterministic
// admission decisions.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// WithReporter sets the factory building a progress reporter per fan-out.
func WithReporter(factory func(total int) Reporter) Option {
	return func(s *Session) { s.newReporter = factory }
}

// New constructs a session from an explicit configuration record. A nil cfg
// uses the defaults. Configuration problems are fatal here, never
// mid-dispatch.
func New(cfg *Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = models.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigError("invalid session configuration", err)
	}

	s := &Session{
		cfg:    cfg,
		logger: slog.Default(),
		clk:    clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}

	be, err := backend.New(backend.Config{
		Type:           cfg.Backend,
		CheckFrequency: float64(cfg.CheckFrequency),
		KV: backend.KVConfig{
			Host:            cfg.KV.Host,
			Port:            cfg.KV.Port,
			Username:        cfg.KV.Username,
			Password:        cfg.KV.Password,
			DBFilename:      cfg.KV.DBFilename,
			MaxMemory:       cfg.KV.MaxMemory,
			MaxMemoryPolicy: cfg.KV.MaxMemoryPolicy,
			Protocol:        cfg.KV.Protocol,
		},
		SQL: backend.SQLConfig{
			DB:   cfg.SQL.DB,
			Conn: cfg.SQL.Conn,
		},
	}, s.clk)
	if err != nil {
		return nil, NewBackendError("failed to open backend", err)
	}
	s.backend = be

	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedBackend(be)
		if err != nil {
			be.Close()
			return nil, NewBackendError("failed to instrument backend", err)
		}
		s.backend = instrumented
	}

	s.cache = cache.New(s.backend, cfg.Key, float64(cfg.CacheTimeout), s.logger)

	if cfg.Ratelimit {
		strategy, err := ratelimit.New(cfg, s.backend)
		if err != nil {
			be.Close()
			return nil, NewConfigError("invalid rate limit configuration", err)
		}
		s.limiter = ratelimit.NewEngine(strategy, s.clk)
	}

	if s.transport == nil {
		s.transport = NewHTTPTransport(cfg.RequestTimeout.Duration())
	}
	if s.newReporter == nil {
		if cfg.Progress {
			s.newReporter = func(total int) progress.Reporter { return progress.NewBar(total) }
		} else {
			s.newReporter = func(total int) progress.Reporter { return progress.Noop{} }
		}
	}

	s.closeCtx, s.closeFn = context.WithCancel(context.Background())
	return s, nil
}

// Get dispatches a GET request through the full pipeline.
func (s *Session) Get(ctx context.Context, url string, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "GET", URL: url}, callbacks...)
}

// Head dispatches a HEAD request.
func (s *Session) Head(ctx context.Context, url string, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "HEAD", URL: url}, callbacks...)
}

// Options dispatches an OPTIONS request.
func (s *Session) Options(ctx context.Context, url string, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "OPTIONS", URL: url}, callbacks...)
}

// Delete dispatches a DELETE request.
func (s *Session) Delete(ctx context.Context, url string, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "DELETE", URL: url}, callbacks...)
}

// Post dispatches a POST request with the given body.
func (s *Session) Post(ctx context.Context, url string, body []byte, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "POST", URL: url, Body: body}, callbacks...)
}

// Put dispatches a PUT request with the given body.
func (s *Session) Put(ctx context.Context, url string, body []byte, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "PUT", URL: url, Body: body}, callbacks...)
}

// Patch dispatches a PATCH request with the given body.
func (s *Session) Patch(ctx context.Context, url string, body []byte, callbacks ...Callback) (*Response, error) {
	return s.Do(ctx, &Request{Method: "PATCH", URL: url, Body: body}, callbacks...)
}

// ClearCache drops every cached response in this session's namespace.
func (s *Session) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return NewBackendError("failed to clear cache", err)
	}
	return nil
}

// ClearRatelimit drops all limiter state in this session's namespace.
func (s *Session) ClearRatelimit(ctx context.Context) error {
	if err := s.backend.Clear(ctx, s.cfg.Key+":ratelimit:"); err != nil {
		return NewBackendError("failed to clear rate limit state", err)
	}
	return nil
}

// Cached reads a cached response by fingerprint without dispatching.
func (s *Session) Cached(ctx context.Context, fingerprint string) (*Response, bool) {
	return s.cache.Get(ctx, fingerprint)
}

// Close cancels in-flight requests at their next suspension point and
// releases the backend's resources. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closeFn()
		err = s.backend.Close()
	})
	return err
}
