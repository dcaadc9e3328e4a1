package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sessions/internal/keys"
	"sessions/internal/models"
)

// Result is one slot of a Requests fan-out: either a response or the error
// that stopped its pipeline. Sibling requests are never aborted by one
// slot's failure.
type Result struct {
	Response *Response
	Err      error
}

// CallOptions override the session's cache and rate limit toggles for a
// single dispatch. A nil field keeps the session default.
type CallOptions struct {
	Cache     *bool
	Ratelimit *bool
}

// Do dispatches a single request through the full pipeline: cache lookup,
// admission, transport, cache store, callbacks.
func (s *Session) Do(ctx context.Context, req *Request, callbacks ...Callback) (*Response, error) {
	return s.dispatch(ctx, req, CallOptions{}, callbacks, nil)
}

// DoWithOptions is Do with per-call cache/ratelimit overrides.
func (s *Session) DoWithOptions(ctx context.Context, req *Request, opts CallOptions, callbacks ...Callback) (*Response, error) {
	return s.dispatch(ctx, req, opts, callbacks, nil)
}

// Requests fans out many requests and returns one Result per input, in
// input order, regardless of completion order. The execution strategy is
// the session's configured mode: a fixed-size worker pool, or one goroutine
// per request under an errgroup.
func (s *Session) Requests(ctx context.Context, reqs []*Request, callbacks ...Callback) []Result {
	total := len(reqs)
	results := make([]Result, total)
	if total == 0 {
		return results
	}

	reporter := s.newReporter(total)
	defer reporter.Close()

	var completed atomic.Int64
	tick := func() {
		reporter.Tick(int(completed.Add(1)), total)
	}

	switch s.cfg.Mode {
	case models.ModeConcurrent:
		s.runConcurrent(ctx, reqs, results, callbacks, tick)
	default:
		s.runPool(ctx, reqs, results, callbacks, tick)
	}
	return results
}

// runPool executes the pipeline on a fixed-size worker pool.
func (s *Session) runPool(ctx context.Context, reqs []*Request, results []Result, callbacks []Callback, tick func()) {
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				resp, err := s.dispatch(ctx, reqs[i], CallOptions{}, callbacks, tick)
				results[i] = Result{Response: resp, Err: err}
			}
		}()
	}

	for i := range reqs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// runConcurrent schedules every request at once; admission waits and
// transport calls suspend cooperatively on their contexts.
func (s *Session) runConcurrent(ctx context.Context, reqs []*Request, results []Result, callbacks []Callback, tick func()) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range reqs {
		g.Go(func() error {
			resp, err := s.dispatch(gctx, reqs[i], CallOptions{}, callbacks, tick)
			results[i] = Result{Response: resp, Err: err}
			// Errors stay in the result slot so siblings keep running.
			return nil
		})
	}
	g.Wait()
}

// dispatch runs the per-request pipeline in its fixed phase order.
func (s *Session) dispatch(ctx context.Context, req *Request, opts CallOptions, callbacks []Callback, tick func()) (*Response, error) {
	if tick == nil {
		tick = func() {}
	}

	useCache := s.cfg.Cache
	if opts.Cache != nil {
		useCache = *opts.Cache
	}
	useLimiter := s.cfg.Ratelimit && s.limiter != nil
	if opts.Ratelimit != nil {
		useLimiter = *opts.Ratelimit && s.limiter != nil
	}

	k, err := keys.Derive(s.cfg.Key, req.Method, req.URL, req.Body, s.cfg.PerHost, s.cfg.PerEndpoint)
	if err != nil {
		return nil, NewTransportError("invalid request URL", err)
	}

	// The per-request context bounds admission waits and the transport
	// call, and is cancelled on session teardown.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.cfg.RequestTimeout.Duration()
	}
	var cancel context.CancelFunc
	rctx := ctx
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		rctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	if useCache {
		if resp, ok := s.cache.Lookup(rctx, k.Cache); ok {
			resp.Request = req
			s.runCallbacks(resp, callbacks)
			tick()
			return resp, nil
		}
	}

	if useLimiter {
		if err := s.waitAdmission(rctx, k.Scopes); err != nil {
			return nil, err
		}
	}

	resp, err := s.transport.Send(rctx, req)
	if err != nil {
		// Network failures are never cached.
		return nil, err
	}

	if useCache && resp.OK() {
		if err := s.cache.Store(rctx, k.Cache, resp, float64(s.cfg.CacheTimeout)); err != nil {
			s.logger.Warn("failed to store response in cache", "key", k.Cache, "error", err)
		}
	}

	s.runCallbacks(resp, callbacks)
	tick()
	return resp, nil
}

// waitAdmission polls the limiter until admitted, sleeping the smaller of
// the reported wait and the polling granularity between attempts. Under
// RaiseErrors a denial surfaces immediately as a rate-limited error.
func (s *Session) waitAdmission(ctx context.Context, scopes []string) error {
	sleepDuration := float64(s.cfg.SleepDuration)
	for {
		d, err := s.limiter.TryAcquire(ctx, scopes)
		if err != nil {
			return NewBackendError("rate limit admission failed", err)
		}
		if d.Admitted {
			return nil
		}
		if s.cfg.RaiseErrors {
			return NewRateLimitedError("rate limit exceeded")
		}

		wait := d.RetryAfter
		sleep := sleepDuration
		if wait < sleepDuration*2 {
			sleep = wait
		}
		if sleep <= 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("admission wait cancelled: %w", err)
			}
			continue
		}

		timer := time.NewTimer(time.Duration(sleep * float64(time.Second)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("admission wait cancelled: %w", ctx.Err())
		}
	}
}

// runCallbacks invokes the callback pipeline sequentially. A panicking
// callback contributes a CallbackError value and dispatch continues.
func (s *Session) runCallbacks(resp *Response, callbacks []Callback) {
	if len(callbacks) == 0 {
		return
	}
	results := make([]any, 0, len(callbacks))
	for _, cb := range callbacks {
		results = append(results, s.invokeCallback(cb, resp))
	}
	if s.cfg.ReturnCallbacks {
		resp.Callbacks = results
	}
}

func (s *Session) invokeCallback(cb Callback, resp *Response) (out any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("callback panicked", "panic", r)
			out = CallbackError{Recovered: r}
		}
	}()
	return cb(resp)
}

// Fingerprint computes the canonical identifier a request is cached and
// endpoint-limited under.
func Fingerprint(req *Request) (string, error) {
	return keys.Fingerprint(req.Method, req.URL, req.Body)
}
