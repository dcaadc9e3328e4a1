package sessions

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"sessions/internal/models"
)

// Transport is the pluggable HTTP collaborator the dispatch loop calls once
// a request has cleared the cache and the limiter. Implementations must
// honor ctx cancellation and surface network failures as errors.
type Transport interface {
	Send(ctx context.Context, req *models.Request) (*models.Response, error)
}

// HTTPTransport is the default transport, built on retryablehttp so
// transient network failures are retried with backoff before surfacing.
type HTTPTransport struct {
	client *retryablehttp.Client
}

// NewHTTPTransport creates the default transport with the given per-attempt
// timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	// Retry only on network failures. Status-based throttling (429/5xx) is
	// the session limiter's job; responses must reach the dispatch loop.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	return &HTTPTransport{client: client}
}

// Send executes the request and materializes the full response body.
func (t *HTTPTransport) Send(ctx context.Context, req *models.Request) (*models.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, NewTransportError("failed to build request", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}

	hresp, err := t.client.Do(hreq)
	if err != nil {
		return nil, NewTransportError("request failed", err)
	}
	defer hresp.Body.Close()

	respBody, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, NewTransportError("failed to read response body", err)
	}

	return &models.Response{
		Status:  hresp.StatusCode,
		Headers: hresp.Header.Clone(),
		Body:    respBody,
		Request: req,
	}, nil
}

// roundTripperTransport adapts a plain http.RoundTripper for callers who
// already manage their own client.
type roundTripperTransport struct {
	rt http.RoundTripper
}

// NewRoundTripperTransport wraps an http.RoundTripper as a Transport.
func NewRoundTripperTransport(rt http.RoundTripper) Transport {
	return &roundTripperTransport{rt: rt}
}

func (t *roundTripperTransport) Send(ctx context.Context, req *models.Request) (*models.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, NewTransportError("failed to build request", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}
	hresp, err := t.rt.RoundTrip(hreq)
	if err != nil {
		return nil, NewTransportError("request failed", err)
	}
	defer hresp.Body.Close()
	respBody, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, NewTransportError("failed to read response body", err)
	}
	return &models.Response{
		Status:  hresp.StatusCode,
		Headers: hresp.Header.Clone(),
		Body:    respBody,
		Request: req,
	}, nil
}
