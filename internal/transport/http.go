// Package transport adapts net/http into the pipeline's abstract Transport,
// classifying connection errors and server-error responses into the shared
// fault taxonomy.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dskow/resilience-core/internal/faults"
	"github.com/dskow/resilience-core/internal/pipeline"
)

// Options tunes the HTTP client behind one destination.
type Options struct {
	// Connection pool settings; zero values keep net/http defaults.
	MaxIdleConns   int
	MaxIdlePerHost int
	IdleTimeout    time.Duration

	// MaxBodyBytes caps how much of a response body is read. Zero means
	// 1 MiB.
	MaxBodyBytes int64

	// RetryableStatuses lists the server-error statuses worth another
	// attempt. Empty means every 5xx is retryable.
	RetryableStatuses []int
}

// HTTP sends pipeline requests to a single base URL. Statuses below 500
// are returned to the caller as responses; 500 and above become
// upstream-error faults, retryable per the configured status classes.
type HTTP struct {
	destination  string
	base         *url.URL
	client       *http.Client
	maxBodyBytes int64
	retryable    map[int]bool
}

// NewHTTP creates a transport for the given destination base URL.
func NewHTTP(destination, baseURL string, opts Options) (*HTTP, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport %q: invalid base URL %q: %w", destination, baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport %q: base URL scheme must be http or https, got %q", destination, base.Scheme)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.MaxIdleConns > 0 {
		tr.MaxIdleConns = opts.MaxIdleConns
	}
	if opts.MaxIdlePerHost > 0 {
		tr.MaxIdleConnsPerHost = opts.MaxIdlePerHost
	}
	if opts.IdleTimeout > 0 {
		tr.IdleConnTimeout = opts.IdleTimeout
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	var retryable map[int]bool
	if len(opts.RetryableStatuses) > 0 {
		retryable = make(map[int]bool, len(opts.RetryableStatuses))
		for _, s := range opts.RetryableStatuses {
			retryable[s] = true
		}
	}

	return &HTTP{
		destination:  destination,
		base:         base,
		client:       &http.Client{Transport: tr},
		maxBodyBytes: maxBody,
		retryable:    retryable,
	}, nil
}

// Send performs one attempt. The per-attempt deadline arrives through ctx;
// the http.Client itself carries no timeout.
func (t *HTTP) Send(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, fmt.Errorf("transport %q: invalid request path %q: %w", t.destination, req.Path, err)
	}
	target := t.base.ResolveReference(ref)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport %q: building request: %w", t.destination, err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// Deadline errors pass through wrapped so the retry loop can
		// tell an attempt timeout from a connection failure.
		return nil, faults.Transport(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	if err != nil {
		return nil, faults.Transport(err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, faults.Upstream(resp.StatusCode, t.statusRetryable(resp.StatusCode))
	}

	return &pipeline.Response{Status: resp.StatusCode, Body: payload}, nil
}

func (t *HTTP) statusRetryable(status int) bool {
	if t.retryable == nil {
		return true
	}
	return t.retryable[status]
}
