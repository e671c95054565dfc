// Package httpclient implements the outbound HTTP client used for all
// Instagram traffic. Every logical request may be hedged: when the upstream
// is slow, staggered duplicate attempts race each other and the first
// response wins. Concurrency across logical requests is bounded by a
// semaphore, and the hedging fan-out adapts to how loaded that semaphore is.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/metrics"
)

// Request describes one logical outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Endpoint is a low-cardinality label for metrics ("profile", "graphql", ...).
	Endpoint string

	// Parallelism overrides the load-derived hedging fan-out when > 0.
	Parallelism int
}

// Response is the winning attempt's response with the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is a hedging, retrying HTTP client with a bounded concurrency pool.
type Client struct {
	cfg     config.IngestConfig
	log     zerolog.Logger
	metrics *metrics.Metrics

	sem   chan struct{}
	stats *statsTracker

	mu   sync.RWMutex
	http *http.Client

	// refreshMu serializes transport rebuilds so a burst of failures
	// produces one refresh, not one per caller.
	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// New creates a client from ingest configuration. The metrics argument
// may be nil (tests).
func New(cfg config.IngestConfig, log zerolog.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "httpclient").Logger(),
		metrics: m,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		stats:   newStatsTracker(cfg.MetricsWindow.Duration),
	}
	c.http = c.newHTTPClient()
	return c
}

func (c *Client) newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   c.cfg.ConnectTimeout.Duration,
			KeepAlive: c.cfg.KeepAlive.Duration,
		}).DialContext,
	}
	// No overall client timeout: each attempt carries its own context
	// deadline, and response bodies are read before the attempt returns.
	return &http.Client{Transport: transport}
}

// Stats returns the current window's counters.
func (c *Client) Stats() Stats {
	return c.stats.Snapshot()
}

// Do executes a logical request: semaphore admission, retry with backoff,
// and a staggered hedge race per attempt. The returned Response has a
// status in the 2xx range; any other outcome is an error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.stats.update(func(s *Stats) { s.Cancelled++ })
		return nil, apierrors.Wrap(apierrors.ErrCodeCancelled, "cancelled waiting for a request slot", ctx.Err())
	}
	defer func() { <-c.sem }()

	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = c.deriveParallelism()
	}

	start := time.Now()
	resp, err := c.doWithRetry(ctx, req, parallelism)

	c.stats.update(func(s *Stats) {
		s.Total++
		if err == nil {
			s.Successful++
		} else {
			s.Failed++
		}
	})
	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(apierrors.CodeOf(err))
		}
		c.metrics.ObserveOutboundRequest(req.Endpoint, outcome, time.Since(start))
	}

	if err != nil {
		c.maybeRefresh(err)
		return nil, err
	}
	return resp, nil
}

// deriveParallelism picks the hedging fan-out from current semaphore load:
// the busier the pool, the fewer duplicate attempts each request may spend.
func (c *Client) deriveParallelism() int {
	load := float64(len(c.sem)) / float64(cap(c.sem))

	p := 1
	switch {
	case load < 0.3:
		p = 3
	case load < 0.6:
		p = 2
	}
	if p > c.cfg.MaxParallelRequests {
		p = c.cfg.MaxParallelRequests
	}
	if p < 1 {
		p = 1
	}
	return p
}

func (c *Client) doWithRetry(ctx context.Context, req *Request, parallelism int) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			c.log.Debug().
				Str("endpoint", req.Endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("cause", lastErr.Error()).
				Msg("retrying request")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apierrors.Wrap(apierrors.ErrCodeCancelled, "cancelled during retry backoff", ctx.Err())
			}
		}

		resp, err := c.doHedged(ctx, req, parallelism)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !apierrors.CodeOf(err).IsRetryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff computes the delay before the given retry attempt (1-based).
// Rate-limited responses back off twice as long with full extra jitter.
func (c *Client) backoff(attempt int, cause error) time.Duration {
	delay := c.cfg.Retry.InitialInterval.Duration
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.cfg.Retry.Multiplier)
		if delay >= c.cfg.Retry.MaxInterval.Duration {
			delay = c.cfg.Retry.MaxInterval.Duration
			break
		}
	}

	if apierrors.CodeOf(cause) == apierrors.ErrCodeRateLimited {
		delay *= 2
		return delay + time.Duration(rand.Int63n(int64(delay)+1))
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

type attemptResult struct {
	idx  int
	resp *Response
	err  error
}

// doHedged races up to parallelism staggered attempts of the same request.
// The first 2xx response wins and the losing siblings are cancelled; every
// in-flight sibling is awaited before returning. When all attempts fail,
// the most informative error wins (response > connection > timeout).
func (c *Client) doHedged(ctx context.Context, req *Request, parallelism int) (*Response, error) {
	hedgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stagger := c.cfg.RequestTimeout.Duration / time.Duration(parallelism+1)

	results := make(chan attemptResult, parallelism)
	var wg sync.WaitGroup

	launch := func(idx int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.attempt(hedgeCtx, req)
			select {
			case results <- attemptResult{idx: idx, resp: resp, err: err}:
			case <-hedgeCtx.Done():
			}
		}()
	}

	launch(0)
	launched := 1

	var (
		bestErr  error
		finished int
		timer    = time.NewTimer(stagger)
	)
	defer timer.Stop()

	for {
		select {
		case res := <-results:
			finished++
			if res.err == nil {
				cancel()
				wg.Wait()
				c.stats.update(func(s *Stats) {
					s.ParallelSent += int64(launched)
					if res.idx > 0 {
						s.FastestWins++
					}
				})
				if c.metrics != nil {
					c.metrics.ObserveHedge(launched, res.idx > 0, false)
				}
				return res.resp, nil
			}
			if errPriority(res.err) > errPriority(bestErr) {
				bestErr = res.err
			}
			// A non-retryable upstream answer (404, 401, ...) is definitive;
			// a duplicate attempt would get the same answer.
			if !apierrors.CodeOf(res.err).IsRetryable() && errPriority(res.err) == priorityResponse {
				cancel()
				wg.Wait()
				c.recordHedgeFailure(launched, res.err)
				return nil, res.err
			}
			if finished == launched && launched == parallelism {
				wg.Wait()
				c.recordHedgeFailure(launched, bestErr)
				return nil, bestErr
			}
			// A sibling failed fast while slots remain: hedge immediately
			// instead of waiting out the stagger.
			if launched < parallelism {
				launch(launched)
				launched++
			}

		case <-timer.C:
			if launched < parallelism {
				launch(launched)
				launched++
				timer.Reset(stagger)
			}

		case <-ctx.Done():
			cancel()
			wg.Wait()
			c.stats.update(func(s *Stats) {
				s.ParallelSent += int64(launched)
				s.Cancelled++
			})
			if c.metrics != nil {
				c.metrics.ObserveHedge(launched, false, true)
			}
			if bestErr != nil && errPriority(bestErr) > priorityTimeout {
				return nil, bestErr
			}
			return nil, c.classifyTransportError(ctx.Err())
		}
	}
}

func (c *Client) recordHedgeFailure(launched int, err error) {
	c.stats.update(func(s *Stats) { s.ParallelSent += int64(launched) })
	if c.metrics != nil {
		c.metrics.ObserveHedge(launched, false, false)
	}
	c.log.Debug().Int("siblings", launched).Err(err).Msg("all hedged attempts failed")
}

// attempt performs a single HTTP round trip with its own deadline and
// reads the full body before returning.
func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout.Duration)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeClientError, "building request", err)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}

	c.mu.RLock()
	client := c.http
	c.mu.RUnlock()

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	// The socket read timeout bounds draining a response whose headers
	// already arrived within the request deadline.
	data, err := readAllWithDeadline(resp.Body, c.cfg.SockReadTimeout.Duration)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func readAllWithDeadline(r io.Reader, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return io.ReadAll(r)
	}

	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- readResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, apierrors.New(apierrors.ErrCodeTimeout, "timed out reading response body")
	}
}

// classifyStatus maps non-2xx responses to coded errors. The upstream
// status is preserved so callers can special-case 404 and friends.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &apierrors.APIError{
			Code:    apierrors.ErrCodeRateLimited,
			Message: "upstream rate limited",
			Status:  status,
		}
	case status >= 500:
		return &apierrors.APIError{
			Code:    apierrors.ErrCodeServerError,
			Message: fmt.Sprintf("upstream returned %d", status),
			Status:  status,
		}
	default:
		return &apierrors.APIError{
			Code:    apierrors.ErrCodeClientError,
			Message: fmt.Sprintf("upstream returned %d", status),
			Status:  status,
		}
	}
}

func (c *Client) classifyTransportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Wrap(apierrors.ErrCodeTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return apierrors.Wrap(apierrors.ErrCodeCancelled, "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierrors.Wrap(apierrors.ErrCodeTimeout, "network timeout", err)
	}
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return apierrors.Wrap(apierrors.ErrCodeConnection, "connection failed", err)
}

// Error preference when all hedged siblings fail: a real upstream response
// tells the caller more than a connection error, which tells more than a
// timeout or cancellation.
const (
	priorityTimeout    = 1
	priorityConnection = 2
	priorityResponse   = 3
)

func errPriority(err error) int {
	if err == nil {
		return 0
	}
	switch apierrors.CodeOf(err) {
	case apierrors.ErrCodeRateLimited, apierrors.ErrCodeServerError, apierrors.ErrCodeClientError:
		return priorityResponse
	case apierrors.ErrCodeConnection:
		return priorityConnection
	default:
		return priorityTimeout
	}
}

// maybeRefresh rebuilds the transport when the window success rate drops
// below the configured threshold or a connection-level error occurred.
// Rebuilds are serialized and at most one per metrics window.
func (c *Client) maybeRefresh(cause error) {
	code := apierrors.CodeOf(cause)
	connectionError := code == apierrors.ErrCodeConnection

	snap := c.stats.Snapshot()
	degraded := snap.Total >= 5 && snap.SuccessRate() < c.cfg.RefreshSuccessRate

	if !connectionError && !degraded {
		return
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	minGap := c.cfg.MetricsWindow.Duration
	if minGap <= 0 {
		minGap = time.Minute
	}
	if time.Since(c.lastRefresh) < minGap {
		return
	}
	c.lastRefresh = time.Now()

	old := c.http
	fresh := c.newHTTPClient()

	c.mu.Lock()
	c.http = fresh
	c.mu.Unlock()

	if transport, ok := old.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}

	c.stats.update(func(s *Stats) { s.SessionRefreshes++ })
	if c.metrics != nil {
		c.metrics.SessionRefreshes.Inc()
	}
	c.log.Info().
		Bool("connection_error", connectionError).
		Float64("success_rate", snap.SuccessRate()).
		Msg("transport pool refreshed")
}
