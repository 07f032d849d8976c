// Package fetch provides the default upstream HTTP client wired to a
// per-host rate limiter, retry, and circuit breaker: the concrete
// fragment.Fetcher that cmd/fragserve wires by default (spec.md §5's
// "implementation-defined upstream connection limit"). fragment and compose
// depend only on the fragment.Fetcher interface, never on this package.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fragserve/fragserve/fetch/circuitbreaker"
	"github.com/fragserve/fragserve/fetch/retry"
	"github.com/fragserve/fragserve/fragment"
	"github.com/fragserve/fragserve/internal/pool"
)

// Config tunes the default fetch client.
type Config struct {
	// RequestsPerSecond and Burst bound the per-host request rate (§5's
	// "implementation-defined upstream connection limit").
	RequestsPerSecond float64
	Burst             int
	// MaxUpstreamConns bounds the number of upstream fetches in flight across
	// every host and request combined (spec.md §5's process-wide half of the
	// "implementation-defined upstream connection limit"; RequestsPerSecond/
	// Burst bound it per-host instead).
	MaxUpstreamConns int
	// DialTimeout bounds the underlying transport's connection attempt;
	// the fragment's own per-fragment timeout governs the whole call.
	DialTimeout time.Duration
	Retry       *retry.Policy
	Breaker     *circuitbreaker.Config
}

// DefaultConfig returns a Config sized for a page composed of a handful of
// fragments fetched from a handful of upstream hosts.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		MaxUpstreamConns:  64,
		DialTimeout:       2 * time.Second,
		Retry:             retry.DefaultPolicy(),
		Breaker:           circuitbreaker.DefaultConfig(),
	}
}

// Client is the default fragment.Fetcher: one shared *http.Client plus a
// per-host rate limiter and circuit breaker, so one misbehaving upstream
// host cannot starve or trip the breaker for another, and a process-wide
// goroutine pool bounding total in-flight upstream fetches.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
	workers    *pool.GoroutinePool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]circuitbreaker.CircuitBreaker
}

// New constructs a Client. httpClient may be nil, in which case a client
// with DialTimeout-bounded dialing is constructed.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.MaxUpstreamConns <= 0 {
		cfg.MaxUpstreamConns = 64
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
			},
		}
	}
	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.MaxWorkers = cfg.MaxUpstreamConns
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "fetch")),
		workers:    pool.NewGoroutinePool(poolCfg),
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]circuitbreaker.CircuitBreaker),
	}
}

// Close stops accepting new upstream fetches and lets in-flight ones drain.
func (c *Client) Close() {
	c.workers.Close()
}

// Do implements fragment.Fetcher: it bounds total in-flight upstream calls
// through a shared worker pool, rate-limits and circuit-breaks by upstream
// host, retries transport-level failures per cfg.Retry, and returns the
// upstream response untouched — including non-2xx statuses, which
// fragment.Fragment itself interprets, not this client.
func (c *Client) Do(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
	var resp *fragment.Response
	err := c.workers.SubmitWait(ctx, func(ctx context.Context) error {
		r, err := c.doBounded(ctx, req)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doBounded(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
	host := hostOf(req.URL)

	limiter := c.limiterFor(host)
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch: rate limit wait: %w", err)
	}

	breaker := c.breakerFor(host)
	retryer := retry.New(c.cfg.Retry, c.logger)

	result, err := breaker.CallWithResult(ctx, func() (any, error) {
		return retryer.DoWithResult(ctx, func() (any, error) {
			return c.doOnce(ctx, req)
		})
	})
	if err != nil {
		return nil, err
	}
	resp, _ := result.(*fragment.Response)
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", req.URL, err)
	}
	return &fragment.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
	c.limiters[host] = l
	return l
}

func (c *Client) breakerFor(host string) circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	b := circuitbreaker.New(c.cfg.Breaker, c.logger.With(zap.String("host", host)))
	c.breakers[host] = b
	return b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
