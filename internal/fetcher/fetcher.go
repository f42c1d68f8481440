// Package fetcher retrieves pages under the per-host rate limit, the
// robots.txt policy and a bounded retry loop.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/metrics"
	"github.com/JakeFAU/company-research/internal/policy/backoff"
	"github.com/JakeFAU/company-research/internal/research"
)

const (
	defaultMaxBodyBytes = 5 << 20
	errorSnippetBytes   = 4 << 10
	maxRetryAfter       = 30 * time.Second
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// Limiter spaces requests per host.
type Limiter interface {
	Wait(ctx context.Context, host string) error
	SetMinDelay(host string, d time.Duration)
}

// RobotsGate answers robots.txt questions for a URL.
type RobotsGate interface {
	Allowed(ctx context.Context, target *url.URL, userAgent string) bool
	CrawlDelay(ctx context.Context, target *url.URL, userAgent string) time.Duration
}

// Config controls fetch behavior.
type Config struct {
	// Timeout bounds a single attempt.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     backoff.Policy
	UserAgents  []string
	// RobotsAgent is the token matched against robots.txt groups.
	RobotsAgent  string
	MaxBodyBytes int64
}

// DefaultConfig returns a 10s timeout and three attempts with 1s/2s backoff.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxAttempts:  3,
		Backoff:      backoff.Default(),
		UserAgents:   DefaultUserAgents,
		RobotsAgent:  "CompanyResearchBot",
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

// Fetcher implements research.Fetcher.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter Limiter
	gate    RobotsGate
	logger  *zap.Logger
	next    atomic.Uint64
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ research.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. limiter and gate may be nil to disable either policy.
func New(cfg Config, client *http.Client, limiter Limiter, gate RobotsGate, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.RobotsAgent == "" {
		cfg.RobotsAgent = "*"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		gate:    gate,
		logger:  logger,
		sleep:   sleepContext,
	}
}

type attemptResult struct {
	status   int
	header   http.Header
	body     []byte
	finalURL string
}

// Fetch retrieves rawURL. Network errors, 5xx and 429 are retried up to
// MaxAttempts; other 4xx responses and robots refusals fail at once.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts research.FetchOptions) (*research.FetchResponse, error) {
	target, err := buildURL(rawURL, opts.Query)
	if err != nil {
		return nil, &research.Error{Code: research.CodeClientError, Op: "fetch", URL: rawURL, Err: err}
	}
	host := strings.ToLower(target.Host)
	logger := f.logger.With(zap.String("url", target.String()), zap.String("host", host))

	// The first wait also spaces the robots.txt lookup for an uncached host.
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, host); err != nil {
			return nil, f.interrupted(target, 0, err)
		}
	}
	if f.gate != nil {
		if !f.gate.Allowed(ctx, target, f.cfg.RobotsAgent) {
			logger.Info("robots.txt disallows fetch")
			return nil, &research.Error{
				Code: research.CodeRobotsDisallowed,
				Op:   "fetch",
				URL:  target.String(),
				Err:  eris.New("disallowed by robots.txt"),
			}
		}
		if delay := f.gate.CrawlDelay(ctx, target, f.cfg.RobotsAgent); delay > 0 && f.limiter != nil {
			f.limiter.SetMinDelay(host, delay)
		}
	}

	start := time.Now()
	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && f.limiter != nil {
			if err := f.limiter.Wait(ctx, host); err != nil {
				return nil, f.interrupted(target, lastStatus, err)
			}
		}

		res, err := f.do(ctx, target, opts.Headers)
		var retryAfter time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, f.interrupted(target, lastStatus, err)
			}
			lastErr = eris.Wrapf(err, "attempt %d", attempt)
			lastStatus = 0
		case res.status >= 200 && res.status < 300:
			return &research.FetchResponse{
				URL:        target.String(),
				FinalURL:   res.finalURL,
				StatusCode: res.status,
				Header:     res.header,
				Body:       res.body,
				Attempts:   attempt,
				Duration:   time.Since(start),
				FetchedAt:  time.Now().UTC(),
			}, nil
		case res.status >= 500 || res.status == http.StatusTooManyRequests:
			lastErr = eris.Errorf("attempt %d: upstream status %d", attempt, res.status)
			lastStatus = res.status
			if res.status == http.StatusTooManyRequests {
				retryAfter = parseRetryAfter(res.header.Get("Retry-After"), time.Now())
			}
		default:
			return nil, &research.Error{
				Code:   research.CodeClientError,
				Op:     "fetch",
				URL:    target.String(),
				Status: res.status,
				Body:   res.body,
				Err:    eris.Errorf("upstream status %d", res.status),
			}
		}

		if attempt == f.cfg.MaxAttempts {
			break
		}
		delay := f.retryDelay(attempt, retryAfter)
		logger.Warn("fetch attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Int("status", lastStatus),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, f.interrupted(target, lastStatus, err)
		}
	}

	return nil, &research.Error{
		Code:   research.CodeFetchFailed,
		Op:     "fetch",
		URL:    target.String(),
		Status: lastStatus,
		Err:    eris.Wrapf(lastErr, "giving up after %d attempts", f.cfg.MaxAttempts),
	}
}

func (f *Fetcher) do(ctx context.Context, target *url.URL, headers map[string]string) (*attemptResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveFetchAttempt(target.Host, 0, 0, time.Since(started))
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	limit := f.cfg.MaxBodyBytes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limit = errorSnippetBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	metrics.ObserveFetchAttempt(target.Host, resp.StatusCode, len(body), time.Since(started))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &attemptResult{
		status:   resp.StatusCode,
		header:   resp.Header.Clone(),
		body:     body,
		finalURL: finalURL,
	}, nil
}

func (f *Fetcher) userAgent() string {
	n := f.next.Add(1) - 1
	return f.cfg.UserAgents[n%uint64(len(f.cfg.UserAgents))]
}

func (f *Fetcher) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	delay := f.cfg.Backoff.Delay(attempt)
	if retryAfter > delay {
		ceiling := f.cfg.Backoff.Max
		if ceiling <= 0 {
			ceiling = maxRetryAfter
		}
		delay = min(retryAfter, ceiling)
	}
	return delay
}

func (f *Fetcher) interrupted(target *url.URL, status int, err error) error {
	return &research.Error{
		Code:   research.CodeFetchFailed,
		Op:     "fetch",
		URL:    target.String(),
		Status: status,
		Err:    eris.Wrap(err, "fetch interrupted"),
	}
}

func buildURL(rawURL string, query map[string]string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, eris.Wrap(err, "parse url")
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, eris.Errorf("unsupported scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, eris.New("url has no host")
	}
	if len(query) > 0 {
		values := target.Query()
		for k, v := range query {
			values.Set(k, v)
		}
		target.RawQuery = values.Encode()
	}
	return target, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
