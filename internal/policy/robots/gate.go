// Package robots answers robots.txt allow/deny questions with a per-host
// cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/company-research/internal/metrics"
)

const maxRobotsBytes = 1 << 20

// Config controls the gate.
type Config struct {
	Enabled bool
	// TTL is how long a fetched rule set is reused.
	TTL time.Duration
	// Timeout bounds the single robots.txt request.
	Timeout time.Duration
	// UserAgent is sent when fetching robots.txt.
	UserAgent string
}

// DefaultConfig caches for 24h and fetches with a 5s timeout.
func DefaultConfig() Config {
	return Config{Enabled: true, TTL: 24 * time.Hour, Timeout: 5 * time.Second, UserAgent: "CompanyResearchBot"}
}

// Gate enforces robots.txt directives per host. A host whose robots.txt
// cannot be fetched is cached as allow-all for the TTL window.
type Gate struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	flight  singleflight.Group
}

type entry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// New builds a Gate. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Allowed reports whether userAgent may fetch target.
func (g *Gate) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	if g == nil || !g.cfg.Enabled || target == nil {
		return true
	}
	group := g.group(ctx, target, userAgent)
	allowed := group == nil || group.Test(pathOf(target))
	metrics.ObserveRobotsDecision(allowed)
	return allowed
}

// CrawlDelay returns the Crawl-delay directive for userAgent on target's
// host, or zero when none is set.
func (g *Gate) CrawlDelay(ctx context.Context, target *url.URL, userAgent string) time.Duration {
	if g == nil || !g.cfg.Enabled || target == nil {
		return 0
	}
	group := g.group(ctx, target, userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// Forget drops the cached entry for host, or every entry when host is empty.
func (g *Gate) Forget(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if host == "" {
		g.entries = make(map[string]entry)
		return
	}
	delete(g.entries, strings.ToLower(host))
}

func (g *Gate) group(ctx context.Context, target *url.URL, userAgent string) *robotstxt.Group {
	data := g.load(ctx, target)
	if data == nil {
		return nil
	}
	return data.FindGroup(userAgent)
}

func (g *Gate) load(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(target.Host)
	g.mu.RLock()
	cached, ok := g.entries[hostKey]
	g.mu.RUnlock()
	if ok && g.now().Sub(cached.fetched) < g.cfg.TTL {
		return cached.data
	}

	v, _, _ := g.flight.Do(hostKey, func() (any, error) {
		// The shared fetch must not die with whichever caller started it.
		data := g.fetch(context.WithoutCancel(ctx), target)
		g.mu.Lock()
		g.entries[hostKey] = entry{data: data, fetched: g.now()}
		g.mu.Unlock()
		return data, nil
	})
	data, _ := v.(*robotstxt.RobotsData)
	return data
}

func (g *Gate) fetch(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	robotsURL := url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	if robotsURL.Scheme == "" {
		robotsURL.Scheme = "http"
	}
	data, err := g.download(ctx, robotsURL.String())
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", target.Host),
			zap.Error(err),
		)
		metrics.ObserveRobotsFetch(false)
		return allowAll()
	}
	metrics.ObserveRobotsFetch(true)
	return data
}

func (g *Gate) download(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func allowAll() *robotstxt.RobotsData {
	// A 404 robots.txt means no restrictions.
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}

func pathOf(target *url.URL) string {
	p := target.EscapedPath()
	if p == "" {
		p = "/"
	}
	if target.RawQuery != "" {
		p += "?" + target.RawQuery
	}
	return p
}
