// Package ratelimit spaces outbound requests per host with a randomized
// politeness delay.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/company-research/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultConfig spaces requests to one host by 2–4 seconds.
func DefaultConfig() Config {
	return Config{Enabled: true, MinDelay: 2 * time.Second, MaxDelay: 4 * time.Second}
}

// Limiter manages per-host request spacing. Each host owns a one-slot
// semaphore, so callers for the same host are serialized while callers for
// different hosts never wait on each other.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	cfg   Config
	now   func() time.Time
}

type hostState struct {
	slot  chan struct{}
	last  time.Time // guarded by slot
	floor atomic.Int64
}

// New creates a new Limiter. A MaxDelay below MinDelay is raised to it.
func New(cfg Config) *Limiter {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Limiter{
		hosts: make(map[string]*hostState),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Wait blocks until the sampled delay has passed since the previous request
// to host, then records the current time as that host's last request.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l == nil || !l.cfg.Enabled {
		return nil
	}
	st := l.state(host)
	select {
	case st.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { <-st.slot }()

	delay := l.sample()
	if floor := time.Duration(st.floor.Load()); floor > delay {
		delay = floor
	}
	if !st.last.IsZero() {
		if wait := delay - l.now().Sub(st.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("rate limit wait: %w", ctx.Err())
			}
			metrics.ObserveRateLimitWait(host, wait)
		}
	}
	st.last = l.now()
	return nil
}

// SetMinDelay raises the delay floor for host, e.g. to honor a robots.txt
// Crawl-delay. Lower values than the current floor are ignored.
func (l *Limiter) SetMinDelay(host string, d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	st := l.state(host)
	for {
		cur := st.floor.Load()
		if int64(d) <= cur || st.floor.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Hosts returns how many distinct hosts have been seen.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

func (l *Limiter) state(host string) *hostState {
	key := strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[key]
	if !ok {
		st = &hostState{slot: make(chan struct{}, 1)}
		l.hosts[key] = st
	}
	return st
}

func (l *Limiter) sample() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(rand.Int64N(int64(span)+1)) //nolint:gosec // politeness jitter
}
