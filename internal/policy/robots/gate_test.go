package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const robotsBody = `User-agent: *
Disallow: /private
Allow: /private/press
Crawl-delay: 3

User-agent: CompanyResearchBot
Disallow: /careers
Allow: /careers/public
`

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestGate_DisallowRules(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, robotsBody)
	gate := New(DefaultConfig(), srv.Client(), zap.NewNop())
	ctx := context.Background()

	require.False(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/private/data"), "SomeOtherBot"))
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/private/press/release"), "SomeOtherBot"))
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/about"), "SomeOtherBot"))
	require.Equal(t, int32(1), hits.Load())
}

func TestGate_ExactAgentGroupWins(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusOK, robotsBody)
	gate := New(DefaultConfig(), srv.Client(), zap.NewNop())
	ctx := context.Background()

	require.False(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/careers"), "CompanyResearchBot"))
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/careers/public/list"), "CompanyResearchBot"))
	// The agent-specific group replaces the wildcard group entirely.
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/private/data"), "CompanyResearchBot"))
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/careers"), "SomeOtherBot"))
}

func TestGate_FetchFailureAllowsAll(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusInternalServerError, "Disallow: /")
	gate := New(DefaultConfig(), srv.Client(), zap.NewNop())
	ctx := context.Background()

	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/anything"), "CompanyResearchBot"))
	require.True(t, gate.Allowed(ctx, mustURL(t, srv.URL+"/else"), "CompanyResearchBot"))
	require.Equal(t, int32(1), hits.Load(), "failure result is cached")
}

func TestGate_UnreachableHostAllowsAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	gate := New(Config{Enabled: true, Timeout: 200 * time.Millisecond}, nil, zap.NewNop())
	require.True(t, gate.Allowed(context.Background(), mustURL(t, addr+"/x"), "CompanyResearchBot"))
}

func TestGate_TTLRefresh(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, robotsBody)
	gate := New(Config{Enabled: true, TTL: time.Hour}, srv.Client(), zap.NewNop())
	now := time.Unix(1_000, 0)
	gate.now = func() time.Time { return now }
	ctx := context.Background()

	target := mustURL(t, srv.URL+"/about")
	require.True(t, gate.Allowed(ctx, target, "bot"))
	require.True(t, gate.Allowed(ctx, target, "bot"))
	require.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Hour)
	require.True(t, gate.Allowed(ctx, target, "bot"))
	require.Equal(t, int32(2), hits.Load())

	gate.Forget(target.Host)
	require.True(t, gate.Allowed(ctx, target, "bot"))
	require.Equal(t, int32(3), hits.Load())
}

func TestGate_ConcurrentFirstLookupsShareFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(robotsBody))
	}))
	t.Cleanup(srv.Close)

	gate := New(DefaultConfig(), srv.Client(), zap.NewNop())
	target := mustURL(t, srv.URL+"/private/x")

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = gate.Allowed(context.Background(), target, "bot")
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), hits.Load())
	for _, allowed := range results {
		require.False(t, allowed)
	}
}

func TestGate_CrawlDelay(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusOK, robotsBody)
	gate := New(DefaultConfig(), srv.Client(), zap.NewNop())

	require.Equal(t, 3*time.Second, gate.CrawlDelay(context.Background(), mustURL(t, srv.URL+"/"), "bot"))
	require.Zero(t, gate.CrawlDelay(context.Background(), mustURL(t, srv.URL+"/"), "CompanyResearchBot"))
}

func TestGate_DisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	gate := New(Config{Enabled: false}, srv.Client(), zap.NewNop())

	require.True(t, gate.Allowed(context.Background(), mustURL(t, srv.URL+"/x"), "bot"))
	require.Zero(t, hits.Load())
}
