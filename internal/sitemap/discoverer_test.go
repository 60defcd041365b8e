package sitemap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/memory"
)

const (
	testSitemapURL = "https://example.com/sitemap.xml"
	testBaseURL    = "https://example.com"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
}

type reply struct {
	status int
	body   string
	err    error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{replies: map[string][]reply{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) on(url string, replies ...reply) *scriptedFetcher {
	f.replies[url] = append(f.replies[url], replies...)
	return f
}

func (f *scriptedFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	queue := f.replies[req.URL]
	if len(queue) == 0 {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		f.replies[req.URL] = queue[1:]
	}
	if r.err != nil {
		return crawler.FetchResponse{}, r.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: r.status, Body: []byte(r.body)}, nil
}

type sleepClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *sleepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sleepClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func urlset(paths ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, p := range paths {
		fmt.Fprintf(&b, "<url><loc>%s%s</loc></url>", testBaseURL, p)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

var samplePaths = []string{
	"/marketplace/templates/portfolio-one",
	"/marketplace/components/navbar",
	"/marketplace/vectors/icons-pack/",
	"/marketplace/plugins/form-sync",
	"/@studio-nine",
	"/marketplace/templates/category/blog",
	"/about",
}

func newDiscoverer(t *testing.T, f crawler.Fetcher, cache *Cache, clock crawler.Clock, mutate func(*Config)) *Discoverer {
	t.Helper()
	cfg := Config{
		SitemapURL:  testSitemapURL,
		BaseURL:     testBaseURL,
		MinURLs:     1,
		CacheMaxAge: 24 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg, f, cache, clock, nil)
	require.NoError(t, err)
	return d
}

func TestDiscoverClassifiesURLs(t *testing.T) {
	t.Parallel()

	clock := &sleepClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	f := newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: urlset(samplePaths...)})
	d := newDiscoverer(t, f, nil, clock, nil)

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SourceLive, snap.Source)
	require.Len(t, snap.URLs, 6)

	byURL := map[string]crawler.Category{}
	for _, u := range snap.URLs {
		byURL[u.URL] = u.Category
		require.Equal(t, clock.now, u.DiscoveredAt)
	}
	require.Equal(t, crawler.CategoryTemplate, byURL["https://example.com/marketplace/templates/portfolio-one"])
	require.Equal(t, crawler.CategoryVector, byURL["https://example.com/marketplace/vectors/icons-pack"])
	require.Equal(t, crawler.CategoryCreator, byURL["https://example.com/@studio-nine"])
	require.Equal(t, crawler.CategoryCategory, byURL["https://example.com/marketplace/templates/category/blog"])
	require.Empty(t, clock.sleeps)
}

func TestDiscoverDeterministic(t *testing.T) {
	t.Parallel()

	body := urlset(samplePaths...)
	reversed := make([]string, len(samplePaths))
	for i, p := range samplePaths {
		reversed[len(samplePaths)-1-i] = p
	}
	clock := &sleepClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}

	first, err := newDiscoverer(t, newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: body}), nil, clock, nil).
		Discover(context.Background())
	require.NoError(t, err)
	second, err := newDiscoverer(t, newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: urlset(reversed...)}), nil, clock, nil).
		Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDiscoverDisabledCategory(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: urlset(samplePaths...)})
	d := newDiscoverer(t, f, nil, &sleepClock{}, func(c *Config) {
		c.Enabled = map[crawler.Category]bool{crawler.CategoryCreator: true}
	})
	snap, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.URLs, 1)
	require.Equal(t, crawler.CategoryCreator, snap.URLs[0].Category)
}

func TestDiscoverServerErrorSkipsCache(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := &sleepClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(blobs, "")
	require.NoError(t, cache.Save(context.Background(), Entry{FetchedAt: clock.now, Body: urlset(samplePaths...)}))

	f := newScriptedFetcher().on(testSitemapURL, reply{status: 503})
	d := newDiscoverer(t, f, cache, clock, nil)

	_, err := d.Discover(context.Background())
	require.ErrorIs(t, err, crawler.ErrSitemapUnavailable)
	require.Equal(t, 1, f.count(testSitemapURL))
	require.Empty(t, clock.sleeps)
	require.Zero(t, blobs.Reads())
}

func TestDiscoverFallsBackToFreshCache(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := &sleepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cachedAt := clock.now.Add(-2 * time.Hour)
	cache := NewCache(blobs, "")
	require.NoError(t, cache.Save(context.Background(), Entry{FetchedAt: cachedAt, Body: urlset(samplePaths...)}))

	f := newScriptedFetcher().on(testSitemapURL, reply{status: 403})
	d := newDiscoverer(t, f, cache, clock, func(c *Config) {
		c.Schedule = []time.Duration{0, time.Second, 2 * time.Second}
	})

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.SourceCache, snap.Source)
	require.Equal(t, cachedAt, snap.FetchedAt)
	require.Len(t, snap.URLs, 6)
	require.Equal(t, 3, f.count(testSitemapURL))
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.sleeps)
}

func TestDiscoverStaleCache(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := &sleepClock{now: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
	cache := NewCache(blobs, "")
	require.NoError(t, cache.Save(context.Background(), Entry{FetchedAt: clock.now.Add(-48 * time.Hour), Body: urlset(samplePaths...)}))

	f := newScriptedFetcher().on(testSitemapURL, reply{err: context.DeadlineExceeded})
	d := newDiscoverer(t, f, cache, clock, func(c *Config) { c.Schedule = []time.Duration{0} })

	_, err := d.Discover(context.Background())
	require.ErrorIs(t, err, crawler.ErrSitemapNoFallback)
	require.ErrorContains(t, err, "stale")
}

func TestDiscoverNoCache(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher().on(testSitemapURL, reply{status: 404})
	d := newDiscoverer(t, f, NewCache(memory.NewBlobStore(), ""), &sleepClock{}, func(c *Config) {
		c.Schedule = []time.Duration{0}
	})

	_, err := d.Discover(context.Background())
	require.ErrorIs(t, err, crawler.ErrSitemapNoFallback)
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestDiscoverBelowThreshold(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	f := newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: urlset(samplePaths[:2]...)})
	d := newDiscoverer(t, f, NewCache(blobs, ""), &sleepClock{}, func(c *Config) { c.MinURLs = 3 })

	snap, err := d.Discover(context.Background())
	require.ErrorIs(t, err, crawler.ErrThresholdNotMet)
	require.Len(t, snap.URLs, 2)
	require.Empty(t, blobs.Keys())
}

func TestDiscoverRefreshesCache(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	clock := &sleepClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	f := newScriptedFetcher().on(testSitemapURL, reply{status: 200, body: urlset(samplePaths...)})
	cache := NewCache(blobs, "")
	d := newDiscoverer(t, f, cache, clock, nil)

	_, err := d.Discover(context.Background())
	require.NoError(t, err)

	entry, err := cache.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, clock.now, entry.FetchedAt)
	require.Equal(t, urlset(samplePaths...), entry.Body)
}

func TestDiscoverRetriesMalformedXML(t *testing.T) {
	t.Parallel()

	clock := &sleepClock{}
	f := newScriptedFetcher().on(testSitemapURL,
		reply{status: 200, body: "this is not xml"},
		reply{status: 200, body: urlset(samplePaths...)},
	)
	d := newDiscoverer(t, f, nil, clock, nil)

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.URLs, 6)
	require.Equal(t, 2, f.count(testSitemapURL))
	require.Equal(t, []time.Duration{time.Second}, clock.sleeps)
}

func TestDiscoverSitemapIndex(t *testing.T) {
	t.Parallel()

	index := `<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` +
		`<sitemap><loc>https://example.com/sitemap-1.xml</loc></sitemap>` +
		`<sitemap><loc>https://example.com/sitemap-2.xml</loc></sitemap></sitemapindex>`
	f := newScriptedFetcher().
		on(testSitemapURL, reply{status: 200, body: index}).
		on("https://example.com/sitemap-1.xml", reply{status: 200, body: urlset(samplePaths[:3]...)}).
		on("https://example.com/sitemap-2.xml", reply{status: 200, body: urlset(samplePaths[2:]...)})
	blobs := memory.NewBlobStore()
	cache := NewCache(blobs, "")
	d := newDiscoverer(t, f, cache, &sleepClock{}, nil)

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.URLs, 6)

	entry, err := cache.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entry.Children, 2)
}

func TestDiscoverCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	f := newScriptedFetcher().on(testSitemapURL, reply{status: 403})
	d := newDiscoverer(t, f, nil, cancelClock{cancel: cancel}, nil)

	_, err := d.Discover(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.count(testSitemapURL))
}

type cancelClock struct {
	cancel context.CancelFunc
}

func (cancelClock) Now() time.Time { return time.Time{} }

func (c cancelClock) Sleep(ctx context.Context, _ time.Duration) error {
	c.cancel()
	return ctx.Err()
}

func TestTruncateSchedule(t *testing.T) {
	t.Parallel()

	got := truncateSchedule(FibonacciSchedule(), 20*time.Second)
	require.Equal(t, []time.Duration{0, time.Second, time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second}, got)
	require.Len(t, truncateSchedule(FibonacciSchedule(), 0), 15)
}

func TestCacheLoadCorrupt(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := blobs.PutObject(context.Background(), DefaultCacheKey, "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	_, err = NewCache(blobs, "").Load(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, crawler.ErrObjectNotFound))
}

func TestMatcherRejectsForeignHost(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher(testBaseURL, nil)
	require.NoError(t, err)
	_, ok := m.Match("https://other.example/marketplace/templates/x")
	require.False(t, ok)
	_, ok = m.Match("https://example.com/marketplace/templates/x/extra")
	require.False(t, ok)
	cat, ok := m.Match("https://example.com/marketplace/plugins/category/forms")
	require.True(t, ok)
	require.Equal(t, crawler.CategoryCategory, cat)
}
