package sitemap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Config controls discovery.
type Config struct {
	SitemapURL string
	BaseURL    string
	// MinURLs is the smallest acceptable snapshot; fewer URLs abort the run.
	MinURLs     int
	CacheMaxAge time.Duration
	Schedule    []time.Duration
	MaxWait     time.Duration
	Timeout     time.Duration
	UserAgent   string
	Enabled     map[crawler.Category]bool
	Patterns    map[crawler.Category]string
}

// Discoverer produces sitemap snapshots.
type Discoverer struct {
	cfg      Config
	fetcher  crawler.Fetcher
	cache    *Cache
	clock    crawler.Clock
	logger   *zap.Logger
	matcher  *Matcher
	schedule []time.Duration
}

// New builds a Discoverer. cache may be nil to disable the fallback.
func New(cfg Config, fetcher crawler.Fetcher, cache *Cache, clock crawler.Clock, logger *zap.Logger) (*Discoverer, error) {
	if cfg.SitemapURL == "" {
		return nil, errors.New("sitemap url is required")
	}
	matcher, err := NewMatcher(cfg.BaseURL, cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule := cfg.Schedule
	if len(schedule) == 0 {
		schedule = FibonacciSchedule()
	}
	schedule = truncateSchedule(schedule, cfg.MaxWait)
	if len(schedule) == 0 {
		schedule = []time.Duration{0}
	}
	return &Discoverer{
		cfg:      cfg,
		fetcher:  fetcher,
		cache:    cache,
		clock:    clock,
		logger:   logger,
		matcher:  matcher,
		schedule: schedule,
	}, nil
}

// Discover fetches and classifies the sitemap.
//
// A 5xx response returns crawler.ErrSitemapUnavailable without retrying or
// consulting the cache. Other failures are retried on the schedule and then
// served from a fresh cache entry, or reported as crawler.ErrSitemapNoFallback.
// Any snapshot with fewer than MinURLs URLs yields crawler.ErrThresholdNotMet.
func (d *Discoverer) Discover(ctx context.Context) (crawler.SitemapSnapshot, error) {
	entry, err := d.fetchLive(ctx)
	if err == nil {
		snap := d.build(entry, crawler.SourceLive)
		if err := d.checkThreshold(snap); err != nil {
			return snap, err
		}
		d.saveCache(ctx, entry)
		d.logSnapshot(snap)
		return snap, nil
	}
	if errors.Is(err, crawler.ErrSitemapUnavailable) {
		d.logger.Error("sitemap server error, aborting", zap.Error(err))
		return crawler.SitemapSnapshot{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.SitemapSnapshot{}, fmt.Errorf("sitemap discovery: %w", ctxErr)
	}

	d.logger.Warn("live sitemap unavailable, trying cache", zap.Error(err))
	snap, cacheErr := d.fromCache(ctx)
	if cacheErr != nil {
		return crawler.SitemapSnapshot{}, fmt.Errorf("%w: %w", crawler.ErrSitemapNoFallback, errors.Join(err, cacheErr))
	}
	if err := d.checkThreshold(snap); err != nil {
		return snap, err
	}
	d.logSnapshot(snap)
	return snap, nil
}

func (d *Discoverer) fetchLive(ctx context.Context) (Entry, error) {
	var lastErr error
	for i, wait := range d.schedule {
		if wait > 0 {
			if err := d.clock.Sleep(ctx, wait); err != nil {
				return Entry{}, fmt.Errorf("sitemap retry wait: %w", err)
			}
		}
		entry, err := d.fetchOnce(ctx)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, crawler.ErrSitemapUnavailable) {
			return Entry{}, err
		}
		lastErr = err
		d.logger.Warn("sitemap fetch failed", zap.Int("attempt", i+1), zap.Int("attempts", len(d.schedule)), zap.Error(err))
	}
	return Entry{}, lastErr
}

func (d *Discoverer) fetchOnce(ctx context.Context) (Entry, error) {
	body, err := d.get(ctx, d.cfg.SitemapURL)
	if err != nil {
		return Entry{}, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return Entry{}, &crawler.FetchError{Kind: crawler.KindParse, URL: d.cfg.SitemapURL, Cause: err}
	}
	entry := Entry{FetchedAt: d.clock.Now(), Body: body}
	if doc.kind != kindIndex {
		return entry, nil
	}
	for _, loc := range doc.locs {
		childBody, err := d.get(ctx, loc)
		if err != nil {
			return Entry{}, err
		}
		child, err := parseDocument(childBody)
		if err != nil {
			return Entry{}, &crawler.FetchError{Kind: crawler.KindParse, URL: loc, Cause: err}
		}
		if child.kind != kindURLSet {
			return Entry{}, &crawler.FetchError{Kind: crawler.KindParse, URL: loc, Cause: fmt.Errorf("%w: nested sitemap index", errMalformed)}
		}
		entry.Children = append(entry.Children, childBody)
	}
	return entry, nil
}

func (d *Discoverer) get(ctx context.Context, url string) (string, error) {
	reqCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	headers := http.Header{}
	if d.cfg.UserAgent != "" {
		headers.Set("User-Agent", d.cfg.UserAgent)
	}
	resp, err := d.fetcher.Fetch(reqCtx, crawler.FetchRequest{URL: url, Attempt: 1, Headers: headers})
	if err != nil {
		return "", &crawler.FetchError{Kind: crawler.KindOf(err), URL: url, Cause: err}
	}
	if fe := crawler.StatusError(resp.StatusCode, url); fe != nil {
		if fe.Kind == crawler.KindServerError {
			return "", fmt.Errorf("%w: %w", crawler.ErrSitemapUnavailable, fe)
		}
		return "", fe
	}
	return string(resp.Body), nil
}

func (d *Discoverer) fromCache(ctx context.Context) (crawler.SitemapSnapshot, error) {
	if d.cache == nil {
		return crawler.SitemapSnapshot{}, errors.New("sitemap cache disabled")
	}
	entry, err := d.cache.Load(ctx)
	if err != nil {
		return crawler.SitemapSnapshot{}, err
	}
	now := d.clock.Now()
	if !entry.Fresh(now, d.cfg.CacheMaxAge) {
		return crawler.SitemapSnapshot{}, fmt.Errorf("sitemap cache is stale: fetched %s ago, max age %s",
			now.Sub(entry.FetchedAt).Round(time.Second), d.cfg.CacheMaxAge)
	}
	d.logger.Info("using cached sitemap", zap.Time("fetched_at", entry.FetchedAt))
	return d.build(entry, crawler.SourceCache), nil
}

func (d *Discoverer) saveCache(ctx context.Context, entry Entry) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Save(ctx, entry); err != nil {
		d.logger.Warn("failed to refresh sitemap cache", zap.Error(err))
	}
}

// build classifies every <loc> in the entry. Parse errors were already
// surfaced by fetchOnce, so unparsable cached documents contribute nothing.
func (d *Discoverer) build(entry Entry, source crawler.SnapshotSource) crawler.SitemapSnapshot {
	bodies := append([]string{entry.Body}, entry.Children...)
	seen := make(map[string]struct{})
	var urls []crawler.URLRecord
	for _, body := range bodies {
		doc, err := parseDocument(body)
		if err != nil || doc.kind != kindURLSet {
			continue
		}
		for _, loc := range doc.locs {
			normalized, err := crawler.NormalizeURL(loc)
			if err != nil {
				continue
			}
			cat, ok := d.matcher.Match(normalized)
			if !ok || !d.enabled(cat) {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			urls = append(urls, crawler.URLRecord{URL: normalized, Category: cat, DiscoveredAt: entry.FetchedAt})
		}
	}
	sort.Slice(urls, func(i, j int) bool { return urls[i].URL < urls[j].URL })
	return crawler.SitemapSnapshot{URLs: urls, FetchedAt: entry.FetchedAt, Source: source}
}

func (d *Discoverer) enabled(cat crawler.Category) bool {
	if d.cfg.Enabled == nil {
		return true
	}
	return d.cfg.Enabled[cat]
}

func (d *Discoverer) checkThreshold(snap crawler.SitemapSnapshot) error {
	if len(snap.URLs) < d.cfg.MinURLs {
		d.logger.Error("sitemap below url threshold",
			zap.Int("found", len(snap.URLs)), zap.Int("min", d.cfg.MinURLs), zap.String("source", string(snap.Source)))
		return fmt.Errorf("%w: found %d, need %d", crawler.ErrThresholdNotMet, len(snap.URLs), d.cfg.MinURLs)
	}
	return nil
}

func (d *Discoverer) logSnapshot(snap crawler.SitemapSnapshot) {
	fields := []zap.Field{zap.Int("urls", len(snap.URLs)), zap.String("source", string(snap.Source))}
	for cat, n := range snap.CountByCategory() {
		fields = append(fields, zap.Int(string(cat), n))
	}
	d.logger.Info("sitemap discovered", fields...)
}
