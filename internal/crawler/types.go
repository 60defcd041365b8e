package crawler

import (
	"net/http"
	"sort"
	"time"
)

// URLRecord is a single crawl target discovered in the sitemap.
type URLRecord struct {
	URL          string    `json:"url"`
	Category     Category  `json:"category"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// SnapshotSource tells whether a sitemap snapshot came from the network or
// from the cache.
type SnapshotSource string

// Snapshot sources.
const (
	SourceLive  SnapshotSource = "live"
	SourceCache SnapshotSource = "cache"
)

// SitemapSnapshot is the categorised URL set produced by one discovery pass.
// URLs are sorted by URL and contain no duplicates.
type SitemapSnapshot struct {
	URLs      []URLRecord    `json:"urls"`
	FetchedAt time.Time      `json:"fetched_at"`
	Source    SnapshotSource `json:"source"`
}

// CountByCategory tallies snapshot URLs per category.
func (s SitemapSnapshot) CountByCategory() map[Category]int {
	counts := make(map[Category]int, len(allCategories))
	for _, rec := range s.URLs {
		counts[rec.Category]++
	}
	return counts
}

// URLStrings returns the ordered URL list.
func (s SitemapSnapshot) URLStrings() []string {
	out := make([]string, 0, len(s.URLs))
	for _, rec := range s.URLs {
		out = append(out, rec.URL)
	}
	return out
}

// FetchRequest captures everything needed for a single HTTP attempt.
type FetchRequest struct {
	URL      string
	Category Category
	// Attempt is the 1-based attempt number for single fetches and the count
	// of attempts already spent when handed to a retrying fetcher.
	Attempt int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// NormalizedValue keeps the raw scraped text next to its parsed form.
// Normalized is nil when the raw text could not be interpreted.
type NormalizedValue[T any] struct {
	Raw        string `json:"raw"`
	Normalized *T     `json:"normalized,omitempty"`
}

// Valid reports whether normalization succeeded.
func (v NormalizedValue[T]) Valid() bool {
	return v.Normalized != nil
}

// Record is the structured result of parsing one marketplace page.
type Record struct {
	ID          string                            `json:"id"`
	Category    Category                          `json:"category"`
	SourceURL   string                            `json:"source_url"`
	Name        string                            `json:"name"`
	Description string                            `json:"description,omitempty"`
	Creator     string                            `json:"creator,omitempty"`
	Price       NormalizedValue[int64]            `json:"price"`
	Stats       map[string]NormalizedValue[int64] `json:"stats,omitempty"`
	PublishedAt NormalizedValue[time.Time]        `json:"published_at"`
	UpdatedAt   NormalizedValue[time.Time]        `json:"updated_at"`
	ContentHash string                            `json:"content_hash"`
	ArchiveURI  string                            `json:"archive_uri,omitempty"`
	ScrapedAt   time.Time                         `json:"scraped_at"`
	Attributes  map[string]string                 `json:"attributes,omitempty"`
}

// URLState is the lifecycle state of a URL inside a run.
type URLState string

// URL states. Accepted, Skipped, and Rejected are terminal.
const (
	StatePending  URLState = "pending"
	StateInFlight URLState = "in_flight"
	StateAccepted URLState = "accepted"
	StateSkipped  URLState = "skipped"
	StateRejected URLState = "rejected"
	StateRequeued URLState = "requeued"
)

// Terminal reports whether no further transition is possible.
func (s URLState) Terminal() bool {
	return s == StateAccepted || s == StateSkipped || s == StateRejected
}

// WorkItem is a URL waiting for a worker.
type WorkItem struct {
	Record URLRecord
	// Attempts already spent on this URL in the current run.
	Attempts int
	Requeues int
}

// RunStatus is the final status of a crawl run.
type RunStatus string

// Run statuses written to the metrics log.
const (
	RunCompleted          RunStatus = "completed"
	RunFailed             RunStatus = "failed"
	RunSitemapUnavailable RunStatus = "sitemap_unavailable"
	RunThresholdNotMet    RunStatus = "below_threshold"
	RunBudgetExceeded     RunStatus = "budget_exceeded"
	RunEmptyResult        RunStatus = "empty_result_blocked"
	RunNoSitemap          RunStatus = "no_sitemap"
	RunInterrupted        RunStatus = "interrupted"
)

// CategoryMetrics holds per-category run counters.
type CategoryMetrics struct {
	Discovered  int     `json:"discovered"`
	Scraped     int     `json:"scraped"`
	Failed      int     `json:"failed"`
	Rejected    int     `json:"rejected"`
	Duplicates  int     `json:"duplicates"`
	SuccessRate float64 `json:"success_rate"`
}

// RunMetrics is the sealed summary of one run, appended to the metrics log.
type RunMetrics struct {
	Timestamp        time.Time                    `json:"timestamp"`
	RunID            string                       `json:"run_id"`
	Status           RunStatus                    `json:"status"`
	StartedAt        time.Time                    `json:"started_at"`
	DurationMs       int64                        `json:"duration_ms"`
	PerCategory      map[Category]CategoryMetrics `json:"per_category"`
	RequestCount     int                          `json:"request_count"`
	TotalWaitMs      int64                        `json:"total_wait_ms"`
	RetryCount       int                          `json:"retry_count"`
	SlowRequestCount int                          `json:"slow_request_count"`
	ForbiddenCount   int                          `json:"forbidden_count"`
	SuccessRate      float64                      `json:"success_rate"`
	EmptyCategories  []Category                   `json:"empty_categories,omitempty"`
}

// SortCategories orders categories by name.
func SortCategories(cats []Category) {
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
}
