package sitemap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// DefaultCacheKey is the blob path of the cached sitemap.
const DefaultCacheKey = "sitemap-cache.json"

// Entry is the persisted form of a successful sitemap fetch.
type Entry struct {
	FetchedAt time.Time `json:"fetched_at"`
	Body      string    `json:"body"`
	// Children holds child sitemap bodies when Body is a sitemap index.
	Children []string `json:"children,omitempty"`
}

// Cache stores the last good sitemap in a blob store.
type Cache struct {
	store crawler.BlobStore
	key   string
}

// NewCache builds a Cache. An empty key uses DefaultCacheKey.
func NewCache(store crawler.BlobStore, key string) *Cache {
	if key == "" {
		key = DefaultCacheKey
	}
	return &Cache{store: store, key: key}
}

// Load returns the cached entry, or crawler.ErrObjectNotFound.
func (c *Cache) Load(ctx context.Context) (Entry, error) {
	data, err := c.store.GetObject(ctx, c.key)
	if err != nil {
		return Entry{}, fmt.Errorf("read sitemap cache: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode sitemap cache: %w", err)
	}
	if entry.FetchedAt.IsZero() {
		return Entry{}, errors.New("decode sitemap cache: missing fetched_at")
	}
	return entry, nil
}

// Save replaces the cached entry.
func (c *Cache) Save(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode sitemap cache: %w", err)
	}
	if _, err := c.store.PutObject(ctx, c.key, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write sitemap cache: %w", err)
	}
	return nil
}

// Fresh reports whether the entry is younger than maxAge at now.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.FetchedAt) <= maxAge
}
