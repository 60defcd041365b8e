// Package checkpoint persists crawl progress so an interrupted run can resume
// without refetching finished URLs.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Failure describes the last failed attempt on a URL.
type Failure struct {
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Progress is the per-category state. A URL is in at most one of Processed
// and Failed.
type Progress struct {
	Processed map[string]struct{}
	Failed    map[string]Failure
	Cursor    string
}

func newProgress() *Progress {
	return &Progress{Processed: map[string]struct{}{}, Failed: map[string]Failure{}}
}

func (p *Progress) clone() *Progress {
	out := newProgress()
	for u := range p.Processed {
		out.Processed[u] = struct{}{}
	}
	for u, f := range p.Failed {
		out.Failed[u] = f
	}
	out.Cursor = p.Cursor
	return out
}

// Metadata describes the run that owns the checkpoint.
type Metadata struct {
	StartTime time.Time `json:"start_time"`
	TotalURLs int       `json:"total_urls"`
	RunID     string    `json:"run_id"`
}

// Checkpoint is the durable crawl state.
type Checkpoint struct {
	LastUpdate time.Time
	Categories map[crawler.Category]*Progress
	Metadata   Metadata
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{Categories: map[crawler.Category]*Progress{}}
}

func (c *Checkpoint) progress(cat crawler.Category) *Progress {
	p, ok := c.Categories[cat]
	if !ok {
		p = newProgress()
		c.Categories[cat] = p
	}
	return p
}

func (c *Checkpoint) clone() *Checkpoint {
	out := &Checkpoint{LastUpdate: c.LastUpdate, Metadata: c.Metadata, Categories: map[crawler.Category]*Progress{}}
	for cat, p := range c.Categories {
		out.Categories[cat] = p.clone()
	}
	return out
}

// ProcessedCount returns the number of processed URLs in cat.
func (c *Checkpoint) ProcessedCount(cat crawler.Category) int {
	if p, ok := c.Categories[cat]; ok {
		return len(p.Processed)
	}
	return 0
}

// FailedCount returns the number of failed URLs in cat.
func (c *Checkpoint) FailedCount(cat crawler.Category) int {
	if p, ok := c.Categories[cat]; ok {
		return len(p.Failed)
	}
	return 0
}

type progressJSON struct {
	Scraped  []string           `json:"scraped"`
	Failed   []string           `json:"failed"`
	Failures map[string]Failure `json:"failures"`
	Cursor   string             `json:"cursor,omitempty"`
}

// MarshalJSON writes the on-disk layout: last_update, one object per
// category, and metadata. URL lists are sorted so equal states serialize to
// equal bytes.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Categories)+2)
	out["last_update"] = c.LastUpdate
	out["metadata"] = c.Metadata
	for cat, p := range c.Categories {
		pj := progressJSON{
			Scraped:  make([]string, 0, len(p.Processed)),
			Failed:   make([]string, 0, len(p.Failed)),
			Failures: make(map[string]Failure, len(p.Failed)),
			Cursor:   p.Cursor,
		}
		for u := range p.Processed {
			pj.Scraped = append(pj.Scraped, u)
		}
		for u, f := range p.Failed {
			pj.Failed = append(pj.Failed, u)
			pj.Failures[u] = f
		}
		sort.Strings(pj.Scraped)
		sort.Strings(pj.Failed)
		out[string(cat)] = pj
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the layout written by MarshalJSON. Unknown category
// keys are rejected.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = *newCheckpoint()
	for key, value := range raw {
		switch key {
		case "last_update":
			if err := json.Unmarshal(value, &c.LastUpdate); err != nil {
				return fmt.Errorf("last_update: %w", err)
			}
		case "metadata":
			if err := json.Unmarshal(value, &c.Metadata); err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
		default:
			cat, err := crawler.ParseCategory(key)
			if err != nil {
				return err
			}
			var pj progressJSON
			if err := json.Unmarshal(value, &pj); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			p := c.progress(cat)
			p.Cursor = pj.Cursor
			for _, u := range pj.Scraped {
				p.Processed[u] = struct{}{}
			}
			for _, u := range pj.Failed {
				if _, done := p.Processed[u]; done {
					continue
				}
				p.Failed[u] = pj.Failures[u]
			}
		}
	}
	return nil
}
