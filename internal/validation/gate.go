// Package validation decides which parsed records may be persisted.
package validation

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Reason explains a rejection.
type Reason string

// Rejection reasons.
const (
	ReasonMissingID        Reason = "missing_id"
	ReasonMissingSourceURL Reason = "missing_source_url"
	ReasonDuplicate        Reason = "duplicate"
)

// Verdict is Accepted or Rejected.
type Verdict interface {
	isVerdict()
}

// Accepted carries a record cleared for storage.
type Accepted struct {
	Record crawler.Record
}

// Rejected carries the reason a record was refused.
type Rejected struct {
	Record crawler.Record
	Reason Reason
}

func (Accepted) isVerdict() {}
func (Rejected) isVerdict() {}

func (r Rejected) Error() string {
	return fmt.Sprintf("record %q from %s rejected: %s", r.Record.ID, r.Record.SourceURL, r.Reason)
}

// DuplicateRecorder is notified of each duplicate.
type DuplicateRecorder interface {
	IncDuplicate(category crawler.Category)
}

type identity struct {
	category crawler.Category
	id       string
}

// Gate validates records for one run. It is safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	seen     map[identity]struct{}
	accepted map[crawler.Category]int
	recorder DuplicateRecorder
}

// NewGate creates a Gate. recorder may be nil.
func NewGate(recorder DuplicateRecorder) *Gate {
	return &Gate{
		seen:     make(map[identity]struct{}),
		accepted: make(map[crawler.Category]int),
		recorder: recorder,
	}
}

// Accept checks required fields and run-level uniqueness of (category, ID).
func (g *Gate) Accept(rec crawler.Record) Verdict {
	if rec.ID == "" {
		return Rejected{Record: rec, Reason: ReasonMissingID}
	}
	if rec.SourceURL == "" {
		return Rejected{Record: rec, Reason: ReasonMissingSourceURL}
	}

	key := identity{category: rec.Category, id: rec.ID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.seen[key]; dup {
		if g.recorder != nil {
			g.recorder.IncDuplicate(rec.Category)
		}
		return Rejected{Record: rec, Reason: ReasonDuplicate}
	}
	g.seen[key] = struct{}{}
	g.accepted[rec.Category]++
	return Accepted{Record: rec}
}

// AcceptedCount returns accepted records for cat.
func (g *Gate) AcceptedCount(cat crawler.Category) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted[cat]
}

// EmptyCategories lists categories that had dispatched URLs but no accepted
// records. Persisting such a category would publish an empty result.
func (g *Gate) EmptyCategories(dispatched map[crawler.Category]int) []crawler.Category {
	g.mu.Lock()
	defer g.mu.Unlock()
	var empty []crawler.Category
	for cat, n := range dispatched {
		if n > 0 && g.accepted[cat] == 0 {
			empty = append(empty, cat)
		}
	}
	crawler.SortCategories(empty)
	return empty
}
