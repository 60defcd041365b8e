// Package sha256 provides SHA-256 content fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the scraped content of a record. Bookkeeping fields
// (scrape time, archive location, previous hash) are excluded so that an
// unchanged page yields the same fingerprint across runs.
func (h *Hasher) Fingerprint(rec crawler.Record) (string, error) {
	rec.ContentHash = ""
	rec.ArchiveURI = ""
	rec.ScrapedAt = time.Time{}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return h.Hash(data)
}

// ArchivePath returns the blob path for a raw payload, keyed by category and
// URL digest.
func (h *Hasher) ArchivePath(runID string, category crawler.Category, url string) string {
	sum := sha256.Sum256([]byte(url))
	cat := strings.ReplaceAll(string(category), ":", "-")
	return fmt.Sprintf("payloads/%s/%s/%s.html", runID, cat, hex.EncodeToString(sum[:8]))
}
