// Package uuid provides run ID generation.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates UUID v7 run IDs. v7 IDs sort by creation time, so runs
// listed by ID appear in start order.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// StartedAt recovers the creation time embedded in a run ID.
func StartedAt(runID string) (time.Time, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run id: %w", err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("run id %s is not a v7 uuid", runID)
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
