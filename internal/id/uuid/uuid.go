// Package uuid generates worker identities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns "<jobID>-w<n>-<uuid>", unique across processes joining the
// same job.
func (g Generator) WorkerID(jobID string, n int) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-w%d-%s", jobID, n, id), nil
}
