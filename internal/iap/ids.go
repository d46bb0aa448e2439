package iap

import (
	"github.com/google/uuid"
)

// IDGenerator mints local identifiers (purchase attempt ids, and order ids
// and tokens in simulated backends).
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails.
func (UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
