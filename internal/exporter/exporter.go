// Package exporter mirrors directory state into a pluggable read-model
// sink, on the same cadence as snapshot writes (SPEC_FULL.md §4.11). It
// is never a write-back path — entities flow one direction, store to
// sink — matching spec.md's characterization of export as out of scope
// for the core's correctness.
package exporter

import (
	"context"

	"github.com/evalgo/adsyncd/internal/entity"
)

// Exporter accepts the full serialized entity snapshot list and persists
// (or fails to persist) it as a single unit.
type Exporter interface {
	Export(ctx context.Context, entities []entity.Snapshot) error
}
