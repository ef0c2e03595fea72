// Package source holds the per-source adapters that turn raw equipment
// exports, public archives, and operator input into normalized observations.
package source

import (
	"context"
	"errors"

	"github.com/plantops/chillwatch/internal/model"
)

// Failure classes shared by all adapters. Each adapter failure is recovered
// at the pipeline level: the source is marked skipped and the run continues.
var (
	// ErrUnavailable means the source could not be reached (network, API down).
	ErrUnavailable = errors.New("source unavailable")

	// ErrFormat means the source was reachable but its payload is unparseable
	// as a whole. Individually malformed rows never raise this; they are
	// skipped and counted.
	ErrFormat = errors.New("source format error")

	// ErrEmpty means the source parsed cleanly but yielded no observations.
	ErrEmpty = errors.New("source empty")
)

// Result is the outcome of one adapter fetch: the valid observations plus a
// count of rows that were skipped as malformed, so a single bad row never
// aborts an ingestion run but is still visible in the run summary.
type Result struct {
	Source        model.SourceID
	Observations  []model.Observation
	MalformedRows int
}

// Adapter fetches one source and produces observations at the source's
// native resolution. Adapters own nothing persisted; they are pure producers.
type Adapter interface {
	ID() model.SourceID
	Fetch(ctx context.Context) (Result, error)
}
