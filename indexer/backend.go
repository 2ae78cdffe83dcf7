// Package indexer drives crystal indexing: it invokes one or more indexer
// backends in order, validates candidate cells against a reference and the
// observed peaks, and runs the retry and multi-lattice loops.
package indexer

import (
	"context"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

// Prior flags declare which prior information a backend can consume.
type Prior uint8

const (
	// PriorLattice means the backend can use the reference lattice type
	PriorLattice Prior = 1 << iota
	// PriorCell means the backend can use the full reference parameters
	PriorCell
)

// Backend is one indexing engine. External-process backends wrap their
// stdin/stdout protocol behind this same interface.
type Backend interface {
	// Name identifies the backend in logs and the stream header.
	Name() string

	// Priors reports which prior information the backend consumes.
	Priors() Prior

	// Prepare is called once at startup with the reference cell (nil when
	// none) and tolerances. Backends keep whatever handle they need.
	Prepare(ref *cell.Cell, tol cell.Tolerances) error

	// Index proposes candidate cells for the image's peak list. An empty
	// result is not an error; it just means this backend failed here.
	Index(ctx context.Context, img *image.Image, found peaks.List) ([]*cell.Cell, error)

	// Cleanup releases whatever Prepare acquired.
	Cleanup()
}

// FuncBackend adapts a plain function, for tests and in-process methods.
type FuncBackend struct {
	BackendName string
	Prior       Prior
	Fn          func(ctx context.Context, img *image.Image, found peaks.List) ([]*cell.Cell, error)

	ref *cell.Cell
	tol cell.Tolerances
}

// Name implements Backend.
func (f *FuncBackend) Name() string { return f.BackendName }

// Priors implements Backend.
func (f *FuncBackend) Priors() Prior { return f.Prior }

// Prepare implements Backend.
func (f *FuncBackend) Prepare(ref *cell.Cell, tol cell.Tolerances) error {
	f.ref = ref
	f.tol = tol
	return nil
}

// Index implements Backend.
func (f *FuncBackend) Index(ctx context.Context, img *image.Image, found peaks.List) ([]*cell.Cell, error) {
	return f.Fn(ctx, img, found)
}

// Cleanup implements Backend.
func (f *FuncBackend) Cleanup() {}
