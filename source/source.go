// Package source supplies images to the dispatcher: an ordered stream of
// work items from a file list or a pub/sub payload transport, plus the
// loaders that turn items into pixel data. The engine is agnostic to the
// container behind an item.
package source

import (
	"context"

	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

// Item identifies one image to process: either a filename+event pair or an
// in-memory payload.
type Item struct {
	Filename string
	EventID  string
	Payload  []byte // nil for file-backed items
}

// Source is an ordered, possibly unbounded stream of items. Next returns
// io.EOF when the source is drained.
type Source interface {
	Next(ctx context.Context) (*Item, error)
	Close() error
}

// Loader turns an item into a fully populated image (pixels, masks,
// metadata, wavelength). HDF5 and CBF loaders satisfy this from outside
// the core; the payload loader lives here.
type Loader interface {
	Load(ctx context.Context, it *Item, det *geom.Detector) (*image.Image, error)
}

// PeakTableProvider is implemented by loaders whose container carries a
// precomputed peak table (prepared-list peak search methods).
type PeakTableProvider interface {
	PeakTable(it *Item) (peaks.Table, error)
}
