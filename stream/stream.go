// Package stream implements the append-only, line-oriented output format:
// one chunk per image, delimited records, crystal blocks with reflection
// tables. A reader is provided so streams can be round-tripped.
package stream

import (
	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/peaks"
)

// Delimiter lines of the chunk format.
const (
	beginChunk   = "----- Begin chunk -----"
	endChunk     = "----- End chunk -----"
	beginCrystal = "--- Begin crystal"
	endCrystal   = "--- End crystal"
	beginPeaks   = "Peaks from peak search"
	endPeaks     = "End of peak list"
	beginRefl    = "Reflections measured after indexing"
	endRefl      = "End of reflections"
)

// Header carries the run-level information written once at the top of a
// stream.
type Header struct {
	CommandLine    string
	GeometryDigest string
	CellSummary    string // empty when no reference cell
	Indexing       []string
}

// CrystalBlock is the per-crystal part of a chunk.
type CrystalBlock struct {
	Cell            *cell.Cell
	ProfileRadius   float64
	Mosaicity       float64
	Scale           float64
	BFactor         float64
	ResolutionLimit float64
	Reflections     crystal.RefList
}

// Record is one chunk: header fields, optional peak list, zero or more
// crystal blocks. Records are written in strictly increasing serial order.
type Record struct {
	Filename          string
	EventID           string
	Serial            uint64
	IndexedBy         string
	NumPeaks          int
	NumSaturatedPeaks int
	PhotonEnergyEV    float64
	Metadata          map[string]string

	Peaks    peaks.List
	Crystals []CrystalBlock
}
