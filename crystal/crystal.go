// Package crystal holds the per-crystal state produced by indexing: the
// unit cell, profile parameters, and the owned reflection list. Ownership
// is one-way (an image owns crystals, a crystal owns reflections), matching
// the worker-scoped lifetime of all three.
package crystal

import (
	"github.com/c360/diffract/cell"
)

// UserFlag records why a crystal was rejected; zero means the crystal is
// still good.
type UserFlag int

const (
	FlagOK UserFlag = iota
	FlagCellRejected
	FlagPeakCheckFailed
	FlagRefineFailed
	FlagArithmetic
)

// String names the rejection reason for stream output.
func (f UserFlag) String() string {
	switch f {
	case FlagOK:
		return "ok"
	case FlagCellRejected:
		return "cell-rejected"
	case FlagPeakCheckFailed:
		return "peak-check-failed"
	case FlagRefineFailed:
		return "refine-failed"
	case FlagArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Crystal is one indexing solution on an image.
type Crystal struct {
	Cell *cell.Cell

	ProfileRadius float64 // metres^-1
	Mosaicity     float64 // radians
	Scale         float64
	BFactor       float64

	Reflections RefList

	Flag UserFlag

	// ResolutionLimit is the estimated diffraction limit used for
	// prediction, in inverse metres
	ResolutionLimit float64

	// ExcludedSaturated counts reflections dropped by the saturation
	// policy during integration
	ExcludedSaturated int
}

// New builds a crystal around a cell with conventional starting values.
func New(c *cell.Cell) *Crystal {
	return &Crystal{
		Cell:          c,
		ProfileRadius: 0.02e9,
		Mosaicity:     0.0,
		Scale:         1.0,
	}
}

// Clone returns a copy of the crystal sharing no mutable state with the
// original. The reflection list is copied; the cell is cloned.
func (cr *Crystal) Clone() *Crystal {
	out := *cr
	if cr.Cell != nil {
		out.Cell = cr.Cell.Clone()
	}
	out.Reflections = make(RefList, len(cr.Reflections))
	copy(out.Reflections, cr.Reflections)
	return &out
}

// Reflection is a single predicted (and possibly measured) reflection. A
// reflection belongs to exactly one RefList.
type Reflection struct {
	H, K, L int

	// Predicted detector position
	FS, SS float64
	Panel  int

	ExcitationError float64
	Kpred           float64 // predicted k at half-integration
	Khalf           float64
	Lorentz         float64
	Partiality      float64

	Intensity float64
	Esd       float64

	Redundancy int

	// Symmetric-equivalent indices
	SymH, SymK, SymL int

	// Integration diagnostics
	Saturated     int // saturated pixel count
	NotIntegrable bool
	Implausible   bool
}

// RefList is a crystal's ordered reflection list.
type RefList []Reflection

// NumSaturated counts reflections with at least one saturated pixel.
func (l RefList) NumSaturated() int {
	n := 0
	for i := range l {
		if l[i].Saturated > 0 {
			n++
		}
	}
	return n
}

// NumImplausible counts reflections flagged implausibly negative.
func (l RefList) NumImplausible() int {
	n := 0
	for i := range l {
		if l[i].Implausible {
			n++
		}
	}
	return n
}
