package stream

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"sync/atomic"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/errors"
)

// Writer serializes records to an underlying stream. It exposes no random
// access and guarantees that each chunk reaches the underlying writer in
// one Write call, so chunks never interleave.
type Writer struct {
	w       io.Writer
	records int64
}

// NewWriter wraps an io.Writer. The caller retains responsibility for
// closing the underlying stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader emits the run-level header. Call once, before any record.
func (sw *Writer) WriteHeader(h Header) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Stream format: diffract-1.0\n")
	fmt.Fprintf(&buf, "Command line: %s\n", h.CommandLine)
	fmt.Fprintf(&buf, "Geometry digest: %s\n", h.GeometryDigest)
	if h.CellSummary != "" {
		fmt.Fprintf(&buf, "Reference cell: %s\n", h.CellSummary)
	}
	for _, ix := range h.Indexing {
		fmt.Fprintf(&buf, "Indexing method: %s\n", ix)
	}
	if _, err := sw.w.Write(buf.Bytes()); err != nil {
		return errors.WrapFatal(err, "stream", "WriteHeader", "write header")
	}
	return nil
}

// WriteRecord emits one chunk. The record is rendered into a buffer first
// and handed to the underlying writer atomically.
func (sw *Writer) WriteRecord(rec *Record) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s\n", beginChunk)
	fmt.Fprintf(&buf, "Image filename: %s\n", rec.Filename)
	fmt.Fprintf(&buf, "Event: %s\n", rec.EventID)
	fmt.Fprintf(&buf, "Image serial number: %d\n", rec.Serial)
	indexedBy := rec.IndexedBy
	if indexedBy == "" {
		indexedBy = "none"
	}
	fmt.Fprintf(&buf, "indexed_by = %s\n", indexedBy)
	fmt.Fprintf(&buf, "num_peaks = %d\n", rec.NumPeaks)
	fmt.Fprintf(&buf, "num_saturated_peaks = %d\n", rec.NumSaturatedPeaks)
	fmt.Fprintf(&buf, "photon_energy_eV = %.6f\n", rec.PhotonEnergyEV)

	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "meta/%s = %s\n", k, rec.Metadata[k])
	}

	if rec.Peaks != nil {
		fmt.Fprintf(&buf, "%s\n", beginPeaks)
		fmt.Fprintf(&buf, "  fs/px   ss/px  (1/d)/nm^-1   Intensity  Panel\n")
		for _, pk := range rec.Peaks {
			fmt.Fprintf(&buf, "%8.2f %8.2f %12.3f %12.2f %6d\n",
				pk.FS, pk.SS, pk.Resolution*1e-9, pk.Intensity, pk.Panel)
		}
		fmt.Fprintf(&buf, "%s\n", endPeaks)
	}

	for ci := range rec.Crystals {
		writeCrystal(&buf, &rec.Crystals[ci])
	}

	fmt.Fprintf(&buf, "%s\n", endChunk)

	if _, err := sw.w.Write(buf.Bytes()); err != nil {
		return errors.WrapFatal(err, "stream", "WriteRecord", "write chunk")
	}
	atomic.AddInt64(&sw.records, 1)
	return nil
}

func writeCrystal(buf *bytes.Buffer, cb *CrystalBlock) {
	fmt.Fprintf(buf, "%s\n", beginCrystal)

	a, b, c, al, be, ga := cb.Cell.Parameters()
	fmt.Fprintf(buf, "Cell parameters %.5f %.5f %.5f nm, %.5f %.5f %.5f deg\n",
		a*1e9, b*1e9, c*1e9, degrees(al), degrees(be), degrees(ga))
	as, bs, cs, err := cb.Cell.Reciprocal()
	if err == nil {
		scale := math.Max(axisMax(as), math.Max(axisMax(bs), axisMax(cs)))
		as, bs, cs = snapAxis(as, scale), snapAxis(bs, scale), snapAxis(cs, scale)
		fmt.Fprintf(buf, "astar = %+.9e %+.9e %+.9e nm^-1\n",
			as.X*1e-9, as.Y*1e-9, as.Z*1e-9)
		fmt.Fprintf(buf, "bstar = %+.9e %+.9e %+.9e nm^-1\n",
			bs.X*1e-9, bs.Y*1e-9, bs.Z*1e-9)
		fmt.Fprintf(buf, "cstar = %+.9e %+.9e %+.9e nm^-1\n",
			cs.X*1e-9, cs.Y*1e-9, cs.Z*1e-9)
	}
	fmt.Fprintf(buf, "lattice_type = %s\n", cb.Cell.Lattice)
	fmt.Fprintf(buf, "centering = %c\n", cb.Cell.Centering)
	fmt.Fprintf(buf, "profile_radius = %.5f nm^-1\n", cb.ProfileRadius*1e-9)
	fmt.Fprintf(buf, "mosaicity = %.7f\n", cb.Mosaicity)
	fmt.Fprintf(buf, "scale = %.7f\n", cb.Scale)
	fmt.Fprintf(buf, "B_factor = %.7f\n", cb.BFactor)
	fmt.Fprintf(buf, "diffraction_resolution_limit = %.3f nm^-1\n",
		cb.ResolutionLimit*1e-9)
	fmt.Fprintf(buf, "num_reflections = %d\n", len(cb.Reflections))
	fmt.Fprintf(buf, "num_saturated_reflections = %d\n",
		cb.Reflections.NumSaturated())

	fmt.Fprintf(buf, "%s\n", beginRefl)
	fmt.Fprintf(buf, "   h    k    l          I   sigma(I)  partiality  fs/px  ss/px panel sat\n")
	for _, rf := range cb.Reflections {
		fmt.Fprintf(buf, "%4d %4d %4d %10.2f %10.2f %11.4f %6.1f %6.1f %5d %3d\n",
			rf.H, rf.K, rf.L, rf.Intensity, rf.Esd, rf.Partiality,
			rf.FS, rf.SS, rf.Panel, rf.Saturated)
	}
	fmt.Fprintf(buf, "%s\n", endRefl)

	fmt.Fprintf(buf, "%s\n", endCrystal)
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func axisMax(v cell.Vec3) float64 {
	return math.Max(math.Abs(v.X), math.Max(math.Abs(v.Y), math.Abs(v.Z)))
}

// snapAxis zeroes components that are numerical noise relative to the
// largest axis component, keeping repeated read/write cycles byte-stable.
func snapAxis(v cell.Vec3, scale float64) cell.Vec3 {
	const eps = 1e-10
	if math.Abs(v.X) < eps*scale {
		v.X = 0
	}
	if math.Abs(v.Y) < eps*scale {
		v.Y = 0
	}
	if math.Abs(v.Z) < eps*scale {
		v.Z = 0
	}
	return v
}

// Records returns how many chunks have been written.
func (sw *Writer) Records() int64 { return atomic.LoadInt64(&sw.records) }
