package stream

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/peaks"
)

// Reader parses a stream written by Writer, one record at a time.
type Reader struct {
	sc     *bufio.Scanner
	header Header
	haveHdr bool
}

// NewReader wraps an io.Reader.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Header returns the run-level header, valid after the first ReadRecord or
// an explicit scan to the first chunk.
func (r *Reader) Header() Header { return r.header }

// ReadRecord parses the next chunk, returning io.EOF when the stream is
// exhausted.
func (r *Reader) ReadRecord() (*Record, error) {
	// Scan forward to the next chunk delimiter, collecting header lines
	for {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return nil, errors.WrapTransient(err, "stream", "ReadRecord", "scan")
			}
			return nil, io.EOF
		}
		line := r.sc.Text()
		if line == beginChunk {
			break
		}
		if !r.haveHdr {
			r.parseHeaderLine(line)
		}
	}
	r.haveHdr = true

	rec := &Record{Metadata: map[string]string{}}
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == endChunk:
			return rec, nil
		case strings.HasPrefix(line, "Image filename: "):
			rec.Filename = strings.TrimPrefix(line, "Image filename: ")
		case strings.HasPrefix(line, "Event: "):
			rec.EventID = strings.TrimPrefix(line, "Event: ")
		case strings.HasPrefix(line, "Image serial number: "):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "Image serial number: "), 10, 64)
			if err != nil {
				return nil, badLine(line, err)
			}
			rec.Serial = n
		case strings.HasPrefix(line, "indexed_by = "):
			v := strings.TrimPrefix(line, "indexed_by = ")
			if v != "none" {
				rec.IndexedBy = v
			}
		case strings.HasPrefix(line, "num_peaks = "):
			rec.NumPeaks, _ = strconv.Atoi(strings.TrimPrefix(line, "num_peaks = "))
		case strings.HasPrefix(line, "num_saturated_peaks = "):
			rec.NumSaturatedPeaks, _ = strconv.Atoi(strings.TrimPrefix(line, "num_saturated_peaks = "))
		case strings.HasPrefix(line, "photon_energy_eV = "):
			rec.PhotonEnergyEV, _ = strconv.ParseFloat(strings.TrimPrefix(line, "photon_energy_eV = "), 64)
		case strings.HasPrefix(line, "meta/"):
			kv := strings.SplitN(strings.TrimPrefix(line, "meta/"), " = ", 2)
			if len(kv) == 2 {
				rec.Metadata[kv[0]] = kv[1]
			}
		case line == beginPeaks:
			list, err := r.readPeaks()
			if err != nil {
				return nil, err
			}
			rec.Peaks = list
		case line == beginCrystal:
			cb, err := r.readCrystal()
			if err != nil {
				return nil, err
			}
			rec.Crystals = append(rec.Crystals, *cb)
		}
	}
	return nil, errors.WrapTransient(errors.ErrCorruptPayload, "stream",
		"ReadRecord", "unterminated chunk")
}

func (r *Reader) parseHeaderLine(line string) {
	switch {
	case strings.HasPrefix(line, "Command line: "):
		r.header.CommandLine = strings.TrimPrefix(line, "Command line: ")
	case strings.HasPrefix(line, "Geometry digest: "):
		r.header.GeometryDigest = strings.TrimPrefix(line, "Geometry digest: ")
	case strings.HasPrefix(line, "Reference cell: "):
		r.header.CellSummary = strings.TrimPrefix(line, "Reference cell: ")
	case strings.HasPrefix(line, "Indexing method: "):
		r.header.Indexing = append(r.header.Indexing,
			strings.TrimPrefix(line, "Indexing method: "))
	}
}

func (r *Reader) readPeaks() (peaks.List, error) {
	list := peaks.List{}
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == endPeaks {
			return list, nil
		}
		if strings.Contains(line, "fs/px") {
			continue // column header
		}
		var pk peaks.Peak
		var resNm float64
		n, err := fmt.Sscanf(line, "%f %f %f %f %d",
			&pk.FS, &pk.SS, &resNm, &pk.Intensity, &pk.Panel)
		if err != nil || n != 5 {
			return nil, badLine(line, err)
		}
		pk.Resolution = resNm * 1e9
		list = append(list, pk)
	}
	return nil, errors.WrapTransient(errors.ErrCorruptPayload, "stream",
		"readPeaks", "unterminated peak list")
}

func (r *Reader) readCrystal() (*CrystalBlock, error) {
	cb := &CrystalBlock{}
	var as, bs, cs cell.Vec3
	haveAxes := 0

	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == endCrystal:
			if haveAxes == 3 {
				c, err := cell.NewFromReciprocalAxes(as, bs, cs)
				if err != nil {
					return nil, err
				}
				if cb.Cell != nil {
					c.Lattice = cb.Cell.Lattice
					c.Centering = cb.Cell.Centering
				}
				cb.Cell = c
			}
			if cb.Cell == nil {
				return nil, errors.WrapTransient(errors.ErrCorruptPayload,
					"stream", "readCrystal", "crystal without cell")
			}
			return cb, nil
		case strings.HasPrefix(line, "astar = "):
			if err := parseAxis(line, "astar = ", &as); err != nil {
				return nil, err
			}
			haveAxes++
		case strings.HasPrefix(line, "bstar = "):
			if err := parseAxis(line, "bstar = ", &bs); err != nil {
				return nil, err
			}
			haveAxes++
		case strings.HasPrefix(line, "cstar = "):
			if err := parseAxis(line, "cstar = ", &cs); err != nil {
				return nil, err
			}
			haveAxes++
		case strings.HasPrefix(line, "lattice_type = "):
			lt := parseLattice(strings.TrimPrefix(line, "lattice_type = "))
			cb.Cell = &cell.Cell{Lattice: lt, Centering: 'P'}
		case strings.HasPrefix(line, "centering = "):
			v := strings.TrimPrefix(line, "centering = ")
			if cb.Cell != nil && len(v) == 1 {
				cb.Cell.Centering = v[0]
			}
		case strings.HasPrefix(line, "profile_radius = "):
			var v float64
			fmt.Sscanf(strings.TrimPrefix(line, "profile_radius = "), "%f", &v)
			cb.ProfileRadius = v * 1e9
		case strings.HasPrefix(line, "mosaicity = "):
			cb.Mosaicity, _ = strconv.ParseFloat(strings.TrimPrefix(line, "mosaicity = "), 64)
		case strings.HasPrefix(line, "scale = "):
			cb.Scale, _ = strconv.ParseFloat(strings.TrimPrefix(line, "scale = "), 64)
		case strings.HasPrefix(line, "B_factor = "):
			cb.BFactor, _ = strconv.ParseFloat(strings.TrimPrefix(line, "B_factor = "), 64)
		case strings.HasPrefix(line, "diffraction_resolution_limit = "):
			var v float64
			fmt.Sscanf(strings.TrimPrefix(line, "diffraction_resolution_limit = "), "%f", &v)
			cb.ResolutionLimit = v * 1e9
		case line == beginRefl:
			list, err := r.readReflections()
			if err != nil {
				return nil, err
			}
			cb.Reflections = list
		}
	}
	return nil, errors.WrapTransient(errors.ErrCorruptPayload, "stream",
		"readCrystal", "unterminated crystal block")
}

func parseAxis(line, prefix string, v *cell.Vec3) error {
	var x, y, z float64
	n, err := fmt.Sscanf(strings.TrimPrefix(line, prefix), "%e %e %e", &x, &y, &z)
	if err != nil || n != 3 {
		return badLine(line, err)
	}
	v.X, v.Y, v.Z = x*1e9, y*1e9, z*1e9
	return nil
}

func parseLattice(s string) cell.LatticeType {
	switch s {
	case "monoclinic":
		return cell.Monoclinic
	case "orthorhombic":
		return cell.Orthorhombic
	case "tetragonal":
		return cell.Tetragonal
	case "rhombohedral":
		return cell.Rhombohedral
	case "hexagonal":
		return cell.Hexagonal
	case "cubic":
		return cell.Cubic
	default:
		return cell.Triclinic
	}
}

func (r *Reader) readReflections() (crystal.RefList, error) {
	list := crystal.RefList{}
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == endRefl {
			return list, nil
		}
		if strings.Contains(line, "sigma(I)") {
			continue // column header
		}
		var rf crystal.Reflection
		n, err := fmt.Sscanf(line, "%d %d %d %f %f %f %f %f %d %d",
			&rf.H, &rf.K, &rf.L, &rf.Intensity, &rf.Esd, &rf.Partiality,
			&rf.FS, &rf.SS, &rf.Panel, &rf.Saturated)
		if err != nil || n != 10 {
			return nil, badLine(line, err)
		}
		rf.SymH, rf.SymK, rf.SymL = rf.H, rf.K, rf.L
		rf.Redundancy = 1
		list = append(list, rf)
	}
	return nil, errors.WrapTransient(errors.ErrCorruptPayload, "stream",
		"readReflections", "unterminated reflection list")
}

func badLine(line string, err error) error {
	if err == nil {
		err = errors.ErrCorruptPayload
	}
	return errors.WrapTransient(err, "stream", "parse",
		fmt.Sprintf("malformed line %q", line))
}
