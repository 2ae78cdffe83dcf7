package peaks

import (
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/image"
)

// TableEntry is one row of a precomputed peak table as stored in an image
// container.
type TableEntry struct {
	FS, SS    float64
	Panel     int
	Intensity float64
}

// Table is a precomputed peak list, either flat (one image per file) or
// event-indexed (CXI style, one row of peaks per event).
type Table interface {
	// PeaksFor returns the table rows for the given event identifier.
	// Flat tables ignore the event.
	PeaksFor(event string) ([]TableEntry, error)
}

// FlatTable is an in-memory flat peak table.
type FlatTable []TableEntry

// PeaksFor implements Table.
func (t FlatTable) PeaksFor(string) ([]TableEntry, error) { return t, nil }

// EventTable is a CXI-style two-dimensional table indexed by event.
type EventTable map[string][]TableEntry

// PeaksFor implements Table.
func (t EventTable) PeaksFor(event string) ([]TableEntry, error) {
	rows, ok := t[event]
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNoSuchEvent, "peaks",
			"PeaksFor", "event row lookup")
	}
	return rows, nil
}

// FromTable converts prepared table rows into a peak list, applying the
// half-pixel convention and discarding entries outside their panel or on
// masked pixels.
func FromTable(img *image.Image, tab Table, cfg Config) (List, error) {
	rows, err := tab.PeaksFor(img.EventID)
	if err != nil {
		return nil, err
	}

	shift := 0.0
	if cfg.HalfPixelShift {
		shift = 0.5
	}

	var out List
	for _, row := range rows {
		fs, ss := row.FS+shift, row.SS+shift
		if row.Panel < 0 || row.Panel >= len(img.Det.Panels) {
			continue
		}
		p := &img.Det.Panels[row.Panel]
		if !p.InPanel(fs, ss) {
			continue
		}
		if img.Panels[row.Panel].Bad[int(fs)+int(ss)*p.W] {
			continue
		}
		out = append(out, Peak{
			FS:        fs,
			SS:        ss,
			Panel:     row.Panel,
			Intensity: row.Intensity,
		})
	}
	return out, nil
}

// Revalidate recomputes local statistics for each peak on the current
// pixel data and drops peaks whose SNR falls below the threshold. The
// surviving peaks carry the recomputed intensity, background, and SNR.
func Revalidate(img *image.Image, list List, cfg Config) List {
	out := make(List, 0, len(list))
	for _, pk := range list {
		st, ok := localRingStats(img, pk.Panel, pk.FS, pk.SS,
			cfg.RadiusInn, cfg.RadiusMid, cfg.RadiusOut)
		if !ok {
			continue
		}
		if st.saturated && !cfg.UseSaturated {
			continue
		}
		snr := st.snr()
		if snr < cfg.MinSNR {
			continue
		}
		pk.Intensity = st.signal
		pk.Background = st.bgMean
		pk.SNR = snr
		out = append(out, pk)
	}
	return out
}
