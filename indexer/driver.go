package indexer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
	"github.com/c360/diffract/predict"
)

// Retry deletes this fraction of the weakest peaks per round.
const retryDeleteFraction = 0.1

// Options configures the indexing driver.
type Options struct {
	Backends []Backend

	// RefCell is the reference unit cell; nil disables cell checking.
	RefCell *cell.Cell
	Tol     cell.Tolerances

	CheckCellAxes         bool
	CheckCellCombinations bool
	Refine                bool
	CheckPeaks            bool
	Retry                 bool
	Multi                 bool

	// MinPeakFrac is the fraction of observed peaks that must sit within
	// PeakRadius pixels of a predicted reflection for check-peaks.
	MinPeakFrac float64
	PeakRadius  float64

	// RetryRounds bounds the weak-peak-deletion loop.
	RetryRounds int
	// MultiRounds bounds the multi-lattice loop.
	MultiRounds int

	// BackendTimeout is the per-backend wall clock budget per image.
	BackendTimeout time.Duration

	// MaxRes is the prediction cutoff, inverse metres.
	MaxRes float64

	// Reindex lists lattice ambiguity operators for refinement.
	Reindex []*mat.Dense

	PartialityModel predict.PartialityModel
}

// DefaultOptions returns the conventional driver configuration.
func DefaultOptions() Options {
	return Options{
		Tol:             cell.DefaultTolerances(),
		CheckCellAxes:   true,
		Refine:          true,
		CheckPeaks:      true,
		Retry:           true,
		Multi:           false,
		MinPeakFrac:     0.5,
		PeakRadius:      2.0,
		RetryRounds:     4,
		MultiRounds:     8,
		BackendTimeout:  30 * time.Second,
		MaxRes:          math.Inf(1),
		PartialityModel: predict.ModelXSphere,
	}
}

// Driver runs the indexing loop for one image at a time. A driver is
// owned by one worker; backends keep per-driver state from Prepare.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

// NewDriver prepares every backend and returns a ready driver.
func NewDriver(opts Options, logger *slog.Logger) (*Driver, error) {
	for _, b := range opts.Backends {
		ref := opts.RefCell
		if ref != nil && b.Priors()&PriorCell == 0 {
			ref = nil
		}
		if err := b.Prepare(ref, opts.Tol); err != nil {
			return nil, err
		}
	}
	return &Driver{opts: opts, logger: logger}, nil
}

// Close cleans up every backend.
func (d *Driver) Close() {
	for _, b := range d.opts.Backends {
		b.Cleanup()
	}
}

// Index runs the full driver loop and returns the accepted crystals, with
// the winning backend name. The peak list is not modified; working copies
// are used for retry and multi.
func (d *Driver) Index(ctx context.Context, img *image.Image, found peaks.List) ([]*crystal.Crystal, string) {
	working := make(peaks.List, len(found))
	copy(working, found)

	var crystals []*crystal.Crystal
	indexedBy := ""

	// Retry loop: shrink the peak list until something indexes
	rounds := 1
	if d.opts.Retry {
		rounds += d.opts.RetryRounds
	}
	for round := 0; round < rounds; round++ {
		cr, name := d.singlePass(ctx, img, working)
		if cr != nil {
			crystals = append(crystals, cr)
			indexedBy = name
			break
		}
		if !d.opts.Retry {
			return nil, ""
		}
		var ok bool
		working, ok = deleteWeakest(working)
		if !ok {
			return nil, ""
		}
		d.logger.Debug("indexing retry",
			"serial", img.Serial, "round", round+1, "peaks", len(working))
	}
	if len(crystals) == 0 {
		return nil, ""
	}

	// Multi-lattice loop: peel off accounted peaks and go again
	if d.opts.Multi {
		for round := 0; round < d.opts.MultiRounds; round++ {
			remaining := unaccountedPeaks(working, crystals, d.opts.PeakRadius)
			if len(remaining) == len(working) || len(remaining) == 0 {
				break
			}
			working = remaining
			cr, _ := d.singlePass(ctx, img, working)
			if cr == nil {
				break
			}
			crystals = append(crystals, cr)
		}
	}

	return crystals, indexedBy
}

// singlePass tries every backend in order against one peak list and
// returns the first accepted crystal.
func (d *Driver) singlePass(ctx context.Context, img *image.Image, found peaks.List) (*crystal.Crystal, string) {
	for _, b := range d.opts.Backends {
		bctx := ctx
		var cancel context.CancelFunc = func() {}
		if d.opts.BackendTimeout > 0 {
			bctx, cancel = context.WithTimeout(ctx, d.opts.BackendTimeout)
		}
		candidates, err := b.Index(bctx, img, found)
		cancel()
		if err != nil {
			// Backend failure is recoverable; try the next one
			d.logger.Debug("indexer backend failed",
				"backend", b.Name(), "serial", img.Serial, "err", err)
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		// Prefer the candidate with the smallest cell-error figure of merit
		if d.opts.RefCell != nil && len(candidates) > 1 {
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].MatchFOM(d.opts.RefCell) <
					candidates[j].MatchFOM(d.opts.RefCell)
			})
		}

		for _, cand := range candidates {
			if cr := d.acceptCandidate(img, found, cand); cr != nil {
				return cr, b.Name()
			}
		}
	}
	return nil, ""
}

// acceptCandidate validates one candidate cell and builds the crystal, or
// returns nil when any check rejects it.
func (d *Driver) acceptCandidate(img *image.Image, found peaks.List, cand *cell.Cell) *crystal.Crystal {
	matched := cand

	if (d.opts.CheckCellAxes || d.opts.CheckCellCombinations) && d.opts.RefCell != nil {
		matched = cand.Match(d.opts.RefCell, d.opts.Tol, d.opts.CheckCellCombinations)
		if matched == nil {
			return nil
		}
	}
	if !matched.Sensible() || !matched.RightHanded() || !matched.Finite() {
		return nil
	}

	cr := crystal.New(matched)
	if err := predict.PredictToRes(cr, img, d.opts.MaxRes); err != nil {
		return nil
	}

	if d.opts.CheckPeaks {
		frac := accountedFraction(found, cr, d.opts.PeakRadius)
		if frac < d.opts.MinPeakFrac {
			return nil
		}
	}

	if d.opts.Refine {
		if err := predict.Refine(cr, img, found, predict.RefineOptions{
			MaxRes:  d.opts.MaxRes,
			Reindex: d.opts.Reindex,
		}); err != nil {
			// A failed refinement keeps the unrefined solution
			d.logger.Debug("prediction refinement failed",
				"serial", img.Serial, "err", err)
		}
	}

	predict.CalculatePartialities(cr, img, d.opts.PartialityModel)
	return cr
}

// accountedFraction reports the fraction of peaks lying within radius
// pixels of a predicted reflection.
func accountedFraction(found peaks.List, cr *crystal.Crystal, radius float64) float64 {
	if len(found) == 0 {
		return 0
	}
	n := 0
	for i := range found {
		if peakAccounted(&found[i], cr, radius) {
			n++
		}
	}
	return float64(n) / float64(len(found))
}

func peakAccounted(pk *peaks.Peak, cr *crystal.Crystal, radius float64) bool {
	for j := range cr.Reflections {
		rf := &cr.Reflections[j]
		if rf.Panel != pk.Panel {
			continue
		}
		dfs := rf.FS - pk.FS
		dss := rf.SS - pk.SS
		if dfs*dfs+dss*dss <= radius*radius {
			return true
		}
	}
	return false
}

// unaccountedPeaks returns the peaks not within radius of any predicted
// reflection of any crystal.
func unaccountedPeaks(found peaks.List, crystals []*crystal.Crystal, radius float64) peaks.List {
	var out peaks.List
	for i := range found {
		accounted := false
		for _, cr := range crystals {
			if peakAccounted(&found[i], cr, radius) {
				accounted = true
				break
			}
		}
		if !accounted {
			out = append(out, found[i])
		}
	}
	return out
}

// deleteWeakest removes the lowest-SNR tail of the list; ok is false when
// the list is already too small to retry.
func deleteWeakest(found peaks.List) (peaks.List, bool) {
	k := int(math.Ceil(float64(len(found)) * retryDeleteFraction))
	if k < 1 {
		k = 1
	}
	if len(found)-k < 4 {
		return found, false
	}
	sorted := make(peaks.List, len(found))
	copy(sorted, found)
	sorted.SortBySNR()
	return sorted[:len(sorted)-k], true
}
