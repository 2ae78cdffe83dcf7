package predict

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

// Hard clamps on refinement steps
const (
	maxProfileRadius = 5e9                     // metres^-1
	maxRotation      = 5.0 * math.Pi / 180.0   // total, radians
	pairRadius       = 10.0                    // pixels, initial peak pairing
)

// RefineOptions configures prediction refinement.
type RefineOptions struct {
	MaxRes float64 // prediction cutoff, inverse metres

	// Reindex lists the lattice ambiguity operators to test alongside the
	// identity; the best-scoring reindexing is kept.
	Reindex []*mat.Dense
}

// pairing joins one observed peak with the Miller indices predicted near it.
type pairing struct {
	peak peaks.Peak
	h, k, l int
}

// pairPeaks matches each observed peak to the nearest predicted reflection
// within pairRadius pixels on the same panel.
func pairPeaks(found peaks.List, list crystal.RefList) []pairing {
	var out []pairing
	for _, pk := range found {
		best := pairRadius * pairRadius
		var bestRef *crystal.Reflection
		for i := range list {
			rf := &list[i]
			if rf.Panel != pk.Panel {
				continue
			}
			dfs := rf.FS - pk.FS
			dss := rf.SS - pk.SS
			if d := dfs*dfs + dss*dss; d < best {
				best = d
				bestRef = rf
			}
		}
		if bestRef != nil {
			out = append(out, pairing{peak: pk, h: bestRef.H, k: bestRef.K, l: bestRef.L})
		}
	}
	return out
}

// positionResidual evaluates the mean squared distance in pixels between
// the paired peaks and the positions predicted by the trial cell.
func positionResidual(pairs []pairing, trial *cell.Cell, img *image.Image) float64 {
	as, bs, cs, err := trial.Reciprocal()
	if err != nil {
		return math.Inf(1)
	}

	if img.Lambda <= 0 {
		return math.Inf(1)
	}
	knom := 1.0 / img.Lambda

	resid := 0.0
	n := 0
	for _, pr := range pairs {
		xl := float64(pr.h)*as.X + float64(pr.k)*bs.X + float64(pr.l)*cs.X
		yl := float64(pr.h)*as.Y + float64(pr.k)*bs.Y + float64(pr.l)*cs.Y
		zl := float64(pr.h)*as.Z + float64(pr.k)*bs.Z + float64(pr.l)*cs.Z

		p := &img.Det.Panels[pr.peak.Panel]
		fs, ss, ok := locatePeakOnPanel(xl, yl, zl, knom, p)
		if !ok {
			// Keep the pair in the target even slightly off-panel, so the
			// minimizer can pull it back
			if math.IsNaN(fs) || math.IsNaN(ss) {
				continue
			}
		}
		dfs := fs - pr.peak.FS
		dss := ss - pr.peak.SS
		resid += dfs*dfs + dss*dss
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return resid / float64(n)
}

// Refine runs a Nelder-Mead simplex over two small rotations of the cell
// about the lab x and y axes, the profile radius, and the wavelength,
// minimizing peak-to-prediction position residuals. The cell is first
// tested under each lattice ambiguity operator and the best reindexing is
// kept. Obviously bad steps are rejected by hard clamps.
func Refine(cr *crystal.Crystal, img *image.Image, found peaks.List, opts RefineOptions) error {
	if len(cr.Reflections) == 0 {
		if err := PredictToRes(cr, img, opts.MaxRes); err != nil {
			return err
		}
	}

	// Choose the best reindexing under the ambiguity group
	bestCell := cr.Cell
	pairs := pairPeaks(found, cr.Reflections)
	if len(pairs) == 0 {
		return errors.WrapTransient(errors.ErrNotIndexed, "predict", "Refine",
			"no peaks pair with predictions")
	}
	bestScore := positionResidual(pairs, cr.Cell, img)
	for _, op := range opts.Reindex {
		reCell, err := cr.Cell.Transform(op)
		if err != nil || !reCell.Sensible() || !reCell.RightHanded() {
			continue
		}
		trial := cr.Clone()
		trial.Cell = reCell
		if err := PredictToRes(trial, img, opts.MaxRes); err != nil {
			continue
		}
		rePairs := pairPeaks(found, trial.Reflections)
		if len(rePairs) == 0 {
			continue
		}
		if score := positionResidual(rePairs, reCell, img); score < bestScore {
			bestScore = score
			bestCell = reCell
			pairs = rePairs
		}
	}

	base := bestCell
	lambda0 := img.Lambda
	r0 := cr.ProfileRadius

	objective := func(x []float64) float64 {
		rx, ry, r, lambda := x[0], x[1], x[2], x[3]
		if math.Abs(r) > maxProfileRadius {
			return math.Inf(1)
		}
		if lambda <= 0 {
			return math.Inf(1)
		}
		if math.Hypot(rx, ry) > maxRotation {
			return math.Inf(1)
		}
		trial := base.Rotate(rx, ry)
		resid := positionResidual(pairs, trial, img)
		// The radius enters the target only through its clamp; keep a
		// weak restoring term so the simplex cannot wander
		resid += 1e-20 * (r - r0) * (r - r0)
		resid += 1e18 * (lambda - lambda0) * (lambda - lambda0)
		return resid
	}

	problem := optimize.Problem{Func: objective}
	x0 := []float64{0, 0, r0, lambda0}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{
		MajorIterations: 200,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 50,
		},
	}, &optimize.NelderMead{})
	if err != nil && result == nil {
		return errors.WrapTransient(err, "predict", "Refine", "simplex minimization")
	}

	rx, ry, r, lambda := result.X[0], result.X[1], result.X[2], result.X[3]
	if math.Abs(r) > maxProfileRadius || lambda <= 0 ||
		math.Hypot(rx, ry) > maxRotation {
		return errors.WrapTransient(errors.ErrNotIndexed, "predict", "Refine",
			"refined parameters outside clamps")
	}

	cr.Cell = base.Rotate(rx, ry)
	cr.ProfileRadius = math.Abs(r)
	img.Lambda = lambda

	return PredictToRes(cr, img, opts.MaxRes)
}

// RefineRadius estimates the profile radius from the spread of excitation
// errors of reflections landing near observed peaks.
func RefineRadius(cr *crystal.Crystal, img *image.Image, found peaks.List, maxRes float64) error {
	if len(cr.Reflections) == 0 {
		if err := PredictToRes(cr, img, maxRes); err != nil {
			return err
		}
	}
	pairs := pairPeaks(found, cr.Reflections)
	if len(pairs) < 3 {
		return errors.WrapTransient(errors.ErrNotIndexed, "predict",
			"RefineRadius", "too few paired peaks")
	}

	as, bs, cs, err := cr.Cell.Reciprocal()
	if err != nil {
		return err
	}

	var exerrs []float64
	knom := 1.0 / img.Lambda
	for _, pr := range pairs {
		xl := float64(pr.h)*as.X + float64(pr.k)*bs.X + float64(pr.l)*cs.X
		yl := float64(pr.h)*as.Y + float64(pr.k)*bs.Y + float64(pr.l)*cs.Y
		zl := float64(pr.h)*as.Z + float64(pr.k)*bs.Z + float64(pr.l)*cs.Z
		dcs := math.Sqrt(xl*xl + yl*yl + (zl+knom)*(zl+knom))
		exerrs = append(exerrs, math.Abs(knom-dcs))
	}

	// Use the upper quartile of |excitation error| as the radius estimate
	sort.Float64s(exerrs)
	r := exerrs[(3*len(exerrs))/4]
	if r <= 0 || math.IsNaN(r) || r > maxProfileRadius {
		return errors.WrapTransient(errors.ErrNegativeRadius, "predict",
			"RefineRadius", "radius estimate out of range")
	}
	cr.ProfileRadius = r
	return nil
}
