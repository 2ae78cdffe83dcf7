// Package predict generates the reflections implied by a crystal
// orientation: it intersects the reciprocal lattice with the Ewald sphere,
// computes partialities under the configured model, and solves for detector
// positions panel by panel.
package predict

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
)

// Reflections are predicted only when their partiality could plausibly be
// observed. The cutoff mimics a 1.7 sigma excursion.
var minPartiality = math.Exp(-0.5 * 1.7 * 1.7)

// maxOrder bounds the Miller index search in each direction.
const maxOrder = 511

// locatePeakOnPanel solves the 3x3 system mapping the scattering direction
// of reciprocal point (x,y,z) at wavenumber k onto panel p. ok is false
// when the intersection misses the panel.
func locatePeakOnPanel(x, y, z, k float64, p *geom.Panel) (fs, ss float64, ok bool) {
	tta := math.Atan2(math.Sqrt(x*x+y*y), k+z)
	phi := math.Atan2(y, x)

	m := mat.NewDense(3, 3, []float64{
		p.Cnx, p.FSx, p.SSx,
		p.Cny, p.FSy, p.SSy,
		p.Clen * p.Res, p.FSz, p.SSz,
	})
	t := mat.NewVecDense(3, []float64{
		math.Sin(tta) * math.Cos(phi),
		math.Sin(tta) * math.Sin(phi),
		math.Cos(tta),
	})

	var v mat.VecDense
	if err := v.SolveVec(m, t); err != nil {
		return math.NaN(), math.NaN(), false
	}

	oneOverMu := v.AtVec(0)
	if oneOverMu == 0 {
		return math.NaN(), math.NaN(), false
	}
	fs = v.AtVec(1) / oneOverMu
	ss = v.AtVec(2) / oneOverMu

	return fs, ss, p.InPanel(fs, ss)
}

// locatePeak finds the first panel intersected by the reflection.
func locatePeak(x, y, z, k float64, det *geom.Detector) (fs, ss float64, panel int) {
	for i := range det.Panels {
		if pfs, pss, ok := locatePeakOnPanel(x, y, z, k, &det.Panels[i]); ok {
			return pfs, pss, i
		}
	}
	return -1, -1, -1
}

// safeKhalf returns the wavenumber of the Ewald sphere through the
// reciprocal point; NaN behind the detector plane.
func safeKhalf(xl, yl, zl float64) float64 {
	if zl > 0 {
		return math.NaN()
	}
	return -(xl*xl + yl*yl + zl*zl) / (2.0 * zl)
}

// meanVariance folds one weighted observation into running statistics.
func meanVariance(x, w float64, sumW, mean, m2 *float64) {
	if w <= 0 {
		return
	}
	temp := w + *sumW
	delta := x - *mean
	r := delta * w / temp
	*mean += r
	*m2 += *sumW * delta * r
	*sumW = temp
}

// checkReflection evaluates one candidate lattice point against the Ewald
// sphere, integrating the overlap over the beam spectrum. It returns nil
// when the partiality is negligible or the reflection misses the detector.
func checkReflection(img *image.Image, cr *crystal.Crystal,
	h, k, l int, xl, yl, zl float64) *crystal.Reflection {

	if h == 0 && k == 0 && l == 0 {
		return nil
	}

	r := math.Abs(cr.ProfileRadius) + cr.Mosaicity*math.Sqrt(xl*xl+yl*yl+zl*zl)
	gaussians := img.Spectrum.Gaussians
	if len(gaussians) == 0 {
		return nil
	}

	var partiality, meanKpred, m2Kpred float64
	var sumWk, meanK, m2K float64

	for _, g := range gaussians {
		// Project the lattice point onto this Gaussian's Ewald sphere
		x, y, z := xl, yl, zl+g.Kcen
		norm := 1.0 / math.Sqrt(x*x+y*y+z*z)
		x *= norm
		y *= norm
		z *= norm

		sigmaProj := (1 - z) * g.Sigma

		meanVariance(g.Kcen, g.Area, &sumWk, &meanK, &m2K)
		m2K += g.Area * g.Sigma * g.Sigma

		w0 := 1.0 / (r * r)
		w1 := 1.0 / (sigmaProj * sigmaProj)

		x *= g.Kcen
		y *= g.Kcen
		z *= g.Kcen
		z -= g.Kcen

		var kpred, exerr2 float64
		switch {
		case w0/w1 <= 1e-300:
			// Laue corner case: beam much wider than the profile
			kpred = g.Kcen
			d := g.Kcen - safeKhalf(xl, yl, zl)
			exerr2 = d * d
		case w1/w0 <= 1e-300:
			// Monochromatic corner case
			kpred = safeKhalf(xl, yl, zl)
			d := g.Kcen - kpred
			exerr2 = d * d
		default:
			zlp0 := zl
			if zl > 0 {
				zlp0 = 0
			}
			exerr2 = (x-xl)*(x-xl) + (y-yl)*(y-yl) + (z-zl)*(z-zl)
			wx := (xl*w0 + x*w1) / (w0 + w1)
			wy := (yl*w0 + y*w1) / (w0 + w1)
			wz := (zlp0*w0 + z*w1) / (w0 + w1)
			kpred = safeKhalf(wx, wy, wz)
		}

		sigma2 := r*r + sigmaProj*sigmaProj
		exponent := -0.5 * exerr2 / sigma2
		overlap := 0.0
		if exponent > -700.0 {
			overlap = math.Exp(exponent) * math.Sqrt(2*math.Pi*r*r) /
				math.Sqrt(2*math.Pi*sigma2)
		}

		meanVariance(kpred, g.Area*overlap, &partiality, &meanKpred, &m2Kpred)
	}

	if sumWk <= 0 || math.IsNaN(meanKpred) || math.IsNaN(partiality) {
		return nil
	}

	// Unwind the Lorentz factor folded into the overlap integral
	partiality *= math.Sqrt((r*r + m2K/sumWk) / (r * r))

	if partiality < minPartiality {
		return nil
	}

	// Excitation error relative to the nominal Ewald sphere
	knom := 1.0 / img.Lambda
	dcs := math.Sqrt(xl*xl + yl*yl + (zl+knom)*(zl+knom))
	exerr := knom - dcs

	fs, ss, panel := locatePeak(xl, yl, zl, meanKpred, img.Det)
	if panel < 0 {
		return nil
	}

	return &crystal.Reflection{
		H: h, K: k, L: l,
		FS: fs, SS: ss, Panel: panel,
		ExcitationError: exerr,
		Kpred:           meanKpred,
		Khalf:           safeKhalf(xl, yl, zl),
		Lorentz:         1.0,
		Partiality:      clampPartiality(partiality),
		SymH:            h, SymK: k, SymL: l,
		Redundancy:      1,
	}
}

func clampPartiality(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// PredictToRes replaces cr's reflection list with every reflection out to
// maxRes (inverse metres) that intersects the Ewald sphere closely enough
// to be observable.
func PredictToRes(cr *crystal.Crystal, img *image.Image, maxRes float64) error {
	c := cr.Cell
	if c == nil {
		return errors.WrapInvalid(errors.ErrCellNotSensible, "predict",
			"PredictToRes", "crystal has no cell")
	}
	if !c.Sensible() {
		return errors.WrapInvalid(errors.ErrCellNotSensible, "predict",
			"PredictToRes", "cell angle check")
	}
	if img.Lambda <= 0 {
		return errors.WrapInvalid(errors.ErrNonPositiveLambda, "predict",
			"PredictToRes", "image wavelength")
	}
	if img.Spectrum == nil {
		return errors.WrapInvalid(errors.ErrCorruptPayload, "predict",
			"PredictToRes", "image has no spectrum")
	}

	mres := img.Det.MaxQ(img.Lambda)
	if mres > maxRes {
		mres = maxRes
	}

	hmax := int(mres * c.A.Norm())
	kmax := int(mres * c.B.Norm())
	lmax := int(mres * c.C.Norm())
	if hmax > maxOrder {
		hmax = maxOrder
	}
	if kmax > maxOrder {
		kmax = maxOrder
	}
	if lmax > maxOrder {
		lmax = maxOrder
	}

	as, bs, cs, err := c.Reciprocal()
	if err != nil {
		return err
	}

	var list crystal.RefList
	for h := -hmax; h <= hmax; h++ {
		for k := -kmax; k <= kmax; k++ {
			for l := -lmax; l <= lmax; l++ {
				if c.Forbidden(h, k, l) {
					continue
				}
				if 2.0*c.Resolution(h, k, l) > maxRes {
					continue
				}

				xl := float64(h)*as.X + float64(k)*bs.X + float64(l)*cs.X
				yl := float64(h)*as.Y + float64(k)*bs.Y + float64(l)*cs.Y
				zl := float64(h)*as.Z + float64(k)*bs.Z + float64(l)*cs.Z

				if refl := checkReflection(img, cr, h, k, l, xl, yl, zl); refl != nil {
					list = append(list, *refl)
				}
			}
		}
	}

	cr.Reflections = list
	return nil
}
