package predict

import (
	"math"
	"math/rand"

	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/image"
)

// PartialityModel selects how reflection partialities are computed.
type PartialityModel int

const (
	// ModelUnity sets every partiality and Lorentz factor to one. Used
	// when the spectrum is unknown.
	ModelUnity PartialityModel = iota
	// ModelXSphere treats reciprocal lattice points as spheres of radius
	// r0 + m|q| intersecting an Ewald sphere of finite spectral width.
	ModelXSphere
	// ModelEwaldOffset uses a Gaussian in signed excitation error.
	ModelEwaldOffset
	// ModelRandom assigns deterministic pseudo-random partialities seeded
	// by the image serial and Miller indices; for tests.
	ModelRandom
)

// ParseModel maps a CLI name to a model; ok is false for unknown names.
func ParseModel(s string) (PartialityModel, bool) {
	switch s {
	case "unity":
		return ModelUnity, true
	case "xsphere":
		return ModelXSphere, true
	case "offset":
		return ModelEwaldOffset, true
	case "random":
		return ModelRandom, true
	}
	return 0, false
}

// String returns the CLI name of the model.
func (m PartialityModel) String() string {
	switch m {
	case ModelUnity:
		return "unity"
	case ModelXSphere:
		return "xsphere"
	case ModelEwaldOffset:
		return "offset"
	case ModelRandom:
		return "random"
	default:
		return "unknown"
	}
}

// CalculatePartialities fills in partiality and Lorentz factors for every
// reflection of cr under the chosen model. Forbidden reflections never make
// it into the list, so only the surviving ones are touched.
func CalculatePartialities(cr *crystal.Crystal, img *image.Image, model PartialityModel) {
	switch model {
	case ModelUnity:
		for i := range cr.Reflections {
			cr.Reflections[i].Partiality = 1.0
			cr.Reflections[i].Lorentz = 1.0
		}
	case ModelXSphere:
		// The spectrum overlap integral already ran during prediction;
		// recompute against the current profile radius
		xsphereParts(cr, img)
	case ModelEwaldOffset:
		r := math.Abs(cr.ProfileRadius)
		for i := range cr.Reflections {
			e := cr.Reflections[i].ExcitationError
			cr.Reflections[i].Partiality = math.Exp(-0.5 * (e * e) / (r * r))
			cr.Reflections[i].Lorentz = 1.0
		}
	case ModelRandom:
		for i := range cr.Reflections {
			rf := &cr.Reflections[i]
			rf.Partiality = randomPartiality(rf.SymH, rf.SymK, rf.SymL, img.Serial)
			rf.Lorentz = 1.0
		}
	}
}

// xsphereParts re-evaluates the spectrum overlap for each reflection in
// place, preserving detector positions.
func xsphereParts(cr *crystal.Crystal, img *image.Image) {
	c := cr.Cell
	as, bs, cs, err := c.Reciprocal()
	if err != nil {
		return
	}
	for i := range cr.Reflections {
		rf := &cr.Reflections[i]
		xl := float64(rf.H)*as.X + float64(rf.K)*bs.X + float64(rf.L)*cs.X
		yl := float64(rf.H)*as.Y + float64(rf.K)*bs.Y + float64(rf.L)*cs.Y
		zl := float64(rf.H)*as.Z + float64(rf.K)*bs.Z + float64(rf.L)*cs.Z

		upd := checkReflection(img, cr, rf.H, rf.K, rf.L, xl, yl, zl)
		if upd == nil {
			rf.Partiality = 0
			continue
		}
		rf.Partiality = upd.Partiality
		rf.Kpred = upd.Kpred
		rf.ExcitationError = upd.ExcitationError
		rf.Lorentz = upd.Lorentz
	}
}

// randomPartiality derives a stable value in [0,1) from the serial and the
// Miller indices, so reruns of the same image agree.
func randomPartiality(h, k, l int, serial uint64) float64 {
	seed := int64(serial)
	seed = seed*1000003 + int64(h)
	seed = seed*1000003 + int64(k)
	seed = seed*1000003 + int64(l)
	return rand.New(rand.NewSource(seed)).Float64()
}
