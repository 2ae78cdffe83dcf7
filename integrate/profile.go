package integrate

import (
	"math"

	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/image"
)

// Profile fitting uses a shared empirical spot shape learned from the
// strong reflections of one crystal, then reports fitted amplitudes
// instead of raw sums. The profile grid spans the inner disk.

const profileStrongSNR = 10.0

// profileFit runs the second integration pass. Reflections too weak to
// contribute to the profile are still fitted against it.
func profileFit(img *image.Image, cr *crystal.Crystal, cfg Config) {
	side := 2*int(math.Ceil(cfg.RInn)) + 1
	prof := make([]float64, side*side)
	var profWeight float64

	// First pass: accumulate the shared profile from strong reflections
	for i := range cr.Reflections {
		rf := &cr.Reflections[i]
		if rf.Esd <= 0 || rf.Intensity/rf.Esd < profileStrongSNR {
			continue
		}
		grid, ok := sampleGrid(img, rf, cfg, side)
		if !ok {
			continue
		}
		var sum float64
		for _, v := range grid {
			if v > 0 {
				sum += v
			}
		}
		if sum <= 0 {
			continue
		}
		for j, v := range grid {
			prof[j] += v / sum
		}
		profWeight++
	}
	if profWeight == 0 {
		return // keep the ring sums
	}
	for j := range prof {
		prof[j] /= profWeight
	}

	var norm float64
	for _, v := range prof {
		norm += v * v
	}
	if norm <= 0 {
		return
	}

	// Second pass: fit the profile amplitude to every reflection
	for i := range cr.Reflections {
		rf := &cr.Reflections[i]
		grid, ok := sampleGrid(img, rf, cfg, side)
		if !ok {
			continue
		}
		var dot float64
		for j, v := range grid {
			dot += prof[j] * v
		}
		amplitude := dot / norm

		// The fitted intensity is the amplitude times the profile sum
		// (which is one by construction)
		rf.Intensity = amplitude
	}
}

// sampleGrid extracts the background-subtracted inner-disk pixels of rf
// onto a side x side grid centred on the predicted position.
func sampleGrid(img *image.Image, rf *crystal.Reflection, cfg Config, side int) ([]float64, bool) {
	p := &img.Det.Panels[rf.Panel]
	pd := &img.Panels[rf.Panel]
	if !boxInsidePanel(p.W, p.H, rf.FS, rf.SS, cfg.ROut) {
		return nil, false
	}

	res := measureBox(img, rf.Panel, rf.FS, rf.SS, cfg)
	if !res.ok {
		return nil, false
	}

	half := side / 2
	ifs, iss := int(math.Round(rf.FS)), int(math.Round(rf.SS))
	grid := make([]float64, side*side)
	for dss := -half; dss <= half; dss++ {
		for dfs := -half; dfs <= half; dfs++ {
			fs, ss := ifs+dfs, iss+dss
			if pd.Bad[fs+ss*p.W] {
				continue
			}
			if math.Hypot(float64(fs)-rf.FS, float64(ss)-rf.SS) > cfg.RInn {
				continue
			}
			bg := res.bgPlane[0] + res.bgPlane[1]*(float64(fs)-rf.FS) +
				res.bgPlane[2]*(float64(ss)-rf.SS)
			grid[(dfs+half)+(dss+half)*side] = float64(pd.Data[fs+ss*p.W]) - bg
		}
	}
	return grid, true
}
