// Package integrate measures reflection intensities: three-ring summation
// with a planar local background, optional centre-of-mass recentring,
// saturation policy, and a second-pass empirical profile fit.
package integrate

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/image"
)

// Method selects the integration algorithm.
type Method int

const (
	MethodRings Method = iota
	MethodProf2D
)

// ParseMethod maps a CLI name (with optional -cen/-nocen suffix) to a
// method and recentring flag.
func ParseMethod(s string) (m Method, recentre, ok bool) {
	base := s
	switch {
	case len(s) > 4 && s[len(s)-4:] == "-cen":
		base, recentre = s[:len(s)-4], true
	case len(s) > 6 && s[len(s)-6:] == "-nocen":
		base, recentre = s[:len(s)-6], false
	}
	switch base {
	case "rings":
		return MethodRings, recentre, true
	case "prof2d":
		return MethodProf2D, recentre, true
	}
	return 0, false, false
}

// String returns the CLI name.
func (m Method) String() string {
	switch m {
	case MethodRings:
		return "rings"
	case MethodProf2D:
		return "prof2d"
	default:
		return "unknown"
	}
}

// Config carries integration parameters.
type Config struct {
	Method   Method
	Recentre bool

	// Ring radii in pixels, rInn < rMid < rOut
	RInn, RMid, ROut float64

	// Background fit needs at least this many valid pixels
	MinBGPixels int

	// UseSaturated keeps reflections with saturated pixels in the
	// emitted list; otherwise they are flagged and excluded
	UseSaturated bool

	// PushRes extends integration beyond the estimated resolution limit,
	// in inverse metres
	PushRes float64

	// Overpredict keeps reflections with negligible partiality in the
	// list (for post-refinement merging)
	Overpredict bool
}

// DefaultConfig mirrors the conventional command-line defaults.
func DefaultConfig() Config {
	return Config{
		Method:      MethodRings,
		RInn:        4,
		RMid:        5,
		ROut:        7,
		MinBGPixels: 10,
		UseSaturated: false,
		PushRes:     math.Inf(1),
	}
}

// Valid reports whether the ring radii are ordered.
func (c Config) Valid() bool {
	return c.RInn > 0 && c.RInn < c.RMid && c.RMid < c.ROut
}

// boxResult is the outcome of measuring one reflection's neighbourhood.
type boxResult struct {
	intensity float64
	variance  float64
	bgPlane   [3]float64 // constant, d/dfs, d/dss
	nSaturated int
	ok        bool
}

// measureBox integrates the three-ring neighbourhood of (cfs,css). The
// caller has already verified that the full box lies inside the panel.
func measureBox(img *image.Image, pi int, cfs, css float64, cfg Config) boxResult {
	p := &img.Det.Panels[pi]
	pd := &img.Panels[pi]
	lim := int(math.Ceil(cfg.ROut))
	ifs, iss := int(math.Round(cfs)), int(math.Round(css))

	// Background plane fit: value = a + b*dfs + c*dss over the outer
	// annulus, excluding masked pixels
	var rows [][3]float64
	var vals []float64
	type sigPix struct {
		v        float64
		dfs, dss float64
	}
	var signal []sigPix
	nSat := 0

	for dss := -lim; dss <= lim; dss++ {
		for dfs := -lim; dfs <= lim; dfs++ {
			fs, ss := ifs+dfs, iss+dss
			if pd.Bad[fs+ss*p.W] {
				continue
			}
			r := math.Hypot(float64(fs)-cfs, float64(ss)-css)
			v := float64(pd.Data[fs+ss*p.W])
			switch {
			case r <= cfg.RInn:
				signal = append(signal, sigPix{v, float64(fs) - cfs, float64(ss) - css})
				if v >= img.Saturation(pi, fs, ss) {
					nSat++
				}
			case r >= cfg.RMid && r <= cfg.ROut:
				rows = append(rows, [3]float64{1, float64(fs) - cfs, float64(ss) - css})
				vals = append(vals, v)
			}
		}
	}

	if len(rows) < cfg.MinBGPixels || len(signal) == 0 {
		return boxResult{nSaturated: nSat}
	}

	a := mat.NewDense(len(rows), 3, nil)
	for i, row := range rows {
		a.SetRow(i, row[:])
	}
	b := mat.NewVecDense(len(vals), vals)

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return boxResult{nSaturated: nSat}
	}
	plane := [3]float64{x.AtVec(0), x.AtVec(1), x.AtVec(2)}

	// Residual variance of the background fit
	var ssr float64
	for i, row := range rows {
		pred := plane[0] + plane[1]*row[1] + plane[2]*row[2]
		d := vals[i] - pred
		ssr += d * d
	}
	bgVar := ssr / float64(len(rows))

	var intensity, poisson float64
	for _, sp := range signal {
		bg := plane[0] + plane[1]*sp.dfs + plane[2]*sp.dss
		intensity += sp.v - bg
		if sp.v > 0 {
			poisson += sp.v
		}
	}

	nSig := float64(len(signal))
	nBG := float64(len(rows))
	variance := poisson + bgVar*nSig*nSig/nBG

	return boxResult{
		intensity:  intensity,
		variance:   variance,
		bgPlane:    plane,
		nSaturated: nSat,
		ok:         true,
	}
}

// boxInsidePanel reports whether the full integration box around (cfs,css)
// stays inside the panel. Reflections straddling a panel edge are rejected,
// never truncated.
func boxInsidePanel(w, h int, cfs, css, rOut float64) bool {
	lim := math.Ceil(rOut)
	return cfs-lim >= 0 && cfs+lim < float64(w) &&
		css-lim >= 0 && css+lim < float64(h)
}

// integrateReflection integrates one reflection in place. The pixel data must be
// the pre-filter snapshot.
func integrateReflection(img *image.Image, rf *crystal.Reflection, cfg Config) {
	p := &img.Det.Panels[rf.Panel]
	cfs, css := rf.FS, rf.SS

	if !boxInsidePanel(p.W, p.H, cfs, css, cfg.ROut) {
		rf.NotIntegrable = true
		return
	}

	// Centre-of-mass recentring moves the centre at most one pixel
	if cfg.Recentre {
		if dfs, dss, ok := signalCentroid(img, rf.Panel, cfs, css, cfg.RInn); ok {
			cfs += clamp(dfs, -1, 1)
			css += clamp(dss, -1, 1)
			if !boxInsidePanel(p.W, p.H, cfs, css, cfg.ROut) {
				rf.NotIntegrable = true
				return
			}
		}
	}

	res := measureBox(img, rf.Panel, cfs, css, cfg)
	rf.Saturated = res.nSaturated
	if !res.ok {
		rf.NotIntegrable = true
		return
	}

	rf.Intensity = res.intensity
	rf.Esd = math.Sqrt(math.Max(res.variance, 0))
	if rf.Intensity < -5*rf.Esd {
		rf.Implausible = true
	}
}

// signalCentroid returns the offset of the intensity-weighted centroid of
// the inner disk from (cfs,css).
func signalCentroid(img *image.Image, pi int, cfs, css, rInn float64) (float64, float64, bool) {
	p := &img.Det.Panels[pi]
	pd := &img.Panels[pi]
	lim := int(math.Ceil(rInn))
	ifs, iss := int(math.Round(cfs)), int(math.Round(css))

	var wSum, wfs, wss float64
	for dss := -lim; dss <= lim; dss++ {
		for dfs := -lim; dfs <= lim; dfs++ {
			fs, ss := ifs+dfs, iss+dss
			if fs < 0 || fs >= p.W || ss < 0 || ss >= p.H {
				continue
			}
			if pd.Bad[fs+ss*p.W] {
				continue
			}
			if math.Hypot(float64(fs)-cfs, float64(ss)-css) > rInn {
				continue
			}
			v := float64(pd.Data[fs+ss*p.W])
			if v <= 0 {
				continue
			}
			wSum += v
			wfs += v * (float64(fs) - cfs)
			wss += v * (float64(ss) - css)
		}
	}
	if wSum <= 0 {
		return 0, 0, false
	}
	return wfs / wSum, wss / wSum, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Crystal integrates every predicted reflection of cr against the image,
// applying the saturation policy and, for prof2d, the second profile
// fitting pass. Reflections excluded by policy are removed from the list;
// diagnostic counters survive on the crystal.
func Crystal(img *image.Image, cr *crystal.Crystal, cfg Config) {
	limit := cr.ResolutionLimit + cfg.PushRes
	kept := cr.Reflections[:0]
	var excludedSat int

	for i := range cr.Reflections {
		rf := cr.Reflections[i]

		if !cfg.Overpredict && !math.IsInf(limit, 1) {
			if cr.Cell.Resolution(rf.H, rf.K, rf.L)*2 > limit {
				continue
			}
		}

		integrateReflection(img, &rf, cfg)
		if rf.NotIntegrable {
			continue
		}
		if rf.Saturated > 0 && !cfg.UseSaturated {
			excludedSat++
			continue
		}
		kept = append(kept, rf)
	}
	cr.Reflections = kept
	cr.ExcludedSaturated = excludedSat

	if cfg.Method == MethodProf2D {
		profileFit(img, cr, cfg)
	}
}
