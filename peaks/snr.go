package peaks

import (
	"math"

	"github.com/c360/diffract/image"
)

// ringStats holds local statistics around a candidate position: summed
// signal inside the inner ring, background statistics from the outer
// annulus, and the intensity-weighted centroid of the signal region.
type ringStats struct {
	signal     float64
	bgMean     float64
	bgSigma    float64
	nSignal    int
	nBG        int
	saturated  bool
	centroidFS float64
	centroidSS float64
}

// localRingStats measures the three-ring neighbourhood of (cfs,css) on
// panel pi. Pixels between rInn and rMid are ignored; masked pixels are
// skipped everywhere.
func localRingStats(img *image.Image, pi int, cfs, css, rInn, rMid, rOut float64) (ringStats, bool) {
	p := &img.Det.Panels[pi]
	pd := &img.Panels[pi]

	var st ringStats
	lim := int(math.Ceil(rOut))
	ifs, iss := int(math.Round(cfs)), int(math.Round(css))

	var bgSum, bgSumSq float64
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
			r := math.Hypot(float64(fs)-cfs, float64(ss)-css)
			v := float64(pd.Data[fs+ss*p.W])
			switch {
			case r <= rInn:
				st.signal += v
				st.nSignal++
				if v >= img.Saturation(pi, fs, ss) {
					st.saturated = true
				}
				if v > 0 {
					wSum += v
					wfs += v * float64(fs)
					wss += v * float64(ss)
				}
			case r >= rMid && r <= rOut:
				bgSum += v
				bgSumSq += v * v
				st.nBG++
			}
		}
	}

	if st.nSignal == 0 || st.nBG < 2 {
		return st, false
	}

	st.bgMean = bgSum / float64(st.nBG)
	variance := bgSumSq/float64(st.nBG) - st.bgMean*st.bgMean
	if variance < 0 {
		variance = 0
	}
	st.bgSigma = math.Sqrt(variance)

	// Background-correct the signal sum
	st.signal -= st.bgMean * float64(st.nSignal)

	if wSum > 0 {
		st.centroidFS = wfs / wSum
		st.centroidSS = wss / wSum
	} else {
		st.centroidFS = cfs
		st.centroidSS = css
	}

	return st, true
}

// snr returns the signal-to-noise of ring statistics, zero when the
// background is flat.
func (st ringStats) snr() float64 {
	if st.bgSigma <= 0 || st.nSignal == 0 {
		return 0
	}
	return st.signal / (st.bgSigma * math.Sqrt(float64(st.nSignal)))
}
