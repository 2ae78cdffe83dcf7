package image

import (
	"sort"
)

// MedianFilter subtracts a median-filtered background from every panel.
// The box side is 2n+1 pixels; n <= 0 is a no-op. Bad pixels do not
// contribute to the median but are still assigned a value.
func (img *Image) MedianFilter(n int) {
	if n <= 0 {
		return
	}
	for i := range img.Panels {
		p := &img.Det.Panels[i]
		pd := &img.Panels[i]
		med := make([]float32, len(pd.Data))
		window := make([]float64, 0, (2*n+1)*(2*n+1))
		for ss := 0; ss < p.H; ss++ {
			for fs := 0; fs < p.W; fs++ {
				window = window[:0]
				for dss := -n; dss <= n; dss++ {
					for dfs := -n; dfs <= n; dfs++ {
						f, s := fs+dfs, ss+dss
						if f < 0 || f >= p.W || s < 0 || s >= p.H {
							continue
						}
						if pd.Bad[f+s*p.W] {
							continue
						}
						window = append(window, float64(pd.Data[f+s*p.W]))
					}
				}
				if len(window) == 0 {
					continue
				}
				sort.Float64s(window)
				med[fs+ss*p.W] = float32(window[len(window)/2])
			}
		}
		for j := range pd.Data {
			pd.Data[j] -= med[j]
		}
	}
}

// NoiseFilter zeroes every 3x3 block that contains any negative pixel.
// A pixel survives only if it and all eight neighbours are non-negative.
func (img *Image) NoiseFilter() {
	for i := range img.Panels {
		p := &img.Det.Panels[i]
		pd := &img.Panels[i]
		out := make([]float32, len(pd.Data))
		for ss := 0; ss < p.H; ss++ {
			for fs := 0; fs < p.W; fs++ {
				keep := true
				for dss := -1; dss <= 1 && keep; dss++ {
					for dfs := -1; dfs <= 1; dfs++ {
						f, s := fs+dfs, ss+dss
						if f < 0 || f >= p.W || s < 0 || s >= p.H {
							continue
						}
						if pd.Data[f+s*p.W] < 0 {
							keep = false
							break
						}
					}
				}
				if keep {
					out[fs+ss*p.W] = pd.Data[fs+ss*p.W]
				}
			}
		}
		copy(pd.Data, out)
	}
}

// MarkResolutionRange marks as bad every pixel whose reciprocal-space
// radius falls outside [minQ, maxQ] (inverse metres). Used to impose the
// high-resolution cutoff before peak search.
func (img *Image) MarkResolutionRange(minQ, maxQ float64) {
	if img.Lambda <= 0 {
		return
	}
	for i := range img.Panels {
		p := &img.Det.Panels[i]
		pd := &img.Panels[i]
		for ss := 0; ss < p.H; ss++ {
			for fs := 0; fs < p.W; fs++ {
				_, q := p.TwoThetaQ(float64(fs), float64(ss), img.Lambda)
				if q < minQ || q > maxQ {
					pd.Bad[fs+ss*p.W] = true
				}
			}
		}
	}
}
