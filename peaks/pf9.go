package peaks

import (
	"math"
	"sort"

	"github.com/c360/diffract/image"
)

// SearchPeakfinder9 runs the local-background peak search: a pixel
// qualifies when it is the biggest in its neighbourhood, sufficiently far
// above the local background in sigma units, and above each of its immediate
// neighbours outside the accepted peak pixels by the configured margin.
func SearchPeakfinder9(img *image.Image, cfg Config) List {
	var out List
	r := cfg.LocalBGRadius
	if r < 1 {
		r = 1
	}

	for pi := range img.Panels {
		p := &img.Det.Panels[pi]
		pd := &img.Panels[pi]

		for ss := r; ss < p.H-r; ss++ {
			for fs := r; fs < p.W-r; fs++ {
				idx := fs + ss*p.W
				if pd.Bad[idx] {
					continue
				}
				v := float64(pd.Data[idx])

				// "Biggest pixel" test: strictly greater than every
				// neighbour in the box
				biggest := true
				for dss := -r; dss <= r && biggest; dss++ {
					for dfs := -r; dfs <= r; dfs++ {
						if dfs == 0 && dss == 0 {
							continue
						}
						if float64(pd.Data[(fs+dfs)+(ss+dss)*p.W]) >= v {
							biggest = false
							break
						}
					}
				}
				if !biggest {
					continue
				}

				// Background from the border ring of the box
				var bg []float64
				for dss := -r; dss <= r; dss++ {
					for dfs := -r; dfs <= r; dfs++ {
						if abs(dfs) != r && abs(dss) != r {
							continue
						}
						bi := (fs + dfs) + (ss+dss)*p.W
						if pd.Bad[bi] {
							continue
						}
						bg = append(bg, float64(pd.Data[bi]))
					}
				}
				if len(bg) < 3 {
					continue
				}
				sort.Float64s(bg)
				bgMed := bg[len(bg)/2]
				var sum, sumSq float64
				for _, b := range bg {
					sum += b
					sumSq += b * b
				}
				mean := sum / float64(len(bg))
				variance := sumSq/float64(len(bg)) - mean*mean
				if variance < 0 {
					variance = 0
				}
				bgSig := math.Sqrt(variance)
				if bgSig < cfg.MinSig {
					bgSig = cfg.MinSig
				}

				// Biggest-pixel SNR test
				if v-bgMed < cfg.MinSNRBiggestPix*bgSig {
					continue
				}

				// Neighbour-over-threshold: count the connected pixels
				// above the peak-pixel SNR and sum the peak intensity
				var intensity, wfs, wss float64
				nPix := 0
				for dss := -r + 1; dss < r; dss++ {
					for dfs := -r + 1; dfs < r; dfs++ {
						ni := (fs + dfs) + (ss+dss)*p.W
						nv := float64(pd.Data[ni])
						if nv-bgMed < cfg.MinSNRPeakPix*bgSig {
							continue
						}
						intensity += nv - bgMed
						wfs += (nv - bgMed) * float64(fs+dfs)
						wss += (nv - bgMed) * float64(ss+dss)
						nPix++
					}
				}
				if nPix == 0 || intensity <= 0 {
					continue
				}

				// Peak must exceed every immediate neighbour outside the
				// accepted set by the configured margin
				overNeighbours := true
				for dss := -1; dss <= 1; dss++ {
					for dfs := -1; dfs <= 1; dfs++ {
						nv := float64(pd.Data[(fs+dfs)+(ss+dss)*p.W])
						accepted := nv-bgMed >= cfg.MinSNRPeakPix*bgSig
						if !(dfs == 0 && dss == 0) && !accepted && v-nv < cfg.MinPeakOverNeighbour {
							overNeighbours = false
						}
					}
				}
				if !overNeighbours {
					continue
				}

				snr := intensity / (bgSig * math.Sqrt(float64(nPix)))
				if snr < cfg.MinSNR {
					continue
				}
				if !cfg.UseSaturated && v >= img.Saturation(pi, fs, ss) {
					continue
				}

				out = append(out, Peak{
					FS:         wfs / intensity,
					SS:         wss / intensity,
					Panel:      pi,
					Intensity:  intensity,
					Background: bgMed,
					SNR:        snr,
				})
			}
		}
	}

	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
