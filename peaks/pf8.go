package peaks

import (
	"math"
	"sort"

	"github.com/c360/diffract/image"
)

// SearchPeakfinder8 runs the radial-background peak search: per-annulus
// median and sigma form a background model, pixels above both the ADU
// Threshold and median + sigma*MinSNR are clustered by 8-connectivity, and clusters
// are filtered by pixel count, SNR, and a resolution band measured in
// pixels from the beam axis.
func SearchPeakfinder8(img *image.Image, cfg Config) List {
	var out List

	for pi := range img.Panels {
		p := &img.Det.Panels[pi]
		pd := &img.Panels[pi]

		// Radius of each pixel from the beam axis, in pixel units
		radius := make([]float64, len(pd.Data))
		maxR := 0.0
		for ss := 0; ss < p.H; ss++ {
			for fs := 0; fs < p.W; fs++ {
				r := math.Hypot(p.Cnx+float64(fs)*p.FSx+float64(ss)*p.SSx,
					p.Cny+float64(fs)*p.FSy+float64(ss)*p.SSy)
				radius[fs+ss*p.W] = r
				if r > maxR {
					maxR = r
				}
			}
		}

		// Annulus statistics: median and sigma per one-pixel-wide ring
		nBins := int(maxR) + 2
		binVals := make([][]float64, nBins)
		for i, r := range radius {
			if pd.Bad[i] {
				continue
			}
			b := int(r)
			binVals[b] = append(binVals[b], float64(pd.Data[i]))
		}
		median := make([]float64, nBins)
		sigma := make([]float64, nBins)
		for b, vals := range binVals {
			if len(vals) < 2 {
				continue
			}
			sort.Float64s(vals)
			median[b] = vals[len(vals)/2]
			var sum, sumSq float64
			for _, v := range vals {
				sum += v
				sumSq += v * v
			}
			mean := sum / float64(len(vals))
			variance := sumSq/float64(len(vals)) - mean*mean
			if variance < 0 {
				variance = 0
			}
			sigma[b] = math.Sqrt(variance)
		}

		// Threshold mask
		above := make([]bool, len(pd.Data))
		for i := range pd.Data {
			if pd.Bad[i] {
				continue
			}
			b := int(radius[i])
			v := float64(pd.Data[i])
			if v > cfg.Threshold && v > median[b]+sigma[b]*cfg.MinSNR {
				above[i] = true
			}
		}

		// Cluster by 8-connectivity
		visited := make([]bool, len(pd.Data))
		for ss := 0; ss < p.H; ss++ {
			for fs := 0; fs < p.W; fs++ {
				idx := fs + ss*p.W
				if !above[idx] || visited[idx] {
					continue
				}

				cluster := floodFill(p.W, p.H, above, visited, fs, ss)
				if len(cluster) < cfg.MinPixCount || len(cluster) > cfg.MaxPixCount {
					continue
				}

				var sum, wfs, wss float64
				sat := false
				for _, ci := range cluster {
					cfs, css := ci%p.W, ci/p.W
					v := float64(pd.Data[ci])
					bg := median[int(radius[ci])]
					sum += v - bg
					wfs += (v - bg) * float64(cfs)
					wss += (v - bg) * float64(css)
					if v >= img.Saturation(pi, cfs, css) {
						sat = true
					}
				}
				if sum <= 0 {
					continue
				}
				if sat && !cfg.UseSaturated {
					continue
				}

				pfs, pss := wfs/sum, wss/sum
				r := radius[idx]
				if r < cfg.MinRes || r > cfg.MaxRes {
					continue
				}

				b := int(r)
				snr := 0.0
				if sigma[b] > 0 {
					snr = sum / (sigma[b] * math.Sqrt(float64(len(cluster))))
				}
				if snr < cfg.MinSNR {
					continue
				}

				out = append(out, Peak{
					FS:         pfs,
					SS:         pss,
					Panel:      pi,
					Intensity:  sum,
					Background: median[b],
					SNR:        snr,
				})
			}
		}
	}

	return out
}

// floodFill collects the 8-connected cluster containing (fs,ss).
func floodFill(w, h int, mask, visited []bool, fs, ss int) []int {
	var cluster []int
	stack := []int{fs + ss*w}
	visited[fs+ss*w] = true
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cluster = append(cluster, idx)
		cfs, css := idx%w, idx/w
		for dss := -1; dss <= 1; dss++ {
			for dfs := -1; dfs <= 1; dfs++ {
				nfs, nss := cfs+dfs, css+dss
				if nfs < 0 || nfs >= w || nss < 0 || nss >= h {
					continue
				}
				ni := nfs + nss*w
				if mask[ni] && !visited[ni] {
					visited[ni] = true
					stack = append(stack, ni)
				}
			}
		}
	}
	return cluster
}
