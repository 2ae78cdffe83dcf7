package peaks

import (
	"github.com/c360/diffract/image"
)

// SearchZaefferer runs the gradient-threshold search of Zaefferer (2000):
// accept pixels whose squared intensity gradient exceeds the configured
// threshold, walk iteratively to the local maximum, then demand local
// signal-to-noise above the SNR threshold.
func SearchZaefferer(img *image.Image, cfg Config) List {
	var out List

	for pi := range img.Panels {
		p := &img.Det.Panels[pi]
		pd := &img.Panels[pi]

		for ss := 1; ss < p.H-1; ss++ {
			for fs := 1; fs < p.W-1; fs++ {
				if pd.Bad[fs+ss*p.W] {
					continue
				}
				v := float64(pd.Data[fs+ss*p.W])
				if v < cfg.Threshold {
					continue
				}

				gfs := float64(pd.Data[fs+1+ss*p.W]) - float64(pd.Data[fs-1+ss*p.W])
				gss := float64(pd.Data[fs+(ss+1)*p.W]) - float64(pd.Data[fs+(ss-1)*p.W])
				sqGrad := gfs*gfs + gss*gss
				if sqGrad < cfg.MinSqGradient {
					continue
				}

				// Walk uphill to the local maximum
				mfs, mss, ok := walkToMaximum(p.W, p.H, pd, fs, ss)
				if !ok {
					continue
				}

				// Many trigger pixels walk to the same maximum
				if tooClose(out, pi, float64(mfs), float64(mss), cfg.RadiusInn) {
					continue
				}

				peakVal := float64(pd.Data[mfs+mss*p.W])
				if !cfg.UseSaturated && peakVal >= img.Saturation(pi, mfs, mss) {
					continue
				}

				st, ok := localRingStats(img, pi,
					float64(mfs), float64(mss),
					cfg.RadiusInn, cfg.RadiusMid, cfg.RadiusOut)
				if !ok {
					continue
				}
				snr := st.snr()
				if snr < cfg.MinSNR {
					continue
				}
				if !cfg.UseSaturated && st.saturated {
					continue
				}

				out = append(out, Peak{
					FS:         st.centroidFS,
					SS:         st.centroidSS,
					Panel:      pi,
					Intensity:  st.signal,
					Background: st.bgMean,
					SNR:        snr,
				})
			}
		}
	}

	return out
}

// tooClose reports whether a peak within dist pixels on the same panel has
// already been recorded.
func tooClose(list List, panel int, fs, ss, dist float64) bool {
	for i := range list {
		if list[i].Panel != panel {
			continue
		}
		dfs := list[i].FS - fs
		dss := list[i].SS - ss
		if dfs*dfs+dss*dss < dist*dist {
			return true
		}
	}
	return false
}

// walkToMaximum follows the steepest ascent from (fs,ss) to a local
// maximum, giving up after a bounded number of steps.
func walkToMaximum(w, h int, pd *image.PanelData, fs, ss int) (int, int, bool) {
	const maxSteps = 100
	for step := 0; step < maxSteps; step++ {
		best := float64(pd.Data[fs+ss*w])
		bfs, bss := fs, ss
		for dss := -1; dss <= 1; dss++ {
			for dfs := -1; dfs <= 1; dfs++ {
				nfs, nss := fs+dfs, ss+dss
				if nfs < 0 || nfs >= w || nss < 0 || nss >= h {
					continue
				}
				if pd.Bad[nfs+nss*w] {
					continue
				}
				if v := float64(pd.Data[nfs+nss*w]); v > best {
					best = v
					bfs, bss = nfs, nss
				}
			}
		}
		if bfs == fs && bss == ss {
			return fs, ss, true
		}
		fs, ss = bfs, bss
	}
	return 0, 0, false
}
