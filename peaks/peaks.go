// Package peaks finds Bragg peaks in diffraction images. It implements the
// gradient search, the two radial/local background peakfinders, and
// prepared-list extraction, all producing the same peak-list shape.
package peaks

import (
	"sort"

	"github.com/c360/diffract/image"
)

// Peak is one found Bragg peak. Coordinates are panel-relative pixel units;
// the half-pixel convention of the source is applied at extraction time.
type Peak struct {
	FS, SS    float64
	Panel     int
	Intensity float64
	Background float64
	SNR       float64
	// Resolution is the reciprocal-space radius 1/d of the peak in
	// inverse metres
	Resolution float64
}

// List is an ordered list of peaks, in detection sequence.
type List []Peak

// Method selects the peak search algorithm.
type Method int

const (
	MethodZaefferer Method = iota
	MethodPeakfinder8
	MethodPeakfinder9
	MethodHDF5
	MethodCXI
	MethodPayload
)

// String returns the CLI name of the method.
func (m Method) String() string {
	switch m {
	case MethodZaefferer:
		return "zaef"
	case MethodPeakfinder8:
		return "peakfinder8"
	case MethodPeakfinder9:
		return "peakfinder9"
	case MethodHDF5:
		return "hdf5"
	case MethodCXI:
		return "cxi"
	case MethodPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// ParseMethod maps a CLI name to a Method; ok is false for unknown names.
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "zaef":
		return MethodZaefferer, true
	case "peakfinder8":
		return MethodPeakfinder8, true
	case "peakfinder9":
		return MethodPeakfinder9, true
	case "hdf5":
		return MethodHDF5, true
	case "cxi":
		return MethodCXI, true
	case "payload":
		return MethodPayload, true
	}
	return 0, false
}

// Config carries the thresholds shared across search methods.
type Config struct {
	Threshold     float64 // ADU threshold (zaef, pf8)
	MinSqGradient float64 // squared gradient threshold (zaef)
	MinSNR        float64

	// Ring radii for local statistics, in pixels
	RadiusInn float64
	RadiusMid float64
	RadiusOut float64

	// Peakfinder8
	MinPixCount   int
	MaxPixCount   int
	LocalBGRadius int
	MinRes        float64 // resolution band, pixels from the beam axis
	MaxRes        float64

	// Peakfinder9
	MinSNRBiggestPix       float64
	MinSNRPeakPix          float64
	MinSig                 float64
	MinPeakOverNeighbour   float64

	UseSaturated   bool
	HalfPixelShift bool
}

// DefaultConfig mirrors the conventional command-line defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:            800,
		MinSqGradient:        100000,
		MinSNR:               5,
		RadiusInn:            4,
		RadiusMid:            5,
		RadiusOut:            7,
		MinPixCount:          2,
		MaxPixCount:          200,
		LocalBGRadius:        3,
		MinRes:               0,
		MaxRes:               1200,
		MinSNRBiggestPix:     7,
		MinSNRPeakPix:        6,
		MinSig:               11,
		MinPeakOverNeighbour: -1e100,
		UseSaturated:         true,
		HalfPixelShift:       true,
	}
}

// EstimateResolution fills each peak's Resolution and returns the highest
// value found, estimating the diffraction limit of the pattern.
func EstimateResolution(img *image.Image, list List) float64 {
	maxQ := 0.0
	for i := range list {
		p := &img.Det.Panels[list[i].Panel]
		_, q := p.TwoThetaQ(list[i].FS, list[i].SS, img.Lambda)
		list[i].Resolution = q
		if q > maxQ {
			maxQ = q
		}
	}
	return maxQ
}

// SortBySNR orders the list by descending signal-to-noise.
func (l List) SortBySNR() {
	sort.SliceStable(l, func(i, j int) bool { return l[i].SNR > l[j].SNR })
}
