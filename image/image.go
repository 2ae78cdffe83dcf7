// Package image holds the in-flight representation of one diffraction
// snapshot: per-panel pixel arrays with bad-pixel and saturation maps, beam
// parameters, and the pre-filter snapshot machinery that keeps integration
// honest about raw pixel values.
package image

import (
	"fmt"

	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/geom"
)

// PanelData is the pixel payload for one panel. Data is indexed
// fs + ss*W, matching the panel's memory layout.
type PanelData struct {
	Data []float32
	Bad  []bool
	Sat  []float32 // per-pixel saturation values; 0 means use panel MaxADU
}

// Image is one snapshot in flight through a worker pipeline. It is owned
// exclusively by that worker from load to stream-write.
type Image struct {
	Filename string
	EventID  string
	Serial   uint64

	Det    *geom.Detector
	Panels []PanelData

	Lambda   float64 // wavelength, metres
	Spectrum *Spectrum

	// Metadata copied from the container, resolved for variable clen and
	// photon energy and echoed into the stream chunk
	Metadata map[string]string

	// PeakResolution is the estimated highest resolution among found
	// peaks, in inverse metres
	PeakResolution float64

	Hit       bool
	IndexedBy string

	snapshot [][]float32
}

// Gaussian is one component of a beam spectrum, in k = 1/lambda.
type Gaussian struct {
	Kcen  float64 // centre, inverse metres
	Sigma float64 // width, inverse metres
	Area  float64 // relative weight
}

// Spectrum is a weighted sum of Gaussians in k.
type Spectrum struct {
	Gaussians []Gaussian
}

// NewMonochromaticSpectrum builds a single-Gaussian spectrum around 1/lambda
// with fractional bandwidth bw.
func NewMonochromaticSpectrum(lambda, bw float64) *Spectrum {
	k := 1.0 / lambda
	return &Spectrum{Gaussians: []Gaussian{{Kcen: k, Sigma: bw * k, Area: 1.0}}}
}

// New allocates an image with zeroed pixel arrays shaped by det.
func New(det *geom.Detector) *Image {
	img := &Image{
		Det:      det,
		Panels:   make([]PanelData, len(det.Panels)),
		Metadata: make(map[string]string),
	}
	for i := range det.Panels {
		n := det.Panels[i].W * det.Panels[i].H
		img.Panels[i] = PanelData{
			Data: make([]float32, n),
			Bad:  make([]bool, n),
			Sat:  make([]float32, n),
		}
		for _, r := range det.Panels[i].BadRegions {
			for ss := r.MinSS; ss < r.MaxSS; ss++ {
				for fs := r.MinFS; fs < r.MaxFS; fs++ {
					img.Panels[i].Bad[fs+ss*det.Panels[i].W] = true
				}
			}
		}
	}
	return img
}

// At returns the pixel value at integer coordinates, or an error for
// out-of-range access.
func (img *Image) At(panel, fs, ss int) (float32, error) {
	if panel < 0 || panel >= len(img.Panels) {
		return 0, errors.WrapInvalid(errors.ErrCorruptPayload, "image", "At",
			fmt.Sprintf("panel %d out of range", panel))
	}
	p := &img.Det.Panels[panel]
	if fs < 0 || fs >= p.W || ss < 0 || ss >= p.H {
		return 0, errors.WrapInvalid(errors.ErrCorruptPayload, "image", "At",
			fmt.Sprintf("pixel (%d,%d) outside panel %q", fs, ss, p.Name))
	}
	return img.Panels[panel].Data[fs+ss*p.W], nil
}

// Saturation returns the saturation threshold for a pixel: the per-pixel
// map where present, the panel MaxADU otherwise.
func (img *Image) Saturation(panel, fs, ss int) float64 {
	p := &img.Det.Panels[panel]
	s := img.Panels[panel].Sat[fs+ss*p.W]
	if s > 0 {
		return float64(s)
	}
	return p.MaxADU
}

// Snapshot copies the pixel arrays aside before destructive filtering.
// Peak search runs on the filtered arrays; integration must see the
// snapshot (restored by Restore).
func (img *Image) Snapshot() {
	img.snapshot = make([][]float32, len(img.Panels))
	for i := range img.Panels {
		img.snapshot[i] = make([]float32, len(img.Panels[i].Data))
		copy(img.snapshot[i], img.Panels[i].Data)
	}
}

// Restore swaps the pre-filter snapshot back into the pixel arrays. It is
// a no-op when no snapshot was taken.
func (img *Image) Restore() {
	if img.snapshot == nil {
		return
	}
	for i := range img.Panels {
		copy(img.Panels[i].Data, img.snapshot[i])
	}
	img.snapshot = nil
}

// HasSnapshot reports whether a pre-filter snapshot is pending restore.
func (img *Image) HasSnapshot() bool { return img.snapshot != nil }
