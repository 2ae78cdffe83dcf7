// Package geom models detector geometry: an ordered list of rigid panels,
// each with an affine mapping from (fs,ss) pixel indices to lab-frame
// positions, bad-pixel and saturation maps, and per-image metadata
// references for variable camera length and photon energy.
package geom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/c360/diffract/errors"
)

// Panel is one rigid detector panel. The fs/ss basis vectors and corner
// position are dimensionless multiples of the pixel pitch in x and y and
// metres in z; Res converts pixel units to metres (pixels per metre).
type Panel struct {
	Name string

	W, H int // pixels

	// Mapping from (fs,ss) to lab frame: x = cnx + fs*fsx + ss*ssx etc,
	// in pixel units for x,y; clen carries the beam-direction offset.
	FSx, FSy, FSz float64
	SSx, SSy, SSz float64
	Cnx, Cny      float64

	Clen     float64 // camera length in metres
	ClenFrom string  // metadata key resolved per image; empty when fixed
	Res      float64 // pixels per metre

	AduPerPhoton float64
	MaxADU       float64 // saturation threshold

	// BadRegions are rectangles in panel coordinates marked unusable
	BadRegions []Rect
}

// Rect is a half-open rectangle in panel pixel coordinates.
type Rect struct {
	MinFS, MinSS int
	MaxFS, MaxSS int
}

// Contains reports whether (fs,ss) lies inside r.
func (r Rect) Contains(fs, ss int) bool {
	return fs >= r.MinFS && fs < r.MaxFS && ss >= r.MinSS && ss < r.MaxSS
}

// Detector is an ordered, immutable sequence of panels plus beam metadata
// references. It is shared read-only between workers after startup.
type Detector struct {
	Panels []Panel

	// PhotonEnergyFrom names the per-image metadata key holding the photon
	// energy in eV; empty when PhotonEnergy is fixed.
	PhotonEnergyFrom string
	PhotonEnergy     float64 // eV
}

// Validate checks the structural invariants: nonzero basis vectors,
// positive dimensions, positive resolution.
func (d *Detector) Validate() error {
	if len(d.Panels) == 0 {
		return errors.WrapInvalid(errors.ErrBadGeometry, "geom", "Validate",
			"no panels")
	}
	for i := range d.Panels {
		p := &d.Panels[i]
		if p.W <= 0 || p.H <= 0 {
			return errors.WrapInvalid(errors.ErrBadGeometry, "geom", "Validate",
				fmt.Sprintf("panel %q has non-positive dimensions", p.Name))
		}
		fs2 := p.FSx*p.FSx + p.FSy*p.FSy + p.FSz*p.FSz
		ss2 := p.SSx*p.SSx + p.SSy*p.SSy + p.SSz*p.SSz
		if fs2 == 0 || ss2 == 0 {
			return errors.WrapInvalid(errors.ErrBadGeometry, "geom", "Validate",
				fmt.Sprintf("panel %q has a zero basis vector", p.Name))
		}
		if p.Res <= 0 {
			return errors.WrapInvalid(errors.ErrBadGeometry, "geom", "Validate",
				fmt.Sprintf("panel %q has non-positive resolution", p.Name))
		}
	}
	return nil
}

// InPanel reports whether floating-point coordinates (fs,ss) fall inside
// panel p. The valid range is [0, w) x [0, h); a peak exactly at (0,0) or
// (w-1,h-1) is inside, (-0.5,-0.5) or (w,h) is not.
func (p *Panel) InPanel(fs, ss float64) bool {
	return fs >= 0 && fs < float64(p.W) && ss >= 0 && ss < float64(p.H)
}

// LabPosition maps panel coordinates to a lab-frame position. x and y come
// back in metres; z is the panel's camera length.
func (p *Panel) LabPosition(fs, ss float64) (x, y, z float64) {
	x = (p.Cnx + fs*p.FSx + ss*p.SSx) / p.Res
	y = (p.Cny + fs*p.FSy + ss*p.SSy) / p.Res
	z = p.Clen + (fs*p.FSz+ss*p.SSz)/p.Res
	return
}

// TwoThetaQ returns the scattering angle and the reciprocal-space radius
// (1/d, in inverse metres) of the pixel at (fs,ss) for wavelength lambda.
func (p *Panel) TwoThetaQ(fs, ss, lambda float64) (twoTheta, q float64) {
	x, y, z := p.LabPosition(fs, ss)
	r := math.Hypot(x, y)
	twoTheta = math.Atan2(r, z)
	q = 2.0 * math.Sin(twoTheta/2.0) / lambda
	return
}

// Digest returns a short content hash of the geometry, recorded in the
// stream header so downstream tools can detect geometry changes.
func (d *Detector) Digest() string {
	h := sha256.New()
	for i := range d.Panels {
		p := &d.Panels[i]
		fmt.Fprintf(h, "%s %d %d %g %g %g %g %g %g %g %g %g %g %g %g\n",
			p.Name, p.W, p.H,
			p.FSx, p.FSy, p.FSz, p.SSx, p.SSy, p.SSz,
			p.Cnx, p.Cny, p.Clen, p.Res, p.AduPerPhoton, p.MaxADU)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// MaxQ returns the largest reciprocal-space radius visible on any panel
// corner for the given wavelength.
func (d *Detector) MaxQ(lambda float64) float64 {
	maxQ := 0.0
	for i := range d.Panels {
		p := &d.Panels[i]
		corners := [4][2]float64{
			{0, 0},
			{float64(p.W - 1), 0},
			{0, float64(p.H - 1)},
			{float64(p.W - 1), float64(p.H - 1)},
		}
		for _, c := range corners {
			_, q := p.TwoThetaQ(c[0], c[1], lambda)
			if q > maxQ {
				maxQ = q
			}
		}
	}
	return maxQ
}
