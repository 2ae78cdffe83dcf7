// Package cell models crystallographic unit cells: parameter and vector
// representations, Bravais lattice metadata, reciprocal conversion,
// transformation, and comparison against a reference cell.
package cell

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/c360/diffract/errors"
)

// LatticeType enumerates the seven Bravais lattice systems.
type LatticeType int

const (
	Triclinic LatticeType = iota
	Monoclinic
	Orthorhombic
	Tetragonal
	Rhombohedral
	Hexagonal
	Cubic
)

// String returns the conventional lattice system name.
func (lt LatticeType) String() string {
	switch lt {
	case Triclinic:
		return "triclinic"
	case Monoclinic:
		return "monoclinic"
	case Orthorhombic:
		return "orthorhombic"
	case Tetragonal:
		return "tetragonal"
	case Rhombohedral:
		return "rhombohedral"
	case Hexagonal:
		return "hexagonal"
	case Cubic:
		return "cubic"
	default:
		return "unknown"
	}
}

// Vec3 is a lab-frame vector. Direct-space components are in metres,
// reciprocal-space components in inverse metres.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Scale returns s*v.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{s * v.X, s * v.Y, s * v.Z} }

// Dot returns the scalar product.
func (v Vec3) Dot(w Vec3) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Cross returns the vector product.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v.Y*w.Z - v.Z*w.Y,
		v.Z*w.X - v.X*w.Z,
		v.X*w.Y - v.Y*w.X,
	}
}

// Norm returns the Euclidean length.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// AngleBetween returns the angle between v and w in radians.
func AngleBetween(v, w Vec3) float64 {
	cos := v.Dot(w) / (v.Norm() * w.Norm())
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return math.Acos(cos)
}

// Cell is a crystallographic unit cell. The canonical representation is the
// three real-space axis vectors in the lab frame; parameter form
// (a,b,c,alpha,beta,gamma) is derived on demand. Centering and lattice type
// travel with the cell through transformations.
type Cell struct {
	A, B, C Vec3

	Lattice    LatticeType
	Centering  byte // P, A, B, C, I, F, R, H
	UniqueAxis byte // a, b, c or '*' when not applicable
}

// NewFromParameters builds a cell from crystallographic parameters. Lengths
// are in metres, angles in radians. The convention follows the standard
// crystallographic setting: +a along +x, b in the xy plane.
func NewFromParameters(a, b, c, alpha, beta, gamma float64) (*Cell, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return nil, errors.WrapInvalid(errors.ErrCellNotSensible, "cell",
			"NewFromParameters", "non-positive axis length")
	}

	tmp := math.Cos(alpha)*math.Cos(alpha) +
		math.Cos(beta)*math.Cos(beta) +
		math.Cos(gamma)*math.Cos(gamma) -
		2.0*math.Cos(alpha)*math.Cos(beta)*math.Cos(gamma)
	if tmp >= 1.0 {
		return nil, errors.WrapInvalid(errors.ErrCellNotSensible, "cell",
			"NewFromParameters", "angles close up the cell")
	}
	vol := a * b * c * math.Sqrt(1.0-tmp)

	cosAlphaStar := (math.Cos(beta)*math.Cos(gamma) - math.Cos(alpha)) /
		(math.Sin(beta) * math.Sin(gamma))
	cStar := (a * b * math.Sin(gamma)) / vol

	cl := &Cell{
		A: Vec3{a, 0, 0},
		B: Vec3{b * math.Cos(gamma), b * math.Sin(gamma), 0},
		C: Vec3{
			c * math.Cos(beta),
			-c * math.Sin(beta) * cosAlphaStar,
			1.0 / cStar,
		},
		Centering:  'P',
		UniqueAxis: '*',
	}
	return cl, nil
}

// NewFromDirectAxes builds a cell from three real-space axis vectors.
func NewFromDirectAxes(a, b, c Vec3) *Cell {
	return &Cell{A: a, B: b, C: c, Centering: 'P', UniqueAxis: '*'}
}

// NewFromReciprocalAxes builds a cell whose reciprocal axes are as, bs, cs.
func NewFromReciprocalAxes(as, bs, cs Vec3) (*Cell, error) {
	a, b, c, err := invertAxes(as, bs, cs)
	if err != nil {
		return nil, err
	}
	return &Cell{A: a, B: b, C: c, Centering: 'P', UniqueAxis: '*'}, nil
}

// Clone returns a deep copy.
func (cl *Cell) Clone() *Cell {
	out := *cl
	return &out
}

// Parameters returns (a, b, c, alpha, beta, gamma) with lengths in metres and
// angles in radians.
func (cl *Cell) Parameters() (a, b, c, alpha, beta, gamma float64) {
	a = cl.A.Norm()
	b = cl.B.Norm()
	c = cl.C.Norm()
	alpha = AngleBetween(cl.B, cl.C)
	beta = AngleBetween(cl.A, cl.C)
	gamma = AngleBetween(cl.A, cl.B)
	return
}

// invertAxes computes the dual basis: the inverse transpose of the matrix
// whose columns are the given axes.
func invertAxes(a, b, c Vec3) (Vec3, Vec3, Vec3, error) {
	m := mat.NewDense(3, 3, []float64{
		a.X, b.X, c.X,
		a.Y, b.Y, c.Y,
		a.Z, b.Z, c.Z,
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Vec3{}, Vec3{}, Vec3{}, errors.WrapInvalid(err, "cell",
			"invertAxes", "singular axis matrix")
	}
	// Rows of the inverse are the dual vectors
	ra := Vec3{inv.At(0, 0), inv.At(0, 1), inv.At(0, 2)}
	rb := Vec3{inv.At(1, 0), inv.At(1, 1), inv.At(1, 2)}
	rc := Vec3{inv.At(2, 0), inv.At(2, 1), inv.At(2, 2)}
	return ra, rb, rc, nil
}

// Reciprocal returns the reciprocal axis vectors a*, b*, c* in inverse
// metres.
func (cl *Cell) Reciprocal() (as, bs, cs Vec3, err error) {
	return invertAxes(cl.A, cl.B, cl.C)
}

// Volume returns the cell volume in cubic metres.
func (cl *Cell) Volume() float64 {
	return cl.A.Cross(cl.B).Dot(cl.C)
}

// Sensible reports whether the cell parameters are physically possible,
// using the angle checks of Foadi and Evans (2011).
func (cl *Cell) Sensible() bool {
	_, _, _, al, be, ga := cl.Parameters()
	if al+be+ga >= 2.0*math.Pi {
		return false
	}
	if al+be-ga >= 2.0*math.Pi {
		return false
	}
	if al-be+ga >= 2.0*math.Pi {
		return false
	}
	if -al+be+ga >= 2.0*math.Pi {
		return false
	}
	if al+be+ga <= 0.0 {
		return false
	}
	if al+be-ga <= 0.0 {
		return false
	}
	if al-be+ga <= 0.0 {
		return false
	}
	if -al+be+ga <= 0.0 {
		return false
	}
	if math.IsNaN(al) || math.IsNaN(be) || math.IsNaN(ga) {
		return false
	}
	return true
}

// RightHanded reports whether the axes form a right-handed set, in both
// direct and reciprocal space.
func (cl *Cell) RightHanded() bool {
	direct := cl.A.Cross(cl.B).Dot(cl.C) > 0

	as, bs, cs, err := cl.Reciprocal()
	if err != nil {
		return false
	}
	reciprocal := as.Cross(bs).Dot(cs) > 0

	return direct && reciprocal
}

// Forbidden reports whether reflection (h,k,l) is extinct under the cell's
// centering.
func (cl *Cell) Forbidden(h, k, l int) bool {
	switch cl.Centering {
	case 'P', 'R':
		return false
	case 'A':
		return (k+l)%2 != 0
	case 'B':
		return (h+l)%2 != 0
	case 'C':
		return (h+k)%2 != 0
	case 'I':
		return (h+k+l)%2 != 0
	case 'F':
		return (h+k)%2 != 0 || (h+l)%2 != 0 || (k+l)%2 != 0
	case 'H':
		// Obverse setting
		return (-h+k+l)%3 != 0
	}
	return false
}

// Resolution returns 1/(2d) for reflection (h,k,l) in inverse metres.
func (cl *Cell) Resolution(h, k, l int) float64 {
	a, b, c, alpha, beta, gamma := cl.Parameters()

	vsq := a * a * b * b * c * c * (1 -
		math.Cos(alpha)*math.Cos(alpha) -
		math.Cos(beta)*math.Cos(beta) -
		math.Cos(gamma)*math.Cos(gamma) +
		2*math.Cos(alpha)*math.Cos(beta)*math.Cos(gamma))

	s11 := b * b * c * c * math.Sin(alpha) * math.Sin(alpha)
	s22 := a * a * c * c * math.Sin(beta) * math.Sin(beta)
	s33 := a * a * b * b * math.Sin(gamma) * math.Sin(gamma)
	s12 := a * b * c * c * (math.Cos(alpha)*math.Cos(beta) - math.Cos(gamma))
	s23 := a * a * b * c * (math.Cos(beta)*math.Cos(gamma) - math.Cos(alpha))
	s13 := a * b * b * c * (math.Cos(gamma)*math.Cos(alpha) - math.Cos(beta))

	fh, fk, fl := float64(h), float64(k), float64(l)
	brackets := s11*fh*fh + s22*fk*fk + s33*fl*fl +
		2*s12*fh*fk + 2*s23*fk*fl + 2*s13*fh*fl

	return math.Sqrt(brackets/vsq) / 2
}

// Finite reports whether every axis component is a finite number.
func (cl *Cell) Finite() bool {
	for _, v := range []Vec3{cl.A, cl.B, cl.C} {
		for _, x := range []float64{v.X, v.Y, v.Z} {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}

// String renders the cell parameters with lengths in Angstrom and angles in
// degrees, for logs and stream output.
func (cl *Cell) String() string {
	a, b, c, al, be, ga := cl.Parameters()
	return fmt.Sprintf("%.5f %.5f %.5f A, %.5f %.5f %.5f deg (%s %c)",
		a*1e10, b*1e10, c*1e10,
		al*180/math.Pi, be*180/math.Pi, ga*180/math.Pi,
		cl.Lattice, cl.Centering)
}
