package cell

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/c360/diffract/errors"
)

// Transform applies a 3x3 transformation matrix to the real-space axes.
// Rows of m give the new axes as combinations of the old ones:
//
//	a' = m00*a + m01*b + m02*c, and so on.
//
// Centering and lattice metadata are carried over unchanged; callers that
// transform between centerings must fix them up afterwards.
func (cl *Cell) Transform(m *mat.Dense) (*Cell, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return nil, errors.WrapInvalid(errors.ErrCellNotSensible, "cell",
			"Transform", "matrix must be 3x3")
	}

	axes := mat.NewDense(3, 3, []float64{
		cl.A.X, cl.A.Y, cl.A.Z,
		cl.B.X, cl.B.Y, cl.B.Z,
		cl.C.X, cl.C.Y, cl.C.Z,
	})
	var res mat.Dense
	res.Mul(m, axes)

	out := cl.Clone()
	out.A = Vec3{res.At(0, 0), res.At(0, 1), res.At(0, 2)}
	out.B = Vec3{res.At(1, 0), res.At(1, 1), res.At(1, 2)}
	out.C = Vec3{res.At(2, 0), res.At(2, 1), res.At(2, 2)}
	return out, nil
}

// TransformInverse applies the inverse of m to the real-space axes.
func (cl *Cell) TransformInverse(m *mat.Dense) (*Cell, error) {
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, errors.WrapInvalid(err, "cell", "TransformInverse",
			"singular transformation")
	}
	return cl.Transform(&inv)
}

// Identity returns the identity transformation.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Rotate returns the cell rotated by small angles rx and ry (radians) about
// the lab x and y axes. Used by prediction refinement, where the rotations
// stay well below a degree per step.
func (cl *Cell) Rotate(rx, ry float64) *Cell {
	out := cl.Clone()
	out.A = rotXY(cl.A, rx, ry)
	out.B = rotXY(cl.B, rx, ry)
	out.C = rotXY(cl.C, rx, ry)
	return out
}

func rotXY(v Vec3, rx, ry float64) Vec3 {
	// Rotation about x
	y := v.Y*math.Cos(rx) - v.Z*math.Sin(rx)
	z := v.Y*math.Sin(rx) + v.Z*math.Cos(rx)
	v.Y, v.Z = y, z
	// Rotation about y
	x := v.X*math.Cos(ry) + v.Z*math.Sin(ry)
	z = -v.X*math.Sin(ry) + v.Z*math.Cos(ry)
	v.X, v.Z = x, z
	return v
}
