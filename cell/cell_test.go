package cell

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/mat"
)

const angstrom = 1e-10

func deg(d float64) float64 { return d * math.Pi / 180 }

func cubic(t *testing.T, a float64) *Cell {
	t.Helper()
	c, err := NewFromParameters(a*angstrom, a*angstrom, a*angstrom,
		deg(90), deg(90), deg(90))
	require.NoError(t, err)
	c.Lattice = Cubic
	return c
}

func TestParametersRoundTrip(t *testing.T) {
	c, err := NewFromParameters(50*angstrom, 60*angstrom, 70*angstrom,
		deg(80), deg(95), deg(102))
	require.NoError(t, err)

	a, b, cc, al, be, ga := c.Parameters()
	assert.InEpsilon(t, 50*angstrom, a, 1e-9)
	assert.InEpsilon(t, 60*angstrom, b, 1e-9)
	assert.InEpsilon(t, 70*angstrom, cc, 1e-9)
	assert.InDelta(t, deg(80), al, 1e-9)
	assert.InDelta(t, deg(95), be, 1e-9)
	assert.InDelta(t, deg(102), ga, 1e-9)
}

func TestReciprocalIsDualBasis(t *testing.T) {
	c, err := NewFromParameters(50*angstrom, 60*angstrom, 70*angstrom,
		deg(80), deg(95), deg(102))
	require.NoError(t, err)

	as, bs, cs, err := c.Reciprocal()
	require.NoError(t, err)

	// a.a* = 1, a.b* = 0 etc
	assert.InDelta(t, 1.0, c.A.Dot(as), 1e-9)
	assert.InDelta(t, 1.0, c.B.Dot(bs), 1e-9)
	assert.InDelta(t, 1.0, c.C.Dot(cs), 1e-9)
	assert.InDelta(t, 0.0, c.A.Dot(bs), 1e-9)
	assert.InDelta(t, 0.0, c.A.Dot(cs), 1e-9)
	assert.InDelta(t, 0.0, c.B.Dot(as), 1e-9)
}

func TestIdentityTransform(t *testing.T) {
	c := cubic(t, 50)
	out, err := c.Transform(Identity())
	require.NoError(t, err)
	assert.Equal(t, c.A, out.A)
	assert.Equal(t, c.B, out.B)
	assert.Equal(t, c.C, out.C)
}

func TestTransformInverseRoundTrip(t *testing.T) {
	c, err := NewFromParameters(50*angstrom, 60*angstrom, 70*angstrom,
		deg(80), deg(95), deg(102))
	require.NoError(t, err)

	m := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		0, 0, 1,
		1, 0, 0,
	})
	fwd, err := c.Transform(m)
	require.NoError(t, err)
	back, err := fwd.TransformInverse(m)
	require.NoError(t, err)

	// Nine Cartesian components match to 1 part in 1e6
	orig := []float64{c.A.X, c.A.Y, c.A.Z, c.B.X, c.B.Y, c.B.Z, c.C.X, c.C.Y, c.C.Z}
	got := []float64{back.A.X, back.A.Y, back.A.Z, back.B.X, back.B.Y, back.B.Z, back.C.X, back.C.Y, back.C.Z}
	for i := range orig {
		if orig[i] == 0 {
			assert.InDelta(t, 0.0, got[i], 1e-16)
		} else {
			assert.InEpsilon(t, orig[i], got[i], 1e-6)
		}
	}
}

func TestSensible(t *testing.T) {
	c := cubic(t, 50)
	assert.True(t, c.Sensible())

	// Coplanar axes fail the Foadi-Evans checks: alpha + beta = gamma
	bad := NewFromDirectAxes(
		Vec3{50 * angstrom, 0, 0},
		Vec3{0, 50 * angstrom, 0},
		Vec3{35 * angstrom, 35 * angstrom, 0},
	)
	assert.False(t, bad.Sensible())
}

func TestRightHanded(t *testing.T) {
	c := cubic(t, 50)
	assert.True(t, c.RightHanded())

	left := NewFromDirectAxes(c.B, c.A, c.C)
	assert.False(t, left.RightHanded())
}

func TestForbidden(t *testing.T) {
	c := cubic(t, 50)

	c.Centering = 'P'
	assert.False(t, c.Forbidden(1, 2, 3))

	c.Centering = 'I'
	assert.False(t, c.Forbidden(1, 1, 2))
	assert.True(t, c.Forbidden(1, 0, 0))

	c.Centering = 'F'
	assert.False(t, c.Forbidden(2, 2, 2))
	assert.True(t, c.Forbidden(1, 2, 3))

	c.Centering = 'C'
	assert.True(t, c.Forbidden(1, 2, 0))
	assert.False(t, c.Forbidden(1, 3, 0))
}

func TestResolutionCubic(t *testing.T) {
	c := cubic(t, 50)
	// For cubic a=50A, 1/d(100) = 1/50A; Resolution returns 1/(2d)
	want := 1.0 / (2 * 50 * angstrom)
	assert.InEpsilon(t, want, c.Resolution(1, 0, 0), 1e-9)

	want = math.Sqrt(3) / (2 * 50 * angstrom)
	assert.InEpsilon(t, want, c.Resolution(1, 1, 1), 1e-9)
}

func TestCompareParameters(t *testing.T) {
	ref := cubic(t, 50)
	tol := DefaultTolerances()

	near, err := NewFromParameters(50.5*angstrom, 49.8*angstrom, 50.2*angstrom,
		deg(90.2), deg(89.9), deg(90.1))
	require.NoError(t, err)
	assert.True(t, near.CompareParameters(ref, tol))

	far, err := NewFromParameters(55*angstrom, 50*angstrom, 50*angstrom,
		deg(90), deg(90), deg(90))
	require.NoError(t, err)
	assert.False(t, far.CompareParameters(ref, tol))

	wrongCen := near.Clone()
	wrongCen.Centering = 'I'
	assert.False(t, wrongCen.CompareParameters(ref, tol))
}

func TestMatchPermutedAxes(t *testing.T) {
	ref, err := NewFromParameters(50*angstrom, 60*angstrom, 70*angstrom,
		deg(90), deg(90), deg(90))
	require.NoError(t, err)
	ref.Lattice = Orthorhombic

	// Candidate with b and c swapped (and one negated to keep handedness)
	cand := NewFromDirectAxes(ref.A, ref.C.Scale(-1), ref.B)
	got := cand.Match(ref, DefaultTolerances(), false)
	require.NotNil(t, got)

	a, b, c, _, _, _ := got.Parameters()
	assert.InEpsilon(t, 50*angstrom, a, 1e-6)
	assert.InEpsilon(t, 60*angstrom, b, 1e-6)
	assert.InEpsilon(t, 70*angstrom, c, 1e-6)
	assert.True(t, got.RightHanded())
}

func TestMatchRejectsUnrelated(t *testing.T) {
	ref := cubic(t, 50)
	cand := cubic(t, 71)
	assert.Nil(t, cand.Match(ref, DefaultTolerances(), false))
}

func TestMatchCombinations(t *testing.T) {
	ref := cubic(t, 50)

	// A cell described by a+b, b, c has the right lengths only after
	// taking integer combinations
	skew := NewFromDirectAxes(ref.A.Add(ref.B), ref.B, ref.C)
	assert.Nil(t, skew.Match(ref, DefaultTolerances(), false))

	got := skew.Match(ref, DefaultTolerances(), true)
	require.NotNil(t, got)
	assert.True(t, got.CompareParameters(ref, DefaultTolerances()))
}

func TestVolume(t *testing.T) {
	c := cubic(t, 50)
	want := math.Pow(50*angstrom, 3)
	assert.InEpsilon(t, want, c.Volume(), 1e-9)
}
