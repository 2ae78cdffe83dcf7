package crystal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/cell"
)

func TestNewDefaults(t *testing.T) {
	c, err := cell.NewFromParameters(50e-10, 50e-10, 50e-10,
		math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)

	cr := New(c)
	assert.Equal(t, 0.02e9, cr.ProfileRadius)
	assert.Equal(t, 0.0, cr.Mosaicity)
	assert.Equal(t, 1.0, cr.Scale)
	assert.Equal(t, FlagOK, cr.Flag)
}

func TestCloneIsIndependent(t *testing.T) {
	c, err := cell.NewFromParameters(50e-10, 50e-10, 50e-10,
		math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)

	cr := New(c)
	cr.Reflections = RefList{{H: 1, Intensity: 10}}

	cp := cr.Clone()
	cp.Reflections[0].Intensity = 99
	cp.Cell.A.X = 0

	assert.Equal(t, 10.0, cr.Reflections[0].Intensity)
	assert.NotEqual(t, 0.0, cr.Cell.A.X)
}

func TestRefListCounters(t *testing.T) {
	l := RefList{
		{H: 1, Saturated: 2},
		{H: 2},
		{H: 3, Implausible: true},
		{H: 4, Saturated: 1, Implausible: true},
	}
	assert.Equal(t, 2, l.NumSaturated())
	assert.Equal(t, 2, l.NumImplausible())
}

func TestUserFlagStrings(t *testing.T) {
	assert.Equal(t, "ok", FlagOK.String())
	assert.Equal(t, "cell-rejected", FlagCellRejected.String())
	assert.Equal(t, "arithmetic", FlagArithmetic.String())
}
