package predict

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

const angstrom = 1e-10

func deg(d float64) float64 { return d * math.Pi / 180 }

func testDetector() *geom.Detector {
	return &geom.Detector{Panels: []geom.Panel{{
		Name: "p0",
		W:    200, H: 200,
		FSx: 1, FSy: 0,
		SSx: 0, SSy: 1,
		Cnx: -100, Cny: -100,
		Clen:         0.08,
		Res:          10000,
		AduPerPhoton: 1,
		MaxADU:       16000,
	}}}
}

func testImage(t *testing.T) *image.Image {
	t.Helper()
	img := image.New(testDetector())
	img.Lambda = 1.3e-10
	img.Spectrum = image.NewMonochromaticSpectrum(img.Lambda, 1e-8)
	img.Serial = 1
	return img
}

func testCrystal(t *testing.T) *crystal.Crystal {
	t.Helper()
	c, err := cell.NewFromParameters(50*angstrom, 50*angstrom, 50*angstrom,
		deg(90), deg(90), deg(90))
	require.NoError(t, err)
	c.Lattice = cell.Cubic
	return crystal.New(c)
}

func TestPredictToRes(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)

	require.NoError(t, PredictToRes(cr, img, 1e10))
	require.NotEmpty(t, cr.Reflections)

	for _, rf := range cr.Reflections {
		// No (0,0,0)
		assert.False(t, rf.H == 0 && rf.K == 0 && rf.L == 0)

		// Predicted positions inside the owning panel
		p := &img.Det.Panels[rf.Panel]
		assert.True(t, p.InPanel(rf.FS, rf.SS),
			"reflection (%d,%d,%d) at (%f,%f) outside panel",
			rf.H, rf.K, rf.L, rf.FS, rf.SS)

		assert.GreaterOrEqual(t, rf.Partiality, 0.0)
		assert.LessOrEqual(t, rf.Partiality, 1.0)
	}
}

func TestPredictSkipsForbidden(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	cr.Cell.Centering = 'I'

	require.NoError(t, PredictToRes(cr, img, 1e10))
	for _, rf := range cr.Reflections {
		assert.Equal(t, 0, (rf.H+rf.K+rf.L)%2,
			"body-centred extinction violated by (%d,%d,%d)", rf.H, rf.K, rf.L)
	}
}

func TestPredictRejectsInsensibleCell(t *testing.T) {
	img := testImage(t)
	bad := crystal.New(cell.NewFromDirectAxes(
		cell.Vec3{X: 50 * angstrom},
		cell.Vec3{Y: 50 * angstrom},
		cell.Vec3{X: 35 * angstrom, Y: 35 * angstrom},
	))
	assert.Error(t, PredictToRes(bad, img, 1e10))
}

func TestPredictRequiresWavelength(t *testing.T) {
	img := testImage(t)
	img.Lambda = 0
	cr := testCrystal(t)
	assert.Error(t, PredictToRes(cr, img, 1e10))
}

func TestUnityPartialities(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	require.NoError(t, PredictToRes(cr, img, 1e10))

	CalculatePartialities(cr, img, ModelUnity)
	for _, rf := range cr.Reflections {
		assert.Equal(t, 1.0, rf.Partiality)
		assert.Equal(t, 1.0, rf.Lorentz)
	}
}

func TestEwaldOffsetPartialities(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	require.NoError(t, PredictToRes(cr, img, 1e10))

	CalculatePartialities(cr, img, ModelEwaldOffset)
	for _, rf := range cr.Reflections {
		assert.Greater(t, rf.Partiality, 0.0)
		assert.LessOrEqual(t, rf.Partiality, 1.0)
	}
}

func TestRandomPartialitiesDeterministic(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	require.NoError(t, PredictToRes(cr, img, 1e10))
	require.NotEmpty(t, cr.Reflections)

	CalculatePartialities(cr, img, ModelRandom)
	first := make([]float64, len(cr.Reflections))
	for i, rf := range cr.Reflections {
		first[i] = rf.Partiality
	}

	CalculatePartialities(cr, img, ModelRandom)
	for i, rf := range cr.Reflections {
		assert.Equal(t, first[i], rf.Partiality)
	}

	// A different serial changes the draw
	img.Serial = 2
	CalculatePartialities(cr, img, ModelRandom)
	changed := false
	for i, rf := range cr.Reflections {
		if rf.Partiality != first[i] {
			changed = true
		}
	}
	assert.True(t, changed)
}

func TestPairPeaks(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	require.NoError(t, PredictToRes(cr, img, 1e10))
	require.NotEmpty(t, cr.Reflections)

	var found peaks.List
	for _, rf := range cr.Reflections {
		found = append(found, peaks.Peak{FS: rf.FS + 0.3, SS: rf.SS - 0.2,
			Panel: rf.Panel, Intensity: 100, SNR: 20})
	}

	pairs := pairPeaks(found, cr.Reflections)
	assert.Len(t, pairs, len(found))

	// A peak far from any prediction stays unpaired
	lone := peaks.List{{FS: 3, SS: 3, Panel: 0}}
	assert.Empty(t, pairPeaks(lone, cr.Reflections))
}

func TestRefineImprovesRotatedCell(t *testing.T) {
	img := testImage(t)
	truth := testCrystal(t)
	require.NoError(t, PredictToRes(truth, img, 1e10))
	require.NotEmpty(t, truth.Reflections)

	// Observed peaks exactly at the true predicted positions
	var found peaks.List
	for _, rf := range truth.Reflections {
		found = append(found, peaks.Peak{FS: rf.FS, SS: rf.SS,
			Panel: rf.Panel, Intensity: 1000, SNR: 30})
	}

	// Start from a slightly misrotated cell
	rot := truth.Cell.Rotate(deg(0.1), deg(-0.08))
	cr := crystal.New(rot)
	require.NoError(t, PredictToRes(cr, img, 1e10))

	before := positionResidual(pairPeaks(found, cr.Reflections), cr.Cell, img)
	require.False(t, math.IsInf(before, 1))

	err := Refine(cr, img, found, RefineOptions{MaxRes: 1e10})
	require.NoError(t, err)

	after := positionResidual(pairPeaks(found, cr.Reflections), cr.Cell, img)
	assert.Less(t, after, before)
	assert.True(t, cr.Cell.Sensible())
	assert.True(t, cr.Cell.RightHanded())
}

func TestRefineRadius(t *testing.T) {
	img := testImage(t)
	cr := testCrystal(t)
	require.NoError(t, PredictToRes(cr, img, 1e10))

	var found peaks.List
	for _, rf := range cr.Reflections {
		found = append(found, peaks.Peak{FS: rf.FS, SS: rf.SS, Panel: rf.Panel})
	}
	if len(found) < 3 {
		t.Skip("too few predictions on the test detector")
	}

	require.NoError(t, RefineRadius(cr, img, found, 1e10))
	assert.Greater(t, cr.ProfileRadius, 0.0)
	assert.LessOrEqual(t, cr.ProfileRadius, maxProfileRadius)
}
