package indexer

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
	"github.com/c360/diffract/predict"
)

const angstrom = 1e-10

func testImage(t *testing.T) *image.Image {
	t.Helper()
	det := &geom.Detector{Panels: []geom.Panel{{
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
	img := image.New(det)
	img.Lambda = 1.3e-10
	img.Spectrum = image.NewMonochromaticSpectrum(img.Lambda, 1e-8)
	return img
}

func cubicCell(t *testing.T, a float64) *cell.Cell {
	t.Helper()
	c, err := cell.NewFromParameters(a*angstrom, a*angstrom, a*angstrom,
		math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	c.Lattice = cell.Cubic
	return c
}

// peaksFor synthesizes a peak exactly at every predicted position of c.
func peaksFor(t *testing.T, img *image.Image, c *cell.Cell) peaks.List {
	t.Helper()
	cr := crystal.New(c.Clone())
	require.NoError(t, predict.PredictToRes(cr, img, 1e10))
	require.NotEmpty(t, cr.Reflections)

	var out peaks.List
	for _, rf := range cr.Reflections {
		out = append(out, peaks.Peak{FS: rf.FS, SS: rf.SS, Panel: rf.Panel,
			Intensity: 5000, SNR: 25})
	}
	return out
}

func staticBackend(name string, cells ...*cell.Cell) *FuncBackend {
	return &FuncBackend{
		BackendName: name,
		Prior:       PriorCell,
		Fn: func(context.Context, *image.Image, peaks.List) ([]*cell.Cell, error) {
			return cells, nil
		},
	}
}

func testOptions(ref *cell.Cell, backends ...Backend) Options {
	opts := DefaultOptions()
	opts.Backends = backends
	opts.RefCell = ref
	opts.Refine = false
	opts.MaxRes = 1e10
	return opts
}

func logger() *slog.Logger { return slog.Default() }

func TestDriverAcceptsMatchingCell(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	found := peaksFor(t, img, ref)

	d, err := NewDriver(testOptions(ref, staticBackend("static", cubicCell(t, 50))), logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, by := d.Index(context.Background(), img, found)
	require.Len(t, crystals, 1)
	assert.Equal(t, "static", by)
	assert.True(t, crystals[0].Cell.CompareParameters(ref, cell.DefaultTolerances()))
	assert.NotEmpty(t, crystals[0].Reflections)
}

func TestDriverRejectsWrongCell(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	found := peaksFor(t, img, ref)

	d, err := NewDriver(testOptions(ref, staticBackend("static", cubicCell(t, 71))), logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, by := d.Index(context.Background(), img, found)
	assert.Empty(t, crystals)
	assert.Empty(t, by)
}

func TestDriverTriesBackendsInOrder(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	found := peaksFor(t, img, ref)

	failing := &FuncBackend{
		BackendName: "broken",
		Fn: func(context.Context, *image.Image, peaks.List) ([]*cell.Cell, error) {
			return nil, context.DeadlineExceeded
		},
	}
	working := staticBackend("working", cubicCell(t, 50))

	d, err := NewDriver(testOptions(ref, failing, working), logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, by := d.Index(context.Background(), img, found)
	require.Len(t, crystals, 1)
	assert.Equal(t, "working", by)
}

func TestDriverCheckPeaksRejectsMisaligned(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)

	// Peaks nowhere near any prediction
	var junk peaks.List
	for i := 0; i < 30; i++ {
		junk = append(junk, peaks.Peak{
			FS: float64(13 + (i*11)%170), SS: float64(7 + (i*31)%170),
			Panel: 0, SNR: 10,
		})
	}

	opts := testOptions(ref, staticBackend("static", cubicCell(t, 50)))
	opts.Retry = false
	opts.MinPeakFrac = 0.9

	d, err := NewDriver(opts, logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, _ := d.Index(context.Background(), img, junk)
	assert.Empty(t, crystals)
}

func TestDriverRetryDeletesWeakPeaks(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	good := peaksFor(t, img, ref)

	// Junk peaks with the lowest SNR poison the first rounds
	withJunk := make(peaks.List, len(good))
	copy(withJunk, good)
	for i := 0; i < 4; i++ {
		withJunk = append(withJunk, peaks.Peak{
			FS: float64(20 + i*13), SS: float64(170 - i*9), Panel: 0, SNR: 0.5,
		})
	}

	calls := 0
	picky := &FuncBackend{
		BackendName: "picky",
		Fn: func(_ context.Context, _ *image.Image, found peaks.List) ([]*cell.Cell, error) {
			calls++
			if len(found) > len(good) {
				return nil, nil // refuses while junk is present
			}
			return []*cell.Cell{cubicCell(t, 50)}, nil
		},
	}

	opts := testOptions(ref, picky)
	opts.Retry = true
	opts.MinPeakFrac = 0.5

	d, err := NewDriver(opts, logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, _ := d.Index(context.Background(), img, withJunk)
	require.NotEmpty(t, crystals)
	assert.Greater(t, calls, 1)
}

func TestDriverNoRetryFailsFast(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	found := peaksFor(t, img, ref)

	calls := 0
	never := &FuncBackend{
		BackendName: "never",
		Fn: func(context.Context, *image.Image, peaks.List) ([]*cell.Cell, error) {
			calls++
			return nil, nil
		},
	}

	opts := testOptions(ref, never)
	opts.Retry = false

	d, err := NewDriver(opts, logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, _ := d.Index(context.Background(), img, found)
	assert.Empty(t, crystals)
	assert.Equal(t, 1, calls)
}

// rotateZ returns the cell rotated about the beam axis.
func rotateZ(c *cell.Cell, angle float64) *cell.Cell {
	rot := func(v cell.Vec3) cell.Vec3 {
		return cell.Vec3{
			X: v.X*math.Cos(angle) - v.Y*math.Sin(angle),
			Y: v.X*math.Sin(angle) + v.Y*math.Cos(angle),
			Z: v.Z,
		}
	}
	out := cell.NewFromDirectAxes(rot(c.A), rot(c.B), rot(c.C))
	out.Lattice = c.Lattice
	out.Centering = c.Centering
	return out
}

func TestDriverMultiLattice(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)

	first := cubicCell(t, 50)
	second := rotateZ(cubicCell(t, 50), 30*math.Pi/180)

	p1 := peaksFor(t, img, first)
	p2 := peaksFor(t, img, second)
	all := append(append(peaks.List{}, p1...), p2...)

	opts := testOptions(ref, staticBackend("static", first, second))
	opts.Multi = true
	opts.MinPeakFrac = 0.3
	opts.Retry = false

	d, err := NewDriver(opts, logger())
	require.NoError(t, err)
	defer d.Close()

	crystals, _ := d.Index(context.Background(), img, all)
	require.Len(t, crystals, 2)

	for _, cr := range crystals {
		assert.True(t, cr.Cell.CompareParameters(ref, cell.DefaultTolerances()))
	}

	// The two lattices together account for nearly every peak
	accounted := 0
	for i := range all {
		for _, cr := range crystals {
			if peakAccounted(&all[i], cr, opts.PeakRadius) {
				accounted++
				break
			}
		}
	}
	frac := float64(accounted) / float64(len(all))
	assert.GreaterOrEqual(t, frac, 0.95)
}

func TestDriverBackendTimeout(t *testing.T) {
	img := testImage(t)
	ref := cubicCell(t, 50)
	found := peaksFor(t, img, ref)

	slow := &FuncBackend{
		BackendName: "slow",
		Fn: func(ctx context.Context, _ *image.Image, _ peaks.List) ([]*cell.Cell, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []*cell.Cell{cubicCell(t, 50)}, nil
			}
		},
	}

	opts := testOptions(ref, slow)
	opts.Retry = false
	opts.BackendTimeout = 20 * time.Millisecond

	d, err := NewDriver(opts, logger())
	require.NoError(t, err)
	defer d.Close()

	start := time.Now()
	crystals, _ := d.Index(context.Background(), img, found)
	assert.Empty(t, crystals)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseCells(t *testing.T) {
	out := []byte("noise line\ncell 5 0 0 0 5 0 0 0 5\n")
	cells, err := parseCells(out)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	a, b, c, _, _, _ := cells[0].Parameters()
	assert.InEpsilon(t, 5e-9, a, 1e-9)
	assert.InEpsilon(t, 5e-9, b, 1e-9)
	assert.InEpsilon(t, 5e-9, c, 1e-9)

	_, err = parseCells([]byte("cell 1 2\n"))
	assert.Error(t, err)
}
