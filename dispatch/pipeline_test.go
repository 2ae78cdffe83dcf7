package dispatch

import (
	"bytes"
	"context"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/indexer"
	"github.com/c360/diffract/peaks"
	"github.com/c360/diffract/predict"
	"github.com/c360/diffract/source"
	"github.com/c360/diffract/stream"
)

func bigDetector() *geom.Detector {
	return &geom.Detector{Panels: []geom.Panel{{
		Name: "p0",
		W:    200, H: 200,
		FSx: 1, FSy: 0,
		SSx: 0, SSy: 1,
		Cnx: -100, Cny: -100,
		Clen: 0.08, Res: 10000,
		AduPerPhoton: 1, MaxADU: 16000,
	}}}
}

const spotIntensity = 9000.0

// perfectPayload synthesizes an image whose spots sit exactly at the
// predicted positions of the given cell, returning the frame and the
// number of spots painted.
func perfectPayload(t *testing.T, det *geom.Detector, c *cell.Cell) ([]byte, int) {
	t.Helper()

	img := image.New(det)
	img.Lambda = 1.3e-10
	img.Spectrum = image.NewMonochromaticSpectrum(img.Lambda, 1e-8)
	cr := crystal.New(c.Clone())
	require.NoError(t, predict.PredictToRes(cr, img, 1e10))
	require.NotEmpty(t, cr.Reflections)

	w := det.Panels[0].W
	pixels := make([]float32, w*det.Panels[0].H)
	for i := range pixels {
		pixels[i] = float32(10 + i%7) // deterministic ripple for SNR
	}
	painted := 0
	for _, rf := range cr.Reflections {
		fs, ss := int(math.Round(rf.FS)), int(math.Round(rf.SS))
		if fs < 10 || fs > w-10 || ss < 10 || ss > det.Panels[0].H-10 {
			continue
		}
		for dss := -1; dss <= 1; dss++ {
			for dfs := -1; dfs <= 1; dfs++ {
				pixels[(fs+dfs)+(ss+dss)*w] += float32(spotIntensity / 9)
			}
		}
		painted++
	}
	require.Greater(t, painted, 10)

	frame := source.MarshalPayload(&source.PayloadImage{
		EventID:   "perfect-1",
		Lambda:    1.3e-10,
		Metadata:  map[string]string{"run": "7"},
		PanelData: [][]float32{pixels},
	})
	return frame, painted
}

func TestPipelineSinglePerfectImage(t *testing.T) {
	det := bigDetector()
	ref, err := cell.NewFromParameters(50e-10, 50e-10, 50e-10,
		math.Pi/2, math.Pi/2, math.Pi/2)
	require.NoError(t, err)
	ref.Lattice = cell.Cubic

	frame, _ := perfectPayload(t, det, ref)

	backend := &indexer.FuncBackend{
		BackendName: "static",
		Prior:       indexer.PriorCell,
		Fn: func(context.Context, *image.Image, peaks.List) ([]*cell.Cell, error) {
			return []*cell.Cell{ref.Clone()}, nil
		},
	}

	loader := source.PayloadLoader{}
	opts := testOptions(1, loader)
	opts.Pipeline.Detector = det
	opts.Pipeline.MinPeaks = 10
	opts.Pipeline.PeakConfig.Threshold = 100
	opts.Pipeline.PeakConfig.MinSqGradient = 100
	opts.Pipeline.Indexing.Backends = []indexer.Backend{backend}
	opts.Pipeline.Indexing.RefCell = ref
	opts.Pipeline.Indexing.Refine = false
	opts.Pipeline.Indexing.MinPeakFrac = 0.5
	opts.Pipeline.FixProfileRadius = 0.02e9
	opts.Pipeline.CopyFields = []string{"run"}

	src := &memSource{items: []source.Item{{Filename: "mem", Payload: frame}}}

	d, buf, err := runDispatcher(t, opts, src)
	require.NoError(t, err)

	r := stream.NewReader(bytes.NewReader(buf.Bytes()))
	rec, err := r.ReadRecord()
	require.NoError(t, err)
	_, eof := r.ReadRecord()
	assert.Equal(t, io.EOF, eof)

	assert.Equal(t, uint64(1), rec.Serial)
	assert.Equal(t, "static", rec.IndexedBy)
	assert.Equal(t, "7", rec.Metadata["run"])
	assert.Greater(t, rec.NumPeaks, 10)
	require.Len(t, rec.Crystals, 1)

	// Cell parameters within 0.1% of 50 Angstrom
	a, b, c, _, _, _ := rec.Crystals[0].Cell.Parameters()
	assert.InEpsilon(t, 50e-10, a, 1e-3)
	assert.InEpsilon(t, 50e-10, b, 1e-3)
	assert.InEpsilon(t, 50e-10, c, 1e-3)

	// Integrated intensities close to the injected value
	require.NotEmpty(t, rec.Crystals[0].Reflections)
	near := 0
	for _, rf := range rec.Crystals[0].Reflections {
		if math.Abs(rf.Intensity-spotIntensity) < 500 {
			near++
		}
	}
	assert.Greater(t, near, len(rec.Crystals[0].Reflections)/2,
		"most reflections should recover the injected intensity")

	processed, hits, hadCrystals, crystals, _ := d.Shared().Totals()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, hadCrystals)
	assert.Equal(t, 1, crystals)
}

func TestPipelineNonHitChunk(t *testing.T) {
	det := bigDetector()

	// Blank image: no peaks at all
	pixels := make([]float32, det.Panels[0].W*det.Panels[0].H)
	frame := source.MarshalPayload(&source.PayloadImage{
		EventID:   "blank-1",
		Lambda:    1.3e-10,
		PanelData: [][]float32{pixels},
	})

	opts := testOptions(1, source.PayloadLoader{})
	opts.Pipeline.Detector = det
	opts.Pipeline.MinPeaks = 10

	src := &memSource{items: []source.Item{{Filename: "mem", Payload: frame}}}
	_, buf, err := runDispatcher(t, opts, src)
	require.NoError(t, err)

	r := stream.NewReader(bytes.NewReader(buf.Bytes()))
	rec, err := r.ReadRecord()
	require.NoError(t, err)

	assert.Empty(t, rec.IndexedBy) // indexed_by = none on the wire
	assert.Empty(t, rec.Crystals)
	assert.Equal(t, 0, rec.NumPeaks)

	raw := buf.String()
	assert.Contains(t, raw, "indexed_by = none")
}

func TestPipelinePayloadPeakMethod(t *testing.T) {
	det := bigDetector()

	pixels := make([]float32, det.Panels[0].W*det.Panels[0].H)
	for i := range pixels {
		pixels[i] = float32(10 + i%7)
	}
	// One real spot plus a prepared table naming it
	w := det.Panels[0].W
	for dss := -1; dss <= 1; dss++ {
		for dfs := -1; dfs <= 1; dfs++ {
			pixels[(60+dfs)+(80+dss)*w] += 1000
		}
	}
	frame := source.MarshalPayload(&source.PayloadImage{
		EventID: "tbl-1",
		Lambda:  1.3e-10,
		Peaks: []peaks.TableEntry{
			{FS: 60, SS: 80, Panel: 0, Intensity: 9000},
			{FS: 120, SS: 30, Panel: 0, Intensity: 50}, // nothing there
		},
		PanelData: [][]float32{pixels},
	})

	opts := testOptions(1, source.PayloadLoader{})
	opts.Pipeline.Detector = det
	opts.Pipeline.PeakMethod = peaks.MethodPayload
	opts.Pipeline.PeakConfig.HalfPixelShift = false
	opts.Pipeline.MinPeaks = 1

	src := &memSource{items: []source.Item{{Filename: "mem", Payload: frame}}}
	_, buf, err := runDispatcher(t, opts, src)
	require.NoError(t, err)

	r := stream.NewReader(bytes.NewReader(buf.Bytes()))
	rec, err := r.ReadRecord()
	require.NoError(t, err)

	// Revalidation keeps the real spot and drops the empty entry
	require.Len(t, rec.Peaks, 1)
	assert.InDelta(t, 60.0, rec.Peaks[0].FS, 1.0)
}
