package peaks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
)

func testImage(w, h int) *image.Image {
	det := &geom.Detector{Panels: []geom.Panel{{
		Name: "p0",
		W:    w, H: h,
		FSx: 1, FSy: 0,
		SSx: 0, SSy: 1,
		Cnx: -float64(w) / 2, Cny: -float64(h) / 2,
		Clen:         0.1,
		Res:          10000,
		AduPerPhoton: 1,
		MaxADU:       16000,
	}}}
	img := image.New(det)
	img.Lambda = 1.3e-10
	return img
}

// fillNoise writes a small deterministic ripple so background sigma is
// nonzero without randomness.
func fillNoise(img *image.Image) {
	for i := range img.Panels[0].Data {
		img.Panels[0].Data[i] = float32(10 + i%7)
	}
}

// addSpot paints a square spot of the given amplitude centred at (fs,ss).
func addSpot(img *image.Image, fs, ss int, amp float32) {
	w := img.Det.Panels[0].W
	for dss := -1; dss <= 1; dss++ {
		for dfs := -1; dfs <= 1; dfs++ {
			v := amp
			if dfs != 0 || dss != 0 {
				v = amp / 2
			}
			img.Panels[0].Data[(fs+dfs)+(ss+dss)*w] += v
		}
	}
}

func TestZaeffererFindsSpot(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 30, 40, 5000)

	cfg := DefaultConfig()
	cfg.Threshold = 100
	cfg.MinSqGradient = 100
	cfg.MinSNR = 5

	found := SearchZaefferer(img, cfg)
	require.Len(t, found, 1)
	assert.InDelta(t, 30.0, found[0].FS, 1.0)
	assert.InDelta(t, 40.0, found[0].SS, 1.0)
	assert.Greater(t, found[0].SNR, 5.0)
	assert.Equal(t, 0, found[0].Panel)
}

func TestZaeffererRejectsSaturated(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 30, 40, 20000) // above MaxADU

	cfg := DefaultConfig()
	cfg.Threshold = 100
	cfg.MinSqGradient = 100
	cfg.UseSaturated = false

	assert.Empty(t, SearchZaefferer(img, cfg))

	cfg.UseSaturated = true
	assert.NotEmpty(t, SearchZaefferer(img, cfg))
}

func TestZaeffererIgnoresFlatImage(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	cfg := DefaultConfig()
	cfg.Threshold = 100
	assert.Empty(t, SearchZaefferer(img, cfg))
}

func TestPeakfinder8FindsSpots(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 20, 20, 4000)
	addSpot(img, 45, 50, 4000)

	cfg := DefaultConfig()
	cfg.Threshold = 100
	cfg.MinSNR = 5
	cfg.MinPixCount = 1
	cfg.MaxRes = 1200

	found := SearchPeakfinder8(img, cfg)
	require.Len(t, found, 2)
	for _, pk := range found {
		nearFirst := pk.FS > 18 && pk.FS < 22 && pk.SS > 18 && pk.SS < 22
		nearSecond := pk.FS > 43 && pk.FS < 47 && pk.SS > 48 && pk.SS < 52
		assert.True(t, nearFirst || nearSecond, "peak at unexpected position")
	}
}

func TestPeakfinder8ResolutionBand(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 32, 32, 4000) // at the beam axis, radius ~0

	cfg := DefaultConfig()
	cfg.Threshold = 100
	cfg.MinPixCount = 1
	cfg.MinRes = 10 // excludes the centre

	assert.Empty(t, SearchPeakfinder8(img, cfg))
}

func TestPeakfinder8PixelCountBounds(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 20, 20, 4000)

	cfg := DefaultConfig()
	cfg.Threshold = 100
	cfg.MinPixCount = 50 // spot is far smaller

	assert.Empty(t, SearchPeakfinder8(img, cfg))
}

func TestPeakfinder9FindsSpot(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 25, 35, 3000)

	cfg := DefaultConfig()
	cfg.MinSNR = 5

	found := SearchPeakfinder9(img, cfg)
	require.Len(t, found, 1)
	assert.InDelta(t, 25.0, found[0].FS, 1.0)
	assert.InDelta(t, 35.0, found[0].SS, 1.0)
}

func TestFromTableBoundaries(t *testing.T) {
	img := testImage(64, 64)
	tab := FlatTable{
		{FS: 0, SS: 0, Panel: 0, Intensity: 100},
		{FS: 63, SS: 63, Panel: 0, Intensity: 100},
		{FS: -0.5, SS: -0.5, Panel: 0, Intensity: 100},
		{FS: 64, SS: 64, Panel: 0, Intensity: 100},
		{FS: 10, SS: 10, Panel: 5, Intensity: 100},
	}

	cfg := DefaultConfig()
	cfg.HalfPixelShift = false

	got, err := FromTable(img, tab, cfg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].FS)
	assert.Equal(t, 63.0, got[1].FS)
}

func TestFromTableHalfPixelShift(t *testing.T) {
	img := testImage(64, 64)
	tab := FlatTable{{FS: 10, SS: 20, Panel: 0, Intensity: 100}}

	cfg := DefaultConfig()
	cfg.HalfPixelShift = true

	got, err := FromTable(img, tab, cfg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.5, got[0].FS)
	assert.Equal(t, 20.5, got[0].SS)
}

func TestEventTableMissingEvent(t *testing.T) {
	img := testImage(64, 64)
	img.EventID = "ev-7"
	tab := EventTable{"ev-1": {{FS: 1, SS: 1, Panel: 0}}}

	_, err := FromTable(img, tab, DefaultConfig())
	assert.Error(t, err)
}

func TestRevalidateDropsWeakPeaks(t *testing.T) {
	img := testImage(64, 64)
	fillNoise(img)
	addSpot(img, 30, 30, 5000)

	list := List{
		{FS: 30, SS: 30, Panel: 0, Intensity: 1},
		{FS: 50, SS: 12, Panel: 0, Intensity: 1}, // nothing there
	}

	cfg := DefaultConfig()
	cfg.MinSNR = 5

	got := Revalidate(img, list, cfg)
	require.Len(t, got, 1)
	assert.InDelta(t, 30.0, got[0].FS, 0.5)
	assert.Greater(t, got[0].Intensity, 1000.0)
}

func TestEstimateResolution(t *testing.T) {
	img := testImage(64, 64)
	list := List{
		{FS: 32, SS: 32, Panel: 0}, // beam axis: lowest resolution
		{FS: 0, SS: 0, Panel: 0},   // corner: highest
	}
	maxQ := EstimateResolution(img, list)
	assert.Greater(t, maxQ, 0.0)
	assert.Equal(t, maxQ, list[1].Resolution)
	assert.Less(t, list[0].Resolution, list[1].Resolution)
}

func TestSortBySNR(t *testing.T) {
	l := List{{SNR: 1}, {SNR: 9}, {SNR: 4}}
	l.SortBySNR()
	assert.Equal(t, 9.0, l[0].SNR)
	assert.Equal(t, 1.0, l[2].SNR)
}
