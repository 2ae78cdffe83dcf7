package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/peaks"
)

func testDetector() *geom.Detector {
	return &geom.Detector{Panels: []geom.Panel{{
		Name: "p0",
		W:    8, H: 8,
		FSx: 1, FSy: 0,
		SSx: 0, SSy: 1,
		Cnx: -4, Cny: -4,
		Clen: 0.1, Res: 10000,
		AduPerPhoton: 1, MaxADU: 16000,
	}}}
}

func samplePayload() *PayloadImage {
	pixels := make([]float32, 64)
	for i := range pixels {
		pixels[i] = float32(i)
	}
	return &PayloadImage{
		EventID:  "ev-42",
		Lambda:   1.3e-10,
		Metadata: map[string]string{"clen": "0.1"},
		Peaks: []peaks.TableEntry{
			{FS: 2.5, SS: 3.5, Panel: 0, Intensity: 900},
		},
		PanelData: [][]float32{pixels},
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := samplePayload()
	data := MarshalPayload(in)

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.Lambda, out.Lambda)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.Equal(t, in.Peaks, out.Peaks)
	assert.Equal(t, in.PanelData, out.PanelData)
}

func TestPayloadRejectsGarbage(t *testing.T) {
	_, err := UnmarshalPayload([]byte("not a frame"))
	assert.Error(t, err)

	// Truncation partway through
	data := MarshalPayload(samplePayload())
	_, err = UnmarshalPayload(data[:len(data)-10])
	assert.Error(t, err)
}

func TestPayloadLoader(t *testing.T) {
	det := testDetector()
	it := &Item{Filename: "subject", Payload: MarshalPayload(samplePayload())}

	img, err := PayloadLoader{}.Load(context.Background(), it, det)
	require.NoError(t, err)
	assert.Equal(t, "ev-42", img.EventID)
	assert.Equal(t, 1.3e-10, img.Lambda)
	assert.Equal(t, float32(63), img.Panels[0].Data[63])
	assert.Equal(t, "0.1", img.Metadata["clen"])
}

func TestPayloadLoaderPanelMismatch(t *testing.T) {
	det := testDetector()
	p := samplePayload()
	p.PanelData = append(p.PanelData, make([]float32, 64))
	it := &Item{Payload: MarshalPayload(p)}

	_, err := PayloadLoader{}.Load(context.Background(), it, det)
	assert.Error(t, err)
}

func TestPayloadPeakTable(t *testing.T) {
	it := &Item{Payload: MarshalPayload(samplePayload())}
	tab, err := PayloadLoader{}.PeakTable(it)
	require.NoError(t, err)
	rows, err := tab.PeaksFor("anything")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.5, rows[0].FS)
}

func TestFileListSource(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "files.lst")
	content := "run1.h5 //0\nrun1.h5 //1\n# comment\n\nrun2.h5\n"
	require.NoError(t, os.WriteFile(list, []byte(content), 0o644))

	s, err := NewFileListSource(list)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())

	ctx := context.Background()
	it, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run1.h5", it.Filename)
	assert.Equal(t, "//0", it.EventID)

	it, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "//1", it.EventID)

	it, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run2.h5", it.Filename)
	assert.Empty(t, it.EventID)

	_, err = s.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestWaitForFileImmediate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.NoError(t, WaitForFile(context.Background(), path, 0))
}

func TestWaitForFileZeroMisses(t *testing.T) {
	start := time.Now()
	err := WaitForFile(context.Background(), "/nonexistent/nowhere", 0)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitForFileFindsLateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late")

	go func() {
		time.Sleep(1200 * time.Millisecond)
		os.WriteFile(path, []byte("x"), 0o644)
	}()

	err := WaitForFile(context.Background(), path, 3)
	assert.NoError(t, err)
}
