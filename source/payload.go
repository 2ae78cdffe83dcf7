package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

// Payload wire format: a length-prefixed binary frame carrying one image.
//
//	magic "DIFP", version byte
//	u16 event id length, event id bytes
//	f64 wavelength (metres)
//	u16 metadata count, then (u16 key len, key, u16 val len, val) pairs
//	u16 peak count, then (f64 fs, f64 ss, u16 panel, f64 intensity) rows
//	u16 panel count, then per panel: u32 pixel count, f32 pixels
//
// Every integer is big-endian. The panel order must match the detector
// geometry.

var payloadMagic = []byte("DIFP")

const payloadVersion = 1

// PayloadImage is the decoded form of one payload frame.
type PayloadImage struct {
	EventID    string
	Lambda     float64
	Metadata   map[string]string
	Peaks      []peaks.TableEntry
	PanelData  [][]float32
}

// MarshalPayload encodes a frame. Used by tests and by upstream feeders.
func MarshalPayload(p *PayloadImage) []byte {
	var buf bytes.Buffer
	buf.Write(payloadMagic)
	buf.WriteByte(payloadVersion)

	writeString := func(s string) {
		binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.WriteString(s)
	}

	writeString(p.EventID)
	binary.Write(&buf, binary.BigEndian, math.Float64bits(p.Lambda))

	binary.Write(&buf, binary.BigEndian, uint16(len(p.Metadata)))
	for k, v := range p.Metadata {
		writeString(k)
		writeString(v)
	}

	binary.Write(&buf, binary.BigEndian, uint16(len(p.Peaks)))
	for _, pk := range p.Peaks {
		binary.Write(&buf, binary.BigEndian, math.Float64bits(pk.FS))
		binary.Write(&buf, binary.BigEndian, math.Float64bits(pk.SS))
		binary.Write(&buf, binary.BigEndian, uint16(pk.Panel))
		binary.Write(&buf, binary.BigEndian, math.Float64bits(pk.Intensity))
	}

	binary.Write(&buf, binary.BigEndian, uint16(len(p.PanelData)))
	for _, pd := range p.PanelData {
		binary.Write(&buf, binary.BigEndian, uint32(len(pd)))
		for _, v := range pd {
			binary.Write(&buf, binary.BigEndian, math.Float32bits(v))
		}
	}

	return buf.Bytes()
}

// UnmarshalPayload decodes a frame, verifying magic and version.
func UnmarshalPayload(data []byte) (*PayloadImage, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || !bytes.Equal(magic, payloadMagic) {
		return nil, errors.WrapTransient(errors.ErrCorruptPayload, "source",
			"UnmarshalPayload", "bad magic")
	}
	ver, err := r.ReadByte()
	if err != nil || ver != payloadVersion {
		return nil, errors.WrapTransient(errors.ErrCorruptPayload, "source",
			"UnmarshalPayload", "unsupported version")
	}

	readString := func() (string, error) {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	p := &PayloadImage{Metadata: map[string]string{}}

	if p.EventID, err = readString(); err != nil {
		return nil, corrupt("event id", err)
	}
	var bits uint64
	if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
		return nil, corrupt("wavelength", err)
	}
	p.Lambda = math.Float64frombits(bits)

	var nMeta uint16
	if err := binary.Read(r, binary.BigEndian, &nMeta); err != nil {
		return nil, corrupt("metadata count", err)
	}
	for i := 0; i < int(nMeta); i++ {
		k, err := readString()
		if err != nil {
			return nil, corrupt("metadata key", err)
		}
		v, err := readString()
		if err != nil {
			return nil, corrupt("metadata value", err)
		}
		p.Metadata[k] = v
	}

	var nPeaks uint16
	if err := binary.Read(r, binary.BigEndian, &nPeaks); err != nil {
		return nil, corrupt("peak count", err)
	}
	for i := 0; i < int(nPeaks); i++ {
		var fsBits, ssBits, intBits uint64
		var panel uint16
		if err := binary.Read(r, binary.BigEndian, &fsBits); err != nil {
			return nil, corrupt("peak fs", err)
		}
		if err := binary.Read(r, binary.BigEndian, &ssBits); err != nil {
			return nil, corrupt("peak ss", err)
		}
		if err := binary.Read(r, binary.BigEndian, &panel); err != nil {
			return nil, corrupt("peak panel", err)
		}
		if err := binary.Read(r, binary.BigEndian, &intBits); err != nil {
			return nil, corrupt("peak intensity", err)
		}
		p.Peaks = append(p.Peaks, peaks.TableEntry{
			FS:        math.Float64frombits(fsBits),
			SS:        math.Float64frombits(ssBits),
			Panel:     int(panel),
			Intensity: math.Float64frombits(intBits),
		})
	}

	var nPanels uint16
	if err := binary.Read(r, binary.BigEndian, &nPanels); err != nil {
		return nil, corrupt("panel count", err)
	}
	for i := 0; i < int(nPanels); i++ {
		var nPix uint32
		if err := binary.Read(r, binary.BigEndian, &nPix); err != nil {
			return nil, corrupt("pixel count", err)
		}
		pd := make([]float32, nPix)
		for j := range pd {
			var v uint32
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return nil, corrupt("pixels", err)
			}
			pd[j] = math.Float32frombits(v)
		}
		p.PanelData = append(p.PanelData, pd)
	}

	return p, nil
}

func corrupt(what string, err error) error {
	if err == nil {
		err = errors.ErrCorruptPayload
	}
	return errors.WrapTransient(err, "source", "UnmarshalPayload",
		fmt.Sprintf("truncated %s", what))
}

// PayloadLoader populates images from in-memory payload frames.
type PayloadLoader struct{}

// Load implements Loader.
func (PayloadLoader) Load(_ context.Context, it *Item, det *geom.Detector) (*image.Image, error) {
	p, err := UnmarshalPayload(it.Payload)
	if err != nil {
		return nil, err
	}
	if len(p.PanelData) != len(det.Panels) {
		return nil, errors.WrapTransient(errors.ErrCorruptPayload, "source",
			"Load", "panel count mismatch")
	}

	img := image.New(det)
	img.Filename = it.Filename
	img.EventID = p.EventID
	img.Lambda = p.Lambda
	for k, v := range p.Metadata {
		img.Metadata[k] = v
	}
	for i, pd := range p.PanelData {
		if len(pd) != det.Panels[i].W*det.Panels[i].H {
			return nil, errors.WrapTransient(errors.ErrCorruptPayload, "source",
				"Load", fmt.Sprintf("panel %d pixel count mismatch", i))
		}
		copy(img.Panels[i].Data, pd)
	}
	return img, nil
}

// PeakTable implements PeakTableProvider for payload items carrying a
// prepared peak list.
func (PayloadLoader) PeakTable(it *Item) (peaks.Table, error) {
	p, err := UnmarshalPayload(it.Payload)
	if err != nil {
		return nil, err
	}
	return peaks.FlatTable(p.Peaks), nil
}

// FileLoader reads frame files from disk. HDF5 and CBF containers are
// served by external loaders satisfying the same interface; this one
// covers the engine's native frame format.
type FileLoader struct{}

// Load implements Loader.
func (FileLoader) Load(ctx context.Context, it *Item, det *geom.Detector) (*image.Image, error) {
	data, err := os.ReadFile(it.Filename)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrFileNotFound, "source",
			"Load", it.Filename)
	}
	img, err := PayloadLoader{}.Load(ctx, &Item{
		Filename: it.Filename,
		EventID:  it.EventID,
		Payload:  data,
	}, det)
	if err != nil {
		return nil, err
	}
	if it.EventID != "" {
		img.EventID = it.EventID
	}
	return img, nil
}

// PeakTable implements PeakTableProvider.
func (FileLoader) PeakTable(it *Item) (peaks.Table, error) {
	data, err := os.ReadFile(it.Filename)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrFileNotFound, "source",
			"PeakTable", it.Filename)
	}
	return PayloadLoader{}.PeakTable(&Item{Payload: data})
}
