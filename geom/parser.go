package geom

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/diffract/errors"
)

// geometryFile mirrors the on-disk YAML geometry description.
type geometryFile struct {
	PhotonEnergy     float64     `yaml:"photon_energy_ev"`
	PhotonEnergyFrom string      `yaml:"photon_energy_from"`
	Panels           []panelFile `yaml:"panels"`
}

type panelFile struct {
	Name         string  `yaml:"name"`
	W            int     `yaml:"w"`
	H            int     `yaml:"h"`
	FS           [3]float64 `yaml:"fs"`
	SS           [3]float64 `yaml:"ss"`
	Corner       [2]float64 `yaml:"corner"`
	Clen         float64 `yaml:"clen"`
	ClenFrom     string  `yaml:"clen_from"`
	Res          float64 `yaml:"res"`
	AduPerPhoton float64 `yaml:"adu_per_photon"`
	MaxADU       float64 `yaml:"max_adu"`
	Bad          []struct {
		MinFS int `yaml:"min_fs"`
		MinSS int `yaml:"min_ss"`
		MaxFS int `yaml:"max_fs"`
		MaxSS int `yaml:"max_ss"`
	} `yaml:"bad"`
}

// LoadFile reads a YAML geometry description and returns a validated
// Detector.
func LoadFile(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "geom", "LoadFile", "read geometry file")
	}
	return Parse(data)
}

// Parse decodes a YAML geometry description.
func Parse(data []byte) (*Detector, error) {
	var gf geometryFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, errors.WrapFatal(err, "geom", "Parse", "decode geometry")
	}

	det := &Detector{
		PhotonEnergy:     gf.PhotonEnergy,
		PhotonEnergyFrom: gf.PhotonEnergyFrom,
	}
	for _, pf := range gf.Panels {
		p := Panel{
			Name: pf.Name,
			W:    pf.W, H: pf.H,
			FSx: pf.FS[0], FSy: pf.FS[1], FSz: pf.FS[2],
			SSx: pf.SS[0], SSy: pf.SS[1], SSz: pf.SS[2],
			Cnx: pf.Corner[0], Cny: pf.Corner[1],
			Clen:         pf.Clen,
			ClenFrom:     pf.ClenFrom,
			Res:          pf.Res,
			AduPerPhoton: pf.AduPerPhoton,
			MaxADU:       pf.MaxADU,
		}
		for _, b := range pf.Bad {
			p.BadRegions = append(p.BadRegions, Rect{
				MinFS: b.MinFS, MinSS: b.MinSS,
				MaxFS: b.MaxFS, MaxSS: b.MaxSS,
			})
		}
		det.Panels = append(det.Panels, p)
	}

	if err := det.Validate(); err != nil {
		return nil, err
	}
	return det, nil
}
