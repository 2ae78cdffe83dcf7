package cell

import (
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/diffract/errors"
)

// cellFile mirrors the on-disk YAML cell description. Lengths are in
// Angstrom, angles in degrees.
type cellFile struct {
	LatticeType string  `yaml:"lattice_type"`
	Centering   string  `yaml:"centering"`
	UniqueAxis  string  `yaml:"unique_axis"`
	A           float64 `yaml:"a"`
	B           float64 `yaml:"b"`
	C           float64 `yaml:"c"`
	Alpha       float64 `yaml:"al"`
	Beta        float64 `yaml:"be"`
	Gamma       float64 `yaml:"ga"`
}

// LoadFile reads a YAML unit-cell template.
func LoadFile(path string) (*Cell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "cell", "LoadFile", "read cell file")
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML unit-cell template and validates it.
func ParseFile(data []byte) (*Cell, error) {
	var cf cellFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, errors.WrapFatal(err, "cell", "ParseFile", "decode cell")
	}

	deg := math.Pi / 180
	c, err := NewFromParameters(
		cf.A*1e-10, cf.B*1e-10, cf.C*1e-10,
		cf.Alpha*deg, cf.Beta*deg, cf.Gamma*deg,
	)
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrUnreadableCell, "cell",
			"ParseFile", "cell parameters")
	}

	switch cf.LatticeType {
	case "triclinic":
		c.Lattice = Triclinic
	case "monoclinic":
		c.Lattice = Monoclinic
	case "orthorhombic":
		c.Lattice = Orthorhombic
	case "tetragonal":
		c.Lattice = Tetragonal
	case "rhombohedral":
		c.Lattice = Rhombohedral
	case "hexagonal":
		c.Lattice = Hexagonal
	case "cubic":
		c.Lattice = Cubic
	default:
		return nil, errors.WrapFatal(errors.ErrUnreadableCell, "cell",
			"ParseFile", "unknown lattice type")
	}

	if cf.Centering != "" {
		cen := cf.Centering[0]
		switch cen {
		case 'P', 'A', 'B', 'C', 'I', 'F', 'R', 'H':
			c.Centering = cen
		default:
			return nil, errors.WrapFatal(errors.ErrUnreadableCell, "cell",
				"ParseFile", "unknown centering")
		}
	}
	if cf.UniqueAxis != "" {
		c.UniqueAxis = cf.UniqueAxis[0]
	}

	// Monoclinic A, B or C centering must not match the unique axis
	if c.Lattice == Monoclinic {
		if (c.Centering == 'A' && c.UniqueAxis == 'a') ||
			(c.Centering == 'B' && c.UniqueAxis == 'b') ||
			(c.Centering == 'C' && c.UniqueAxis == 'c') {
			return nil, errors.WrapFatal(errors.ErrUnreadableCell, "cell",
				"ParseFile", "centering matches unique axis")
		}
	}

	if !c.Sensible() {
		return nil, errors.WrapFatal(errors.ErrCellNotSensible, "cell",
			"ParseFile", "angle checks")
	}
	return c, nil
}
