// Package config holds the engine configuration: one immutable tree
// assembled from a YAML file plus command-line overrides, validated once
// before dispatch begins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/diffract/errors"
)

// Config is the complete engine configuration. It is immutable after
// startup and shared read-only by every worker.
type Config struct {
	Input    InputConfig    `yaml:"input"`
	Geometry string         `yaml:"geometry"`
	Cell     string         `yaml:"cell"` // optional reference cell file
	Workers  int            `yaml:"workers"`
	TempDir  string         `yaml:"temp_dir"`
	Output   string         `yaml:"output"` // "-" for stdout

	Peaks       PeaksConfig       `yaml:"peaks"`
	Indexing    IndexingConfig    `yaml:"indexing"`
	Integration IntegrationConfig `yaml:"integration"`
	Monitor     MonitorConfig     `yaml:"monitor"`

	StreamPeaks   bool     `yaml:"stream_peaks"`
	StreamNonHits bool     `yaml:"stream_non_hits"`
	CopyFields    []string `yaml:"copy_fields"`
}

// InputConfig selects the image source.
type InputConfig struct {
	// ListFile names a text file of "filename //event" lines.
	ListFile string `yaml:"list_file"`

	// NATS switches to the payload transport when Subject is set.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	// WaitForFile: 0 no wait, n retry n times at one-second spacing,
	// -1 wait forever.
	WaitForFile int `yaml:"wait_for_file"`
}

// PeaksConfig configures peak search.
type PeaksConfig struct {
	Method        string  `yaml:"method"`
	Threshold     float64 `yaml:"threshold"`
	MinSqGradient float64 `yaml:"min_squared_gradient"`
	MinSNR        float64 `yaml:"min_snr"`
	MinPeaks      int     `yaml:"min_peaks"`
	RadiusInn     float64 `yaml:"radius_inn"`
	RadiusMid     float64 `yaml:"radius_mid"`
	RadiusOut     float64 `yaml:"radius_out"`
	MinPixCount   int     `yaml:"min_pix_count"`
	MaxPixCount   int     `yaml:"max_pix_count"`
	LocalBGRadius int     `yaml:"local_bg_radius"`
	MinRes        float64 `yaml:"min_res"`
	MaxRes        float64 `yaml:"max_res"`
	UseSaturated  bool    `yaml:"use_saturated"`
	NoRevalidate  bool    `yaml:"no_revalidate"`
	HalfPixel     bool    `yaml:"half_pixel_shift"`

	MedianFilter int  `yaml:"median_filter"`
	NoiseFilter  bool `yaml:"noise_filter"`

	// HighRes is the resolution cutoff in Angstrom (d-spacing); 0
	// disables the mask.
	HighRes float64 `yaml:"highres"`
}

// IndexingConfig configures the indexing driver.
type IndexingConfig struct {
	// Methods is the ordered backend list, e.g. "external,none".
	Methods []string `yaml:"methods"`

	// Tolerance is a,b,c in percent then al,be,ga in degrees.
	Tolerance []float64 `yaml:"tolerance"`

	NoCheckCell  bool `yaml:"no_check_cell"`
	CheckCombs   bool `yaml:"check_cell_combinations"`
	NoCheckPeaks bool `yaml:"no_check_peaks"`
	NoRefine     bool `yaml:"no_refine"`
	NoRetry      bool `yaml:"no_retry"`
	Multi        bool `yaml:"multi"`

	MinPeakFrac    float64 `yaml:"min_peak_fraction"`
	PeakRadius     float64 `yaml:"peak_radius"`
	BackendTimeout int     `yaml:"backend_timeout_seconds"`

	// FixProfileRadius in nm^-1; negative means refine per crystal.
	FixProfileRadius float64 `yaml:"fix_profile_radius"`
	Bandwidth        float64 `yaml:"bandwidth"`

	// ExternalCommand names the indexing tool for the "external" method.
	ExternalCommand string   `yaml:"external_command"`
	ExternalArgs    []string `yaml:"external_args"`
}

// IntegrationConfig configures reflection integration.
type IntegrationConfig struct {
	Method       string  `yaml:"method"` // rings, rings-cen, prof2d, prof2d-cen
	RadiusInn    float64 `yaml:"radius_inn"`
	RadiusMid    float64 `yaml:"radius_mid"`
	RadiusOut    float64 `yaml:"radius_out"`
	MinBGPixels  int     `yaml:"min_bg_pixels"`
	UseSaturated bool    `yaml:"use_saturated"`
	// PushRes extends integration past the resolution estimate, nm^-1.
	PushRes float64 `yaml:"push_res"`
	Overpredict bool `yaml:"overpredict"`
}

// MonitorConfig configures the optional metrics endpoint.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the conventional defaults; command-line flags
// overlay these.
func DefaultConfig() *Config {
	return &Config{
		Workers: 1,
		TempDir: os.TempDir(),
		Output:  "-",
		Peaks: PeaksConfig{
			Method:        "zaef",
			Threshold:     800,
			MinSqGradient: 100000,
			MinSNR:        5,
			MinPeaks:      0,
			RadiusInn:     4,
			RadiusMid:     5,
			RadiusOut:     7,
			MinPixCount:   2,
			MaxPixCount:   200,
			LocalBGRadius: 3,
			MaxRes:        1200,
			UseSaturated:  true,
			HalfPixel:     true,
		},
		Indexing: IndexingConfig{
			// Percent for lengths, degrees for angles
			Tolerance:      []float64{5, 5, 5, 1.5, 1.5, 1.5},
			MinPeakFrac:    0.5,
			PeakRadius:     2.0,
			BackendTimeout: 30,
			FixProfileRadius: -1,
			Bandwidth:        1e-8,
		},
		Integration: IntegrationConfig{
			Method:      "rings",
			RadiusInn:   4,
			RadiusMid:   5,
			RadiusOut:   7,
			MinBGPixels: 10,
			PushRes:     -1, // unlimited
		},
		Monitor: MonitorConfig{
			Addr: ":9090",
		},
		StreamPeaks:   true,
		StreamNonHits: true,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "decode config")
	}
	return cfg, nil
}

// Validate checks the configuration for errors. Everything it rejects is
// fatal before dispatch begins.
func (c *Config) Validate() error {
	if c.Geometry == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"geometry file is required")
	}
	if c.Workers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"workers must be at least 1")
	}
	if c.Input.ListFile == "" && c.Input.NATSSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"an input list or a NATS subject is required")
	}
	if c.Input.WaitForFile < -1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"wait_for_file must be -1, 0 or positive")
	}

	if len(c.Indexing.Tolerance) != 6 {
		return errors.WrapInvalid(errors.ErrBadTolerance, "config", "Validate",
			"tolerance needs six values: a,b,c,al,be,ga")
	}
	for _, t := range c.Indexing.Tolerance {
		if t <= 0 {
			return errors.WrapInvalid(errors.ErrBadTolerance, "config", "Validate",
				"tolerances must be positive")
		}
	}

	if !(c.Peaks.RadiusInn > 0 && c.Peaks.RadiusInn < c.Peaks.RadiusMid &&
		c.Peaks.RadiusMid < c.Peaks.RadiusOut) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"peak radii must satisfy inn < mid < out")
	}
	if !(c.Integration.RadiusInn > 0 && c.Integration.RadiusInn < c.Integration.RadiusMid &&
		c.Integration.RadiusMid < c.Integration.RadiusOut) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"integration radii must satisfy inn < mid < out")
	}

	validPeaks := map[string]bool{
		"zaef": true, "peakfinder8": true, "peakfinder9": true,
		"hdf5": true, "cxi": true, "payload": true,
	}
	if !validPeaks[c.Peaks.Method] {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown peak search method %q", c.Peaks.Method))
	}

	validInt := map[string]bool{
		"rings": true, "rings-cen": true, "prof2d": true, "prof2d-cen": true,
	}
	if !validInt[c.Integration.Method] {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown integration method %q", c.Integration.Method))
	}

	return nil
}

// ParseRadii parses an "inn,mid,out" flag value.
func ParseRadii(s string) (inn, mid, out float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, errors.WrapInvalid(errors.ErrInvalidConfig, "config",
			"ParseRadii", "need inn,mid,out")
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, errors.WrapInvalid(err, "config", "ParseRadii", p)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

// ParseTolerance parses an "a,b,c,al,be,ga" flag value. Fewer than six
// values reuse the last one given, matching the usual CLI shorthand.
func ParseTolerance(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 || len(parts) > 6 {
		return nil, errors.WrapInvalid(errors.ErrBadTolerance, "config",
			"ParseTolerance", "need one to six values")
	}
	out := make([]float64, 6)
	last := 0.0
	for i := 0; i < 6; i++ {
		if i < len(parts) {
			v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
			if err != nil {
				return nil, errors.WrapInvalid(err, "config", "ParseTolerance", parts[i])
			}
			last = v
		}
		out[i] = last
	}
	return out, nil
}
