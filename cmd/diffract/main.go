// Command diffract processes serial diffraction images: peak search,
// indexing, prediction refinement, integration, and ordered stream output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/config"
	"github.com/c360/diffract/dispatch"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/indexer"
	"github.com/c360/diffract/integrate"
	"github.com/c360/diffract/metric"
	"github.com/c360/diffract/peaks"
	"github.com/c360/diffract/predict"
	"github.com/c360/diffract/source"
	"github.com/c360/diffract/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "YAML configuration file")
		input       = flag.String("i", "", "input list file")
		output      = flag.String("o", "-", "output stream path, - for stdout")
		geomPath    = flag.String("g", "", "detector geometry file")
		cellPath    = flag.String("p", "", "reference unit cell file")
		peaksFlag   = flag.String("peaks", "", "peak search method")
		minPeaks    = flag.Int("min-peaks", -1, "minimum peaks for a hit")
		indexing    = flag.String("indexing", "", "comma-separated indexing methods")
		tolerance   = flag.String("tolerance", "", "cell tolerance a,b,c,al,be,ga")
		peakRadius  = flag.String("peak-radius", "", "peak search radii inn,mid,out")
		intRadius   = flag.String("int-radius", "", "integration radii inn,mid,out")
		intMethod   = flag.String("integration", "", "integration method")
		pushRes     = flag.Float64("push-res", math.NaN(), "integrate past the resolution limit, nm^-1")
		highRes     = flag.Float64("highres", 0, "high resolution cutoff in Angstrom")
		noRefine    = flag.Bool("no-refine", false, "skip prediction refinement")
		noRetry     = flag.Bool("no-retry", false, "disable the weak-peak retry loop")
		multi       = flag.Bool("multi", false, "attempt multi-lattice indexing")
		noCheckCell = flag.Bool("no-check-cell", false, "accept cells without reference comparison")
		noCheckPks  = flag.Bool("no-check-peaks", false, "skip the peak alignment check")
		waitForFile = flag.Int("wait-for-file", 0, "retry missing files this many times (-1 forever)")
		workers     = flag.Int("j", 0, "number of parallel workers")
		tempDir     = flag.String("temp-dir", "", "scratch directory for external backends")
		monitorAddr = flag.String("monitor", "", "serve /metrics and /healthz on this address")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("configuration failed", "err", err)
			return 1
		}
		cfg = loaded
	}

	// Command-line flags win over the file
	if *input != "" {
		cfg.Input.ListFile = *input
	}
	if *geomPath != "" {
		cfg.Geometry = *geomPath
	}
	if *cellPath != "" {
		cfg.Cell = *cellPath
	}
	if *output != "-" {
		cfg.Output = *output
	}
	if *peaksFlag != "" {
		cfg.Peaks.Method = *peaksFlag
	}
	if *minPeaks >= 0 {
		cfg.Peaks.MinPeaks = *minPeaks
	}
	if *indexing != "" {
		cfg.Indexing.Methods = strings.Split(*indexing, ",")
	}
	if *tolerance != "" {
		tol, err := config.ParseTolerance(*tolerance)
		if err != nil {
			logger.Error("bad tolerance", "err", err)
			return 1
		}
		cfg.Indexing.Tolerance = tol
	}
	if *peakRadius != "" {
		inn, mid, out, err := config.ParseRadii(*peakRadius)
		if err != nil {
			logger.Error("bad peak radii", "err", err)
			return 1
		}
		cfg.Peaks.RadiusInn, cfg.Peaks.RadiusMid, cfg.Peaks.RadiusOut = inn, mid, out
	}
	if *intRadius != "" {
		inn, mid, out, err := config.ParseRadii(*intRadius)
		if err != nil {
			logger.Error("bad integration radii", "err", err)
			return 1
		}
		cfg.Integration.RadiusInn, cfg.Integration.RadiusMid, cfg.Integration.RadiusOut = inn, mid, out
	}
	if *intMethod != "" {
		cfg.Integration.Method = *intMethod
	}
	if !math.IsNaN(*pushRes) {
		cfg.Integration.PushRes = *pushRes
	}
	if *highRes > 0 {
		cfg.Peaks.HighRes = *highRes
	}
	if *noRefine {
		cfg.Indexing.NoRefine = true
	}
	if *noRetry {
		cfg.Indexing.NoRetry = true
	}
	if *multi {
		cfg.Indexing.Multi = true
	}
	if *noCheckCell {
		cfg.Indexing.NoCheckCell = true
	}
	if *noCheckPks {
		cfg.Indexing.NoCheckPeaks = true
	}
	if *waitForFile != 0 {
		cfg.Input.WaitForFile = *waitForFile
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *tempDir != "" {
		cfg.TempDir = *tempDir
	}
	if *monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = *monitorAddr
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration failed", "err", err)
		return 1
	}

	det, err := geom.LoadFile(cfg.Geometry)
	if err != nil {
		logger.Error("geometry failed", "err", err)
		return 1
	}

	var refCell *cell.Cell
	if cfg.Cell != "" {
		refCell, err = cell.LoadFile(cfg.Cell)
		if err != nil {
			logger.Error("cell failed", "err", err)
			return 1
		}
	}

	// Input source and loader
	var src source.Source
	var loader source.Loader
	if cfg.Input.NATSSubject != "" {
		natsCfg := source.DefaultNATSConfig()
		if cfg.Input.NATSURL != "" {
			natsCfg.URL = cfg.Input.NATSURL
		}
		natsCfg.Subject = cfg.Input.NATSSubject
		ns, err := source.NewNATSSource(natsCfg, logger)
		if err != nil {
			logger.Error("payload source failed", "err", err)
			return 1
		}
		defer ns.Close()
		src = ns
		loader = source.PayloadLoader{}
	} else {
		fs, err := source.NewFileListSource(cfg.Input.ListFile)
		if err != nil {
			logger.Error("input list failed", "err", err)
			return 1
		}
		src = fs
		loader = source.FileLoader{}
	}

	// Output sink
	out := os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			logger.Error("output failed", "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	writer := stream.NewWriter(out)

	opts, err := buildOptions(cfg, det, refCell, loader)
	if err != nil {
		logger.Error("configuration failed", "err", err)
		return 1
	}

	metrics := metric.NewMetrics()
	d, err := dispatch.New(opts, src, writer, metrics, logger)
	if err != nil {
		logger.Error("dispatcher failed", "err", err)
		return 1
	}

	if cfg.Monitor.Enabled {
		mon := metric.NewMonitor(cfg.Monitor.Addr, metrics,
			func() bool { return !d.Shared().Terminating() }, logger)
		mon.Start()
		defer mon.Stop()
	}

	cellSummary := ""
	if refCell != nil {
		cellSummary = refCell.String()
	}
	if err := writer.WriteHeader(stream.Header{
		CommandLine:    strings.Join(os.Args, " "),
		GeometryDigest: det.Digest(),
		CellSummary:    cellSummary,
		Indexing:       cfg.Indexing.Methods,
	}); err != nil {
		logger.Error("stream header failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Error("run failed", "err", err)
		return 1
	}

	processed, hits, hadCrystals, crystals, failed := d.Shared().Totals()
	logger.Info("final totals",
		"processed", processed, "hits", hits,
		"indexable", hadCrystals, "crystals", crystals, "failed", failed)

	if processed == 0 {
		logger.Error("no images processed")
		return 1
	}
	return 0
}

// buildOptions assembles the dispatcher options from the validated config.
func buildOptions(cfg *config.Config, det *geom.Detector, refCell *cell.Cell,
	loader source.Loader) (dispatch.Options, error) {

	opts := dispatch.DefaultOptions()
	opts.Workers = cfg.Workers

	peakMethod, _ := peaks.ParseMethod(cfg.Peaks.Method)
	peakCfg := peaks.Config{
		Threshold:            cfg.Peaks.Threshold,
		MinSqGradient:        cfg.Peaks.MinSqGradient,
		MinSNR:               cfg.Peaks.MinSNR,
		RadiusInn:            cfg.Peaks.RadiusInn,
		RadiusMid:            cfg.Peaks.RadiusMid,
		RadiusOut:            cfg.Peaks.RadiusOut,
		MinPixCount:          cfg.Peaks.MinPixCount,
		MaxPixCount:          cfg.Peaks.MaxPixCount,
		LocalBGRadius:        cfg.Peaks.LocalBGRadius,
		MinRes:               cfg.Peaks.MinRes,
		MaxRes:               cfg.Peaks.MaxRes,
		MinSNRBiggestPix:     7,
		MinSNRPeakPix:        6,
		MinSig:               11,
		MinPeakOverNeighbour: -1e100,
		UseSaturated:         cfg.Peaks.UseSaturated,
		HalfPixelShift:       cfg.Peaks.HalfPixel,
	}

	intMethod, recentre, _ := integrate.ParseMethod(cfg.Integration.Method)
	intCfg := integrate.Config{
		Method:       intMethod,
		Recentre:     recentre,
		RInn:         cfg.Integration.RadiusInn,
		RMid:         cfg.Integration.RadiusMid,
		ROut:         cfg.Integration.RadiusOut,
		MinBGPixels:  cfg.Integration.MinBGPixels,
		UseSaturated: cfg.Integration.UseSaturated,
		PushRes:      math.Inf(1),
		Overpredict:  cfg.Integration.Overpredict,
	}
	if cfg.Integration.PushRes >= 0 {
		intCfg.PushRes = cfg.Integration.PushRes * 1e9
	}

	var backends []indexer.Backend
	for _, m := range cfg.Indexing.Methods {
		switch m {
		case "external":
			if cfg.Indexing.ExternalCommand == "" {
				return opts, errors.WrapInvalid(errors.ErrMissingConfig,
					"main", "buildOptions", "external indexing needs external_command")
			}
			backends = append(backends, &indexer.ExternalBackend{
				BackendName:  "external",
				Command:      cfg.Indexing.ExternalCommand,
				Args:         cfg.Indexing.ExternalArgs,
				Prior:        indexer.PriorCell | indexer.PriorLattice,
				TempDir:      cfg.TempDir,
				SpawnRetries: 2,
			})
		case "none":
			// Explicitly no indexing: peak search only
		default:
			return opts, errors.WrapInvalid(errors.ErrInvalidConfig,
				"main", "buildOptions", fmt.Sprintf("unknown indexing method %q", m))
		}
	}

	deg := math.Pi / 180
	tol := cell.Tolerances{
		A:     cfg.Indexing.Tolerance[0] / 100,
		B:     cfg.Indexing.Tolerance[1] / 100,
		C:     cfg.Indexing.Tolerance[2] / 100,
		Alpha: cfg.Indexing.Tolerance[3] * deg,
		Beta:  cfg.Indexing.Tolerance[4] * deg,
		Gam:   cfg.Indexing.Tolerance[5] * deg,
	}

	ixOpts := indexer.Options{
		Backends:              backends,
		RefCell:               refCell,
		Tol:                   tol,
		CheckCellAxes:         !cfg.Indexing.NoCheckCell,
		CheckCellCombinations: cfg.Indexing.CheckCombs,
		Refine:                !cfg.Indexing.NoRefine,
		CheckPeaks:            !cfg.Indexing.NoCheckPeaks,
		Retry:                 !cfg.Indexing.NoRetry,
		Multi:                 cfg.Indexing.Multi,
		MinPeakFrac:           cfg.Indexing.MinPeakFrac,
		PeakRadius:            cfg.Indexing.PeakRadius,
		RetryRounds:           4,
		MultiRounds:           8,
		BackendTimeout:        time.Duration(cfg.Indexing.BackendTimeout) * time.Second,
		MaxRes:                math.Inf(1),
		PartialityModel:       predict.ModelXSphere,
	}

	highRes := math.Inf(1)
	if cfg.Peaks.HighRes > 0 {
		// d-spacing in Angstrom to 1/d in inverse metres
		highRes = 1.0 / (cfg.Peaks.HighRes * 1e-10)
	}

	fixRadius := cfg.Indexing.FixProfileRadius
	if fixRadius > 0 {
		fixRadius *= 1e9
	}

	opts.Pipeline = dispatch.PipelineOptions{
		Detector:         det,
		Loader:           loader,
		WaitForFile:      cfg.Input.WaitForFile,
		MedianFilter:     cfg.Peaks.MedianFilter,
		NoiseFilter:      cfg.Peaks.NoiseFilter,
		HighRes:          highRes,
		PeakMethod:       peakMethod,
		PeakConfig:       peakCfg,
		NoRevalidate:     cfg.Peaks.NoRevalidate,
		MinPeaks:         cfg.Peaks.MinPeaks,
		Indexing:         ixOpts,
		FixProfileRadius: fixRadius,
		Bandwidth:        cfg.Indexing.Bandwidth,
		Integration:      intCfg,
		StreamPeaks:      cfg.StreamPeaks,
		StreamNonHits:    cfg.StreamNonHits,
		CopyFields:       cfg.CopyFields,
	}

	return opts, nil
}
