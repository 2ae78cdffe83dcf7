package dispatch

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/c360/diffract/crystal"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/geom"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/indexer"
	"github.com/c360/diffract/integrate"
	"github.com/c360/diffract/metric"
	"github.com/c360/diffract/peaks"
	"github.com/c360/diffract/predict"
	"github.com/c360/diffract/source"
	"github.com/c360/diffract/stream"
)

// hc in eV·m, for the photon energy line of the chunk header.
const hcEVm = 1.23984193e-6

// PipelineOptions configures the per-image pipeline shared by all workers.
// Everything here is immutable after startup.
type PipelineOptions struct {
	Detector *geom.Detector
	Loader   source.Loader

	// WaitForFile: 0 checks once, n retries n times at one-second
	// spacing, -1 waits forever.
	WaitForFile int

	MedianFilter int // box side 2n+1; 0 disables
	NoiseFilter  bool

	// HighRes marks pixels beyond this reciprocal radius bad, inverse
	// metres; +Inf disables.
	HighRes float64

	PeakMethod peaks.Method
	PeakConfig peaks.Config
	// NoRevalidate suppresses the SNR revalidation of prepared lists.
	NoRevalidate bool

	MinPeaks int

	Indexing indexer.Options

	// FixProfileRadius pins the profile radius; < 0 refines per crystal.
	FixProfileRadius float64
	Bandwidth        float64

	Integration integrate.Config

	// StreamPeaks and StreamNonHits control what reaches the stream.
	StreamPeaks   bool
	StreamNonHits bool

	// CopyFields lists metadata keys echoed into each chunk.
	CopyFields []string
}

// pipeline is the per-worker instantiation: it owns a driver, timing
// accounts, and the liveness hooks of its worker slot. The abandoned flag
// is set by the dispatcher when the slot is given to a replacement; an
// abandoned pipeline must stop touching shared counters.
type pipeline struct {
	opts      PipelineOptions
	driver    *indexer.Driver
	shared    *SharedState
	worker    int
	taccs     *TimeAccounts
	metrics   *metric.Metrics
	logger    *slog.Logger
	abandoned *atomic.Bool
}

func newPipeline(opts PipelineOptions, shared *SharedState, worker int, abandoned *atomic.Bool, m *metric.Metrics, logger *slog.Logger) (*pipeline, error) {
	driver, err := indexer.NewDriver(opts.Indexing, logger)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		opts:      opts,
		driver:    driver,
		shared:    shared,
		worker:    worker,
		taccs:     NewTimeAccounts(),
		metrics:   m,
		logger:    logger,
		abandoned: abandoned,
	}, nil
}

func (p *pipeline) close() {
	p.driver.Close()
	p.taccs.Dump(p.logger, p.worker)
}

// enter marks a stage boundary: timing, liveness, and the cancellation
// poll. It reports false when the worker must abandon the image.
func (p *pipeline) enter(s Stage) bool {
	if p.abandoned.Load() {
		return false
	}
	prev, spent := p.taccs.current, p.taccs.sinceCurrent()
	p.taccs.Set(s)
	if p.metrics != nil && prev != StageNothing {
		p.metrics.StageDuration.WithLabelValues(prev.String()).
			Observe(spent.Seconds())
	}
	p.shared.SetTask(p.worker, s.String())
	p.shared.Ping(p.worker)
	return !p.shared.Terminating()
}

// process runs one image through the pipeline and returns its chunk. The
// chunk is nil with a nil error for a non-hit when non-hits are not
// streamed, and nil with errors.ErrTerminated when the image was abandoned
// by cancellation.
func (p *pipeline) process(ctx context.Context, it *source.Item, serial uint64) (*stream.Record, error) {
	// Acquire
	if it.Payload == nil && p.opts.WaitForFile != 0 {
		if !p.enter(StageWaitFile) {
			return nil, errors.ErrTerminated
		}
		if err := source.WaitForFile(ctx, it.Filename, p.opts.WaitForFile); err != nil {
			return nil, err
		}
	}
	if !p.enter(StageLoad) {
		return nil, errors.ErrTerminated
	}
	img, err := p.opts.Loader.Load(ctx, it, p.opts.Detector)
	if err != nil {
		return nil, err
	}
	img.Serial = serial
	if img.Filename == "" {
		img.Filename = it.Filename
	}
	if img.Spectrum == nil && img.Lambda > 0 {
		img.Spectrum = image.NewMonochromaticSpectrum(img.Lambda, p.opts.Bandwidth)
	}

	// Filter, keeping the pre-filter snapshot for integration
	if !p.enter(StageFilter) {
		return nil, errors.ErrTerminated
	}
	img.Snapshot()
	if p.opts.MedianFilter > 0 {
		img.MedianFilter(p.opts.MedianFilter)
	}
	if p.opts.NoiseFilter {
		img.NoiseFilter()
	}

	// Resolution mask
	if !p.enter(StageResRange) {
		return nil, errors.ErrTerminated
	}
	if !math.IsInf(p.opts.HighRes, 1) {
		img.MarkResolutionRange(0, p.opts.HighRes)
	}

	// Peak search
	if !p.enter(StagePeakSearch) {
		return nil, errors.ErrTerminated
	}
	found, err := p.searchPeaks(img, it)
	if err != nil {
		p.logger.Error("peak search failed",
			"serial", serial, "file", it.Filename, "err", err)
		found = nil
	}
	img.PeakResolution = peaks.EstimateResolution(img, found)

	rec := &stream.Record{
		Filename:       img.Filename,
		EventID:        img.EventID,
		Serial:         serial,
		NumPeaks:       len(found),
		PhotonEnergyEV: photonEnergy(img),
		Metadata:       copyFields(img, p.opts.CopyFields),
	}
	if p.opts.StreamPeaks {
		rec.Peaks = found
	}

	if len(found) < p.opts.MinPeaks {
		// Non-hit: no indexing, no crystals
		if !p.opts.StreamNonHits {
			p.countAndRestore(img, nil)
			return nil, nil
		}
		if !p.enter(StageStreamWrite) {
			return nil, errors.ErrTerminated
		}
		p.countAndRestore(img, nil)
		return rec, nil
	}
	img.Hit = true

	// Indexing
	if !p.enter(StageIndexing) {
		return nil, errors.ErrTerminated
	}
	crystals, indexedBy := p.driver.Index(ctx, img, found)
	rec.IndexedBy = indexedBy

	// Restore the raw pixels before anything reads intensities
	img.Restore()

	// Per-crystal prediction parameters, refinement, integration
	if !p.enter(StagePredParams) {
		return nil, errors.ErrTerminated
	}
	for _, cr := range crystals {
		if p.opts.FixProfileRadius > 0 {
			cr.ProfileRadius = p.opts.FixProfileRadius
			cr.Mosaicity = 0
		} else {
			if err := predict.RefineRadius(cr, img, found, p.opts.Indexing.MaxRes); err != nil {
				p.logger.Debug("radius determination failed",
					"serial", serial, "err", err)
			}
		}
		cr.ResolutionLimit = img.PeakResolution
	}

	if !p.enter(StageIntegration) {
		return nil, errors.ErrTerminated
	}
	for _, cr := range crystals {
		if !cr.Cell.Finite() {
			cr.Flag = crystal.FlagArithmetic
			continue
		}
		integrate.Crystal(img, cr, p.opts.Integration)
	}

	for _, cr := range crystals {
		if cr.Flag != 0 {
			continue
		}
		rec.Crystals = append(rec.Crystals, stream.CrystalBlock{
			Cell:            cr.Cell,
			ProfileRadius:   cr.ProfileRadius,
			Mosaicity:       cr.Mosaicity,
			Scale:           cr.Scale,
			BFactor:         cr.BFactor,
			ResolutionLimit: cr.ResolutionLimit,
			Reflections:     cr.Reflections,
		})
		rec.NumSaturatedPeaks += cr.Reflections.NumSaturated() + cr.ExcludedSaturated
	}

	if !p.enter(StageStreamWrite) {
		return nil, errors.ErrTerminated
	}
	p.countAndRestore(img, crystals)
	return rec, nil
}

func (p *pipeline) searchPeaks(img *image.Image, it *source.Item) (peaks.List, error) {
	cfg := p.opts.PeakConfig
	switch p.opts.PeakMethod {
	case peaks.MethodZaefferer:
		return peaks.SearchZaefferer(img, cfg), nil
	case peaks.MethodPeakfinder8:
		return peaks.SearchPeakfinder8(img, cfg), nil
	case peaks.MethodPeakfinder9:
		return peaks.SearchPeakfinder9(img, cfg), nil
	case peaks.MethodHDF5, peaks.MethodCXI, peaks.MethodPayload:
		provider, ok := p.opts.Loader.(source.PeakTableProvider)
		if !ok {
			return nil, errors.WrapInvalid(errors.ErrPeakSearchFailed,
				"dispatch", "searchPeaks", "loader has no peak table")
		}
		tab, err := provider.PeakTable(it)
		if err != nil {
			return nil, err
		}
		list, err := peaks.FromTable(img, tab, cfg)
		if err != nil {
			return nil, err
		}
		if !p.opts.NoRevalidate {
			list = peaks.Revalidate(img, list, cfg)
		}
		return list, nil
	}
	return nil, errors.WrapInvalid(errors.ErrPeakSearchFailed,
		"dispatch", "searchPeaks", "unknown method")
}

// countAndRestore folds the image into the totals. The crystal count only
// includes unflagged crystals.
func (p *pipeline) countAndRestore(img *image.Image, crystals []*crystal.Crystal) {
	if p.abandoned.Load() {
		return
	}
	p.taccs.Set(StageTotals)
	good := 0
	for _, cr := range crystals {
		if cr.Flag == 0 {
			good++
		}
	}
	p.shared.CountImage(img.Hit, good > 0, good, false)
	img.Restore()
}

func photonEnergy(img *image.Image) float64 {
	if img.Lambda <= 0 {
		return 0
	}
	return hcEVm / img.Lambda
}

func copyFields(img *image.Image, fields []string) map[string]string {
	out := make(map[string]string)
	for _, f := range fields {
		if v, ok := img.Metadata[f]; ok {
			out[f] = v
		}
	}
	return out
}
