package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/metric"
	"github.com/c360/diffract/source"
	"github.com/c360/diffract/stream"
)

// Options configures the dispatcher.
type Options struct {
	Workers int

	// StallTimeout is how long a worker heartbeat may sit still before
	// the worker is considered hung and replaced. Stages whitelisted for
	// blocking (file wait) are exempt.
	StallTimeout time.Duration

	// ReorderBound caps how far completed serials may run ahead of the
	// next expected one; beyond it, no new work is assigned.
	ReorderBound int

	// StatusInterval spaces the periodic totals log line.
	StatusInterval time.Duration

	Pipeline PipelineOptions
}

// DefaultOptions returns the conventional dispatcher configuration.
func DefaultOptions() Options {
	return Options{
		Workers:        1,
		StallTimeout:   30 * time.Second,
		ReorderBound:   64,
		StatusInterval: 5 * time.Second,
	}
}

// result is what a worker hands back for one assignment.
type result struct {
	worker  int
	gen     int
	serial  uint64
	rec     *stream.Record // nil for non-emitted images
	err     error
	crashed bool
}

// job is one assignment to a worker.
type job struct {
	item   *source.Item
	serial uint64
}

// workerSlot tracks one worker position. The goroutine behind a slot may
// be replaced after a crash or stall; gen distinguishes stale results.
type workerSlot struct {
	id        int
	gen       int
	jobs      chan job
	abandoned *atomic.Bool

	busy       bool
	current    uint64 // serial in flight, valid when busy
	lastBeat   uint64
	lastChange time.Time
}

// Dispatcher owns the run: it assigns serials, feeds workers, watches
// their heartbeats, and writes completed chunks in serial order.
type Dispatcher struct {
	opts    Options
	src     source.Source
	writer  *stream.Writer
	shared  *SharedState
	logger  *slog.Logger
	metrics *metric.Metrics

	slots   []*workerSlot
	results chan result
	buffer  *reorderBuffer
	serial  uint64
	runCtx  context.Context
}

// New validates the configuration and builds a dispatcher.
func New(opts Options, src source.Source, w *stream.Writer, m *metric.Metrics, logger *slog.Logger) (*Dispatcher, error) {
	if opts.Workers < 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "dispatch",
			"New", "worker count must be at least 1")
	}
	if opts.ReorderBound < opts.Workers {
		opts.ReorderBound = opts.Workers
	}
	if opts.Pipeline.Detector == nil {
		return nil, errors.WrapInvalid(errors.ErrBadGeometry, "dispatch",
			"New", "no detector geometry")
	}
	if err := opts.Pipeline.Detector.Validate(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		opts:    opts,
		src:     src,
		writer:  w,
		shared:  NewSharedState(opts.Workers),
		logger:  logger,
		metrics: m,
		results: make(chan result, opts.Workers),
		buffer:  newReorderBuffer(1, opts.ReorderBound),
		serial:  1,
	}, nil
}

// Shared exposes the run totals and termination flag.
func (d *Dispatcher) Shared() *SharedState { return d.shared }

// Run processes the source to exhaustion (or cancellation) and returns
// once every in-flight image has flushed. The returned error is non-nil
// only for fatal conditions.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCtx = ctx
	for i := 0; i < d.opts.Workers; i++ {
		slot := &workerSlot{id: i, jobs: make(chan job, 1), lastChange: time.Now()}
		d.slots = append(d.slots, slot)
		if err := d.spawn(ctx, slot); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	status := time.NewTicker(d.opts.StatusInterval)
	defer status.Stop()

	srcDone := false
	var pending *job // dequeued but not yet assigned (back-pressure)
	var fatal error

	for {
		// Flush whatever the buffer has ready
		if err := d.flushBuffer(); err != nil {
			fatal = err
			d.shared.Terminate()
		}

		// A dequeued-but-unassigned job is abandoned on termination; its
		// serial is the highest assigned, so no later chunk waits on it
		if d.shared.Terminating() && pending != nil {
			d.buffer.skip(pending.serial)
			pending = nil
		}

		// Finished when the source is drained, nothing is in flight, and
		// the buffer is flat
		if (srcDone || d.shared.Terminating()) && pending == nil &&
			d.idleWorkers() == d.opts.Workers && d.buffer.empty() {
			break
		}

		// Top up idle workers while the reorder bound allows
		for pending != nil || (!srcDone && !d.shared.Terminating()) {
			if pending == nil {
				it, err := d.src.Next(ctx)
				if err == io.EOF {
					srcDone = true
					break
				}
				if err != nil {
					if ctx.Err() != nil {
						d.shared.Terminate()
						break
					}
					// Source failure at a chunk boundary ends the input
					d.logger.Error("source read failed", "err", err)
					srcDone = true
					break
				}
				pending = &job{item: it, serial: d.nextSerial()}
			}
			if !d.buffer.canAccept(pending.serial) {
				break // back-pressure: keep the job until the buffer drains
			}
			slot := d.idleSlot()
			if slot == nil {
				break
			}
			slot.busy = true
			slot.current = pending.serial
			slot.lastBeat = d.shared.Heartbeat(slot.id)
			slot.lastChange = time.Now()
			slot.jobs <- *pending
			pending = nil
		}

		select {
		case res := <-d.results:
			d.handleResult(res)
		case <-ticker.C:
			d.checkStalls(ctx)
		case <-status.C:
			d.logStatus()
		case <-ctx.Done():
			d.shared.Terminate()
		}
	}

	// Final flush after the last worker went idle
	if err := d.flushBuffer(); err != nil && fatal == nil {
		fatal = err
	}

	for _, slot := range d.slots {
		close(slot.jobs)
	}

	if fatal != nil {
		return fatal
	}
	if ctx.Err() != nil && !d.buffer.empty() {
		return errors.WrapTransient(errors.ErrTerminated, "dispatch", "Run",
			"cancelled with unflushed chunks")
	}
	return nil
}

func (d *Dispatcher) nextSerial() uint64 {
	s := d.serial
	d.serial++
	return s
}

func (d *Dispatcher) idleSlot() *workerSlot {
	for _, slot := range d.slots {
		if !slot.busy {
			return slot
		}
	}
	return nil
}

func (d *Dispatcher) idleWorkers() int {
	n := 0
	for _, slot := range d.slots {
		if !slot.busy {
			n++
		}
	}
	return n
}

// spawn starts (or restarts) the goroutine behind a slot.
func (d *Dispatcher) spawn(ctx context.Context, slot *workerSlot) error {
	slot.abandoned = &atomic.Bool{}
	pl, err := newPipeline(d.opts.Pipeline, d.shared, slot.id, slot.abandoned, d.metrics, d.logger)
	if err != nil {
		return err
	}
	go d.workerLoop(ctx, pl, slot.id, slot.gen, slot.jobs)
	if d.metrics != nil {
		d.metrics.WorkersAlive.Set(float64(d.opts.Workers))
	}
	return nil
}

// workerLoop runs assignments until its jobs channel closes. A panic
// produces a crash result for the in-flight serial; the dispatcher then
// respawns the slot.
func (d *Dispatcher) workerLoop(ctx context.Context, pl *pipeline, id, gen int, jobs chan job) {
	defer pl.close()
	for jb := range jobs {
		res := d.runOne(ctx, pl, id, gen, jb)
		select {
		case d.results <- res:
		case <-ctx.Done():
			return
		}
		if res.crashed {
			// The pipeline state cannot be trusted after a panic; end
			// this goroutine and let the dispatcher respawn the slot
			return
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, pl *pipeline, id, gen int, jb job) (res result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker crashed",
				"worker", id, "serial", jb.serial, "panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			res = result{worker: id, gen: gen, serial: jb.serial, crashed: true,
				err: errors.WrapTransient(errors.ErrWorkerCrashed,
					"dispatch", "runOne", "panic recovered")}
		}
	}()

	rec, err := pl.process(ctx, jb.item, jb.serial)
	return result{worker: id, gen: gen, serial: jb.serial, rec: rec, err: err}
}

// handleResult files a worker's outcome into the reorder buffer.
func (d *Dispatcher) handleResult(res result) {
	slot := d.slots[res.worker]
	if res.gen != slot.gen {
		// Stale result from a replaced worker; its serial was already
		// marked failed
		return
	}
	slot.busy = false
	slot.lastChange = time.Now()

	switch {
	case res.err != nil:
		d.logger.Warn("image failed",
			"serial", res.serial, "worker", res.worker, "err", res.err)
		d.shared.CountImage(false, false, 0, true)
		d.buffer.skip(res.serial)
		if d.metrics != nil {
			d.metrics.ImagesFailed.Inc()
		}
		if res.crashed {
			slot.gen++
			slot.jobs = make(chan job, 1)
			if err := d.spawn(d.runCtx, slot); err != nil {
				d.logger.Error("worker respawn failed", "worker", slot.id, "err", err)
				d.shared.Terminate()
			}
		}
	case res.rec == nil:
		// Processed but not emitted (non-hit with non-hit streaming off)
		d.buffer.skip(res.serial)
	default:
		d.buffer.add(res.serial, res.rec)
		if d.metrics != nil {
			d.metrics.ImagesProcessed.Inc()
			if res.rec.NumPeaks >= d.opts.Pipeline.MinPeaks {
				d.metrics.Hits.Inc()
			}
			if n := len(res.rec.Crystals); n > 0 {
				d.metrics.Crystals.Add(float64(n))
			}
		}
	}
}

// checkStalls replaces workers whose heartbeat sat still beyond the stall
// timeout, unless they are inside a whitelisted blocking stage. The image
// is marked failed and not retried.
func (d *Dispatcher) checkStalls(ctx context.Context) {
	if d.opts.StallTimeout <= 0 {
		return
	}
	now := time.Now()
	for _, slot := range d.slots {
		if !slot.busy {
			continue
		}
		beat := d.shared.Heartbeat(slot.id)
		if beat != slot.lastBeat {
			slot.lastBeat = beat
			slot.lastChange = now
			continue
		}
		if now.Sub(slot.lastChange) < d.opts.StallTimeout {
			continue
		}
		task := d.shared.Task(slot.id)
		if task == StageWaitFile.String() {
			continue // whitelisted long block
		}

		d.logger.Error("worker stalled, replacing",
			"worker", slot.id, "serial", slot.current, "task", task)
		d.shared.CountImage(false, false, 0, true)
		d.buffer.skip(slot.current)
		if d.metrics != nil {
			d.metrics.ImagesFailed.Inc()
			d.metrics.WorkerStalls.Inc()
		}

		// Abandon the old goroutine: bump the generation so its eventual
		// result is discarded, close its channel so it exits when it ever
		// wakes up, and give the slot a fresh channel
		slot.abandoned.Store(true)
		slot.gen++
		close(slot.jobs)
		slot.jobs = make(chan job, 1)
		slot.busy = false
		slot.lastChange = now
		if err := d.spawn(ctx, slot); err != nil {
			d.logger.Error("worker respawn failed", "worker", slot.id, "err", err)
			d.shared.Terminate()
		}
	}
}

// flushBuffer writes every ready chunk. A sink failure is fatal.
func (d *Dispatcher) flushBuffer() error {
	for _, rec := range d.buffer.flush() {
		if err := d.writer.WriteRecord(rec); err != nil {
			return errors.WrapFatal(err, "dispatch", "flushBuffer", "sink write")
		}
		if d.metrics != nil {
			d.metrics.ChunksWritten.Inc()
		}
	}
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.buffer.pending)))
	}
	return nil
}

func (d *Dispatcher) logStatus() {
	processed, hits, hadCrystals, crystals, failed := d.shared.Totals()
	d.logger.Info("progress",
		"processed", processed, "hits", hits,
		"indexable", hadCrystals, "crystals", crystals, "failed", failed)
}
