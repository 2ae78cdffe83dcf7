// Package diffract is a processing engine for serial femtosecond
// crystallography: it turns a stream of snapshot diffraction images into an
// ordered stream of indexed, integrated per-image records.
//
// # Architecture
//
// The engine is four layers, leaves first:
//
//   - integrate and predict measure reflection intensities and decide which
//     reflections an orientation implies: Ewald-sphere prediction with a
//     Gaussian beam spectrum, four partiality models, simplex prediction
//     refinement, and three-ring integration with a planar local background.
//   - indexer wraps one or more indexing backends behind a single driver
//     that validates candidate cells against a reference (axis permutations
//     and integer combinations), checks peak alignment, retries with weak
//     peaks deleted, and peels off further lattices in multi mode.
//   - dispatch runs the per-image pipeline (load, filter, resolution mask,
//     peak search, indexing, integration, stream write) across N parallel
//     workers with heartbeat liveness, stall recovery, cooperative
//     cancellation, and a bounded reorder buffer that keeps the output in
//     strict serial order.
//   - stream is the append-only, line-oriented chunk format, with a reader
//     so emitted streams can be round-tripped.
//
// Supporting packages: geom (detector geometry), cell (unit cells and
// comparison), image (pixel data and filters), peaks (five search
// algorithms), crystal (per-crystal state), source (file-list and NATS
// payload inputs), config, metric, and errors.
//
// # Concurrency model
//
// Workers are goroutines owned by the dispatcher. Each worker is strictly
// sequential inside its pipeline; all shared state lives in an explicit
// record (heartbeats as single-writer atomics, totals under a mutex, a
// polled termination flag). A worker that panics or stops heartbeating is
// replaced; its image is counted as failed and never retried, and the
// reorder buffer releases its serial so ordering continues. The output
// writer is owned by the dispatcher alone.
package diffract
