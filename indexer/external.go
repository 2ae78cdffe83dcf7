package indexer

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/image"
	"github.com/c360/diffract/peaks"
)

// killGrace is how long an external tool gets to exit after cancellation
// before it is force-killed.
const killGrace = 2 * time.Second

// ExternalBackend shells out to an indexing program. The protocol is
// deliberately plain: the peak list goes to the tool's stdin as
// whitespace-separated "fs ss panel intensity" lines, and candidate cells
// come back on stdout as "cell <ax> <ay> <az> <bx> <by> <bz> <cx> <cy> <cz>"
// lines in nanometres. Tool-specific wrappers translate to this protocol
// inside their own scripts.
type ExternalBackend struct {
	BackendName string
	Command     string
	Args        []string
	Prior       Prior

	// TempDir hosts per-invocation scratch files; the reference cell is
	// written there once during Prepare.
	TempDir string

	// SpawnRetries bounds retry of transient spawn failures.
	SpawnRetries uint64

	ref     *cell.Cell
	cellArg string
}

// Name implements Backend.
func (e *ExternalBackend) Name() string { return e.BackendName }

// Priors implements Backend.
func (e *ExternalBackend) Priors() Prior { return e.Prior }

// Prepare implements Backend: the reference cell, when usable, is written
// to a scratch file passed to the tool on every invocation.
func (e *ExternalBackend) Prepare(ref *cell.Cell, tol cell.Tolerances) error {
	e.ref = ref
	if ref == nil {
		return nil
	}
	path := filepath.Join(e.TempDir, e.BackendName+"-ref.cell")
	a, b, c, al, be, ga := ref.Parameters()
	content := fmt.Sprintf("a=%g b=%g c=%g al=%g be=%g ga=%g centering=%c\n",
		a*1e9, b*1e9, c*1e9, al, be, ga, ref.Centering)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.WrapFatal(err, "indexer", "Prepare", "write reference cell")
	}
	e.cellArg = path
	return nil
}

// Cleanup implements Backend.
func (e *ExternalBackend) Cleanup() {
	if e.cellArg != "" {
		os.Remove(e.cellArg)
	}
}

// Index implements Backend. The subprocess inherits the context deadline
// and gets a bounded grace period after cancellation.
func (e *ExternalBackend) Index(ctx context.Context, img *image.Image, found peaks.List) ([]*cell.Cell, error) {
	var stdin bytes.Buffer
	for _, pk := range found {
		fmt.Fprintf(&stdin, "%f %f %d %f\n", pk.FS, pk.SS, pk.Panel, pk.Intensity)
	}

	args := append([]string(nil), e.Args...)
	if e.cellArg != "" {
		args = append(args, "--cell", e.cellArg)
	}

	var stdout []byte
	run := func() error {
		cmd := exec.CommandContext(ctx, e.Command, args...)
		cmd.Stdin = bytes.NewReader(stdin.Bytes())
		cmd.Dir = e.TempDir
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = killGrace

		out, err := cmd.Output()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errors.WrapTransient(
					errors.ErrBackendTimeout, "indexer", "Index", e.BackendName))
			}
			var exitErr *exec.ExitError
			if stderrors.As(err, &exitErr) {
				// The tool ran and failed; not worth retrying
				return backoff.Permanent(errors.WrapTransient(
					errors.ErrBackendCrashed, "indexer", "Index", e.BackendName))
			}
			// Spawn failure (fork, missing binary under NFS flap): retry
			return err
		}
		stdout = out
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.SpawnRetries), ctx)
	if err := backoff.Retry(run, bo); err != nil {
		return nil, err
	}

	return parseCells(stdout)
}

// parseCells decodes "cell ax ay az bx by bz cx cy cz" stdout lines
// (nanometres) into cells.
func parseCells(out []byte) ([]*cell.Cell, error) {
	var cells []*cell.Cell
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "cell ") {
			continue
		}
		var v [9]float64
		n, err := fmt.Sscanf(strings.TrimPrefix(line, "cell "),
			"%f %f %f %f %f %f %f %f %f",
			&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8])
		if err != nil || n != 9 {
			return nil, errors.WrapTransient(errors.ErrCorruptPayload,
				"indexer", "parseCells", fmt.Sprintf("bad cell line %q", line))
		}
		c := cell.NewFromDirectAxes(
			cell.Vec3{X: v[0] * 1e-9, Y: v[1] * 1e-9, Z: v[2] * 1e-9},
			cell.Vec3{X: v[3] * 1e-9, Y: v[4] * 1e-9, Z: v[5] * 1e-9},
			cell.Vec3{X: v[6] * 1e-9, Y: v[7] * 1e-9, Z: v[8] * 1e-9},
		)
		cells = append(cells, c)
	}
	return cells, nil
}
