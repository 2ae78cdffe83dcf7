package indexer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/diffract/cell"
	"github.com/c360/diffract/peaks"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExternalBackendRunsTool(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
# consume the peak list, then propose one cubic cell
cat > /dev/null
echo "cell 5 0 0 0 5 0 0 0 5"
`)

	b := &ExternalBackend{
		BackendName: "tool",
		Command:     script,
		TempDir:     dir,
	}
	require.NoError(t, b.Prepare(nil, cell.DefaultTolerances()))
	defer b.Cleanup()

	found := peaks.List{{FS: 10, SS: 10, Panel: 0, Intensity: 100}}
	cells, err := b.Index(context.Background(), testImage(t), found)
	require.NoError(t, err)
	require.Len(t, cells, 1)

	a, _, _, _, _, _ := cells[0].Parameters()
	assert.InEpsilon(t, 5e-9, a, 1e-9)
}

func TestExternalBackendWritesReferenceCell(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
cat > /dev/null
# the --cell argument must point at a readable file
test -r "$2" || exit 3
echo "cell 5 0 0 0 5 0 0 0 5"
`)

	b := &ExternalBackend{
		BackendName: "tool",
		Command:     script,
		TempDir:     dir,
	}
	require.NoError(t, b.Prepare(cubicCell(t, 50), cell.DefaultTolerances()))
	defer b.Cleanup()

	cells, err := b.Index(context.Background(), testImage(t), peaks.List{})
	require.NoError(t, err)
	assert.Len(t, cells, 1)
}

func TestExternalBackendTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep 30\n")

	b := &ExternalBackend{
		BackendName: "tool",
		Command:     script,
		TempDir:     dir,
	}
	require.NoError(t, b.Prepare(nil, cell.DefaultTolerances()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Index(ctx, testImage(t), peaks.List{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExternalBackendToolFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 1\n")

	b := &ExternalBackend{
		BackendName: "tool",
		Command:     script,
		TempDir:     dir,
	}
	require.NoError(t, b.Prepare(nil, cell.DefaultTolerances()))

	_, err := b.Index(context.Background(), testImage(t), peaks.List{})
	assert.Error(t, err)
}

func TestExternalBackendMissingBinary(t *testing.T) {
	b := &ExternalBackend{
		BackendName: "tool",
		Command:     "/nonexistent/indexer-tool",
		TempDir:     t.TempDir(),
	}
	require.NoError(t, b.Prepare(nil, cell.DefaultTolerances()))

	_, err := b.Index(context.Background(), testImage(t), peaks.List{})
	assert.Error(t, err)
}
