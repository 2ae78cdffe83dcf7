package source

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c360/diffract/errors"
	"github.com/c360/diffract/pkg/retry"
)

// FileListSource iterates a text file of "filename //event" lines, one
// image per line. Lines without an event marker name single-image files.
type FileListSource struct {
	items []Item
	pos   int
}

// NewFileListSource reads the whole list up front; input lists are small
// compared to the images they name.
func NewFileListSource(path string) (*FileListSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "source", "NewFileListSource", "open list")
	}
	defer f.Close()

	s := &FileListSource{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		it := Item{Filename: line}
		if idx := strings.Index(line, " //"); idx >= 0 {
			it.Filename = strings.TrimSpace(line[:idx])
			it.EventID = strings.TrimSpace(line[idx+1:])
		}
		s.items = append(s.items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapFatal(err, "source", "NewFileListSource", "read list")
	}
	return s, nil
}

// Next implements Source.
func (s *FileListSource) Next(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return &it, nil
}

// Close implements Source.
func (s *FileListSource) Close() error { return nil }

// Len returns the number of items in the list.
func (s *FileListSource) Len() int { return len(s.items) }

// WaitForFile blocks until path exists, retrying at one-second spacing.
// waitFor semantics: 0 checks once and returns a miss immediately, n > 0
// retries up to n times, -1 waits forever. This is the only whitelisted
// long block in the pipeline.
func WaitForFile(ctx context.Context, path string, waitFor int) error {
	attempts := 1
	switch {
	case waitFor < 0:
		attempts = -1
	case waitFor > 0:
		attempts = waitFor + 1
	}

	err := retry.Do(ctx, retry.Constant(attempts, time.Second), func() error {
		if _, err := os.Stat(path); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrFileNotFound, "source",
			"WaitForFile", path)
	}
	return nil
}
