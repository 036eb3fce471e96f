// Package assemble joins downloaded segment chunks into the final output
// file, either in one pass once every segment is present or incrementally
// while downloads are still running.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/segfetch/internal/resume"
)

// MissingError lists segments whose chunk files are absent.
type MissingError struct {
	IDs []int
}

func (e *MissingError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("%d chunk file(s) missing: %s", len(e.IDs), strings.Join(ids, ", "))
}

// Batch verifies that every chunk in ids exists, then concatenates them in id
// order into the output file. The output only appears under its final name
// once it is complete and synced.
func Batch(ctx context.Context, layout resume.Layout, ids []int) error {
	ordered := append([]int(nil), ids...)
	sort.Ints(ordered)

	if err := checkChunks(layout, ordered); err != nil {
		return err
	}

	tmp := layout.OutputTemp()
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	if _, err := appendChunks(ctx, out, layout, ordered); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync output: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, layout.Output()); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

func checkChunks(layout resume.Layout, ids []int) error {
	var missing []int
	for _, id := range ids {
		if _, err := os.Stat(layout.Chunk(id)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat chunk %d: %w", id, err)
			}
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &MissingError{IDs: missing}
	}
	return nil
}

// appendChunks copies the chunks of ids, in the given order, to w and returns
// the number of bytes written.
func appendChunks(ctx context.Context, w io.Writer, layout resume.Layout, ids []int) (int64, error) {
	var total int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := copyChunk(w, layout.Chunk(id))
		total += n
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return total, &MissingError{IDs: []int{id}}
			}
			return total, fmt.Errorf("append chunk %d: %w", id, err)
		}
	}
	return total, nil
}

func copyChunk(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
