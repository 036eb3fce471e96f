// Package resume keeps the durable per-job state that lets a restarted
// download pick up where the previous run stopped.
package resume

import (
	"fmt"
	"path/filepath"

	"github.com/agleyzer/segfetch/internal/segment"
)

// Layout names every file that belongs to one job. All paths derive from the
// output prefix.
type Layout struct {
	Prefix string
}

// NewLayout returns the layout for prefix, made absolute so the paths stay
// valid for the agent and hook processes regardless of their working
// directory.
func NewLayout(prefix string) (Layout, error) {
	if prefix == "" {
		return Layout{}, fmt.Errorf("file prefix is required")
	}
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve file prefix %q: %w", prefix, err)
	}
	return Layout{Prefix: abs}, nil
}

// Dir is the directory holding all job files.
func (l Layout) Dir() string { return filepath.Dir(l.Prefix) }

// Output is the final assembled file.
func (l Layout) Output() string { return l.Prefix + ".mp4" }

// OutputTemp receives the batch concatenation before the final rename.
func (l Layout) OutputTemp() string { return l.Output() + ".tmp" }

// Part is the growing file of streaming assembly.
func (l Layout) Part() string { return l.Output() + ".part" }

// Chunk is the final per-segment file written by the completion hook.
func (l Layout) Chunk(id int) string {
	return fmt.Sprintf("%s.%s.mp4.chunk", l.Prefix, segment.GID(id))
}

// ChunkTemp is where the agent writes a segment while transferring it.
func (l Layout) ChunkTemp(id int) string { return l.Chunk(id) + ".tmp" }

// ChunkTempName is ChunkTemp relative to Dir, as the agent expects it.
func (l Layout) ChunkTempName(id int) string { return filepath.Base(l.ChunkTemp(id)) }

// State is the structured resume record.
func (l Layout) State() string { return l.Prefix + ".resume.json" }

// Log is the append-only completed-id log.
func (l Layout) Log() string { return l.Prefix + ".gids" }

// Lock is the directory guarding against concurrent runs of the same job.
func (l Layout) Lock() string { return l.Prefix + ".lock" }
