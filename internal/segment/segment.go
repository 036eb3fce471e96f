// Package segment defines data structures for HLS video segments.
package segment

import (
	"fmt"
	"strconv"
)

// MaxID is the largest id that fits the gid prefix.
const MaxID = 999999

// Segment represents a single planned HLS video segment.
type Segment struct {
	// ID is the stable sequence number assigned in planning order, starting at 1
	ID int

	// Path is the segment URI exactly as it appears in the playlist
	Path string

	// URL is Path resolved against the playlist URL
	URL string

	// Duration is the segment duration in seconds
	Duration float64
}

// GID returns the 16 hex character download agent identifier for the segment.
func (s Segment) GID() string {
	return GID(s.ID)
}

// GID formats id as an agent gid. The zero-padded decimal id comes first so
// it stays readable in truncated agent output.
func GID(id int) string {
	return fmt.Sprintf("%06d0000000000", id)
}

// ParseGID extracts the segment id from a gid produced by GID.
func ParseGID(gid string) (int, error) {
	if len(gid) < 6 {
		return 0, fmt.Errorf("gid %q too short", gid)
	}
	id, err := strconv.Atoi(gid[:6])
	if err != nil {
		return 0, fmt.Errorf("invalid gid %q: %w", gid, err)
	}
	if id < 1 {
		return 0, fmt.Errorf("invalid gid %q: id must be positive", gid)
	}
	return id, nil
}

// State is the derived state of a segment, computed on each poll from the
// agent status and the files on disk. It is never stored.
type State int

const (
	StatePending State = iota // planned, not yet submitted
	StateQueued               // submitted, agent has not reported on it
	StateActive               // agent is transferring it
	StateWaiting              // agent holds it in its queue
	StateDone                 // logged as completed and the chunk is on disk
	StateErrored              // agent gave up on it
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// IDs returns the ids of segs in order.
func IDs(segs []Segment) []int {
	ids := make([]int, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids
}
