// Package planner turns decoded playlist entries into the ordered download
// plan, applying the start, length and scatter filters.
package planner

import (
	"fmt"

	"github.com/agleyzer/segfetch/internal/parser"
	"github.com/agleyzer/segfetch/internal/segment"
)

// Filters selects which part of the playlist timeline gets downloaded.
// All values are in seconds; zero values disable the filter.
type Filters struct {
	// StartDelay is skipped from the beginning of the timeline
	StartDelay float64

	// MaxLength limits the planned content measured from the effective start
	MaxLength float64

	// Scatter samples the timeline, nil downloads everything
	Scatter *Window
}

// Validate checks the filter values.
func (f Filters) Validate() error {
	if f.StartDelay < 0 {
		return fmt.Errorf("start delay must not be negative, got %v", f.StartDelay)
	}
	if f.MaxLength < 0 {
		return fmt.Errorf("max length must not be negative, got %v", f.MaxLength)
	}
	if f.Scatter != nil {
		if f.Scatter.On <= 0 || f.Scatter.Off <= 0 {
			return fmt.Errorf("scatter window needs positive on/off durations, got %v/%v", f.Scatter.On, f.Scatter.Off)
		}
	}
	return nil
}

// Plan assigns ids 1, 2, 3, ... to the entries that pass the filters, in
// playlist order. Identical entries and filters always produce the same plan.
func Plan(entries []parser.Entry, playlistURL string, f Filters) ([]segment.Segment, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	var scatter *Scatter
	if f.Scatter != nil {
		scatter = NewScatter(*f.Scatter)
	}

	// remaining goes negative once the start point is passed and then
	// measures how far past it the current segment ends.
	remaining := f.StartDelay
	var segments []segment.Segment

	for _, e := range entries {
		remaining -= e.Duration
		if remaining > 0 {
			continue
		}
		if f.MaxLength > 0 && f.MaxLength+remaining < 0 {
			break
		}
		if scatter != nil && !scatter.Advance(e.Duration) {
			continue
		}

		id := len(segments) + 1
		if id > segment.MaxID {
			return nil, fmt.Errorf("plan exceeds %d segments", segment.MaxID)
		}

		segURL := e.URI
		if playlistURL != "" {
			resolved, err := parser.ResolveURL(playlistURL, e.URI)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
			}
			segURL = resolved
		}

		segments = append(segments, segment.Segment{
			ID:       id,
			Path:     e.URI,
			URL:      segURL,
			Duration: e.Duration,
		})
	}

	return segments, nil
}

// TotalDuration sums the durations of segs in seconds.
func TotalDuration(segs []segment.Segment) float64 {
	var total float64
	for _, s := range segs {
		total += s.Duration
	}
	return total
}
