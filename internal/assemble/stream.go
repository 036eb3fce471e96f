package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/agleyzer/segfetch/internal/resume"
	"github.com/agleyzer/segfetch/internal/segment"
)

// Checkpoint is the confirmed position of a streaming assembly: every id
// below Frontier is in the part file, which is Size bytes long.
type Checkpoint struct {
	Frontier int
	Size     int64
}

// LookupFunc reports the current state of a segment.
type LookupFunc func(ctx context.Context, id int) (segment.State, error)

type appendResult struct {
	size int64
	err  error
}

// Stream appends segments to the part file in id order while downloads are
// still in progress. It is driven from a single goroutine through Advance;
// the copying itself runs on one worker goroutine, never more than one at a
// time.
type Stream struct {
	layout     resume.Layout
	ids        []int
	checkpoint func(Checkpoint) error
	logger     *slog.Logger

	part *os.File
	next int // index in ids of the frontier
	size int64

	inflight   chan appendResult
	inflightTo int // index in ids after the in-flight run
	cancel     context.CancelFunc
	closed     bool
}

// OpenStream prepares the part file for ids. A non-zero from resumes a
// previous run: the part file is cut back to the recorded size, discarding
// any unconfirmed tail. If the part file is shorter than recorded, assembly
// starts over. checkpoint may be nil.
func OpenStream(layout resume.Layout, ids []int, from Checkpoint, checkpoint func(Checkpoint) error, logger *slog.Logger) (*Stream, error) {
	ordered := append([]int(nil), ids...)
	sort.Ints(ordered)

	part, err := os.OpenFile(layout.Part(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open part file: %w", err)
	}

	s := &Stream{
		layout:     layout,
		ids:        ordered,
		checkpoint: checkpoint,
		logger:     logger,
		part:       part,
	}

	if from.Frontier > 0 {
		info, err := part.Stat()
		if err != nil {
			part.Close()
			return nil, fmt.Errorf("stat part file: %w", err)
		}
		if info.Size() >= from.Size {
			s.size = from.Size
			s.next = sort.SearchInts(ordered, from.Frontier)
		} else {
			logger.Warn("part file shorter than checkpoint, restarting assembly",
				"path", layout.Part(),
				"size", info.Size(),
				"recorded", from.Size)
		}
	}

	if err := part.Truncate(s.size); err != nil {
		part.Close()
		return nil, fmt.Errorf("truncate part file: %w", err)
	}
	if _, err := part.Seek(s.size, io.SeekStart); err != nil {
		part.Close()
		return nil, fmt.Errorf("seek part file: %w", err)
	}

	if s.next > 0 {
		logger.Info("resuming streaming assembly", "frontier", s.Frontier(), "size", s.size)
	}
	return s, nil
}

// Frontier returns the smallest id not yet confirmed in the part file, or
// one past the last id when everything is appended.
func (s *Stream) Frontier() int {
	if s.next < len(s.ids) {
		return s.ids[s.next]
	}
	if len(s.ids) == 0 {
		return 1
	}
	return s.ids[len(s.ids)-1] + 1
}

// Size returns the confirmed part file size.
func (s *Stream) Size() int64 {
	return s.size
}

// Advance collects a finished append if there is one, without blocking, and
// then scans forward from the frontier. Done segments form the next run to
// append. An errored segment is returned as a retry candidate and ends the
// scan, as does any segment that is not done yet.
func (s *Stream) Advance(ctx context.Context, lookup LookupFunc) ([]int, error) {
	if s.closed {
		return nil, errors.New("stream is closed")
	}

	if s.inflight != nil {
		select {
		case res := <-s.inflight:
			if err := s.confirm(res); err != nil {
				return nil, err
			}
		default:
		}
	}

	start := s.next
	if s.inflight != nil {
		start = s.inflightTo
	}

	end := start
	var retry []int
	for end < len(s.ids) {
		id := s.ids[end]
		state, err := lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if state == segment.StateErrored {
			retry = append(retry, id)
			break
		}
		if state != segment.StateDone {
			break
		}
		end++
	}

	if end > start && s.inflight == nil {
		s.startAppend(ctx, start, end)
	}
	return retry, nil
}

func (s *Stream) startAppend(ctx context.Context, from, to int) {
	run := append([]int(nil), s.ids[from:to]...)
	actx, cancel := context.WithCancel(ctx)

	s.inflight = make(chan appendResult, 1)
	s.inflightTo = to
	s.cancel = cancel

	s.logger.Debug("appending segments", "first", run[0], "last", run[len(run)-1])

	go func(done chan<- appendResult, size int64) {
		n, err := appendChunks(actx, s.part, s.layout, run)
		if err == nil {
			err = s.part.Sync()
		}
		done <- appendResult{size: size + n, err: err}
	}(s.inflight, s.size)
}

func (s *Stream) confirm(res appendResult) error {
	s.inflight = nil
	s.cancel()
	s.cancel = nil
	if res.err != nil {
		return fmt.Errorf("streaming append: %w", res.err)
	}

	s.next = s.inflightTo
	s.size = res.size
	if s.checkpoint != nil {
		if err := s.checkpoint(Checkpoint{Frontier: s.Frontier(), Size: s.size}); err != nil {
			return fmt.Errorf("record assembly checkpoint: %w", err)
		}
	}
	return nil
}

// Finish waits for the in-flight append, appends every remaining segment and
// moves the part file to the output path. A missing chunk is fatal.
func (s *Stream) Finish(ctx context.Context) error {
	if s.closed {
		return errors.New("stream is closed")
	}

	if s.inflight != nil {
		select {
		case res := <-s.inflight:
			if err := s.confirm(res); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rest := s.ids[s.next:]
	if err := checkChunks(s.layout, rest); err != nil {
		return err
	}
	n, err := appendChunks(ctx, s.part, s.layout, rest)
	if err != nil {
		return err
	}
	s.size += n
	s.next = len(s.ids)

	if err := s.part.Sync(); err != nil {
		return fmt.Errorf("sync part file: %w", err)
	}
	s.closed = true
	if err := s.part.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	if err := os.Rename(s.layout.Part(), s.layout.Output()); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// Abort cancels an in-flight append and closes the part file. The part file
// stays on disk for a later resume. Calling Abort after Finish is a no-op.
func (s *Stream) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	if s.inflight != nil {
		s.cancel()
		<-s.inflight
		s.inflight = nil
	}
	s.part.Close()
}
