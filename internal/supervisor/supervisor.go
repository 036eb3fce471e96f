// Package supervisor drives a planned download through the agent: it submits
// the segments, waits for the agent to drain, reconciles the agent's view
// with the completed log and retries failures in bounded passes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/segfetch/internal/agent"
	"github.com/agleyzer/segfetch/internal/assemble"
	"github.com/agleyzer/segfetch/internal/resume"
	"github.com/agleyzer/segfetch/internal/segment"
)

// Agent is the part of the agent control client the supervisor uses.
type Agent interface {
	AddBatch(ctx context.Context, reqs []agent.Request, atHead bool) ([]string, error)
	Status(ctx context.Context, gid string) (agent.Status, error)
	CountActive(ctx context.Context) (int, error)
	CountWaiting(ctx context.Context, limit int) (int, bool, error)
	Reposition(ctx context.Context, gid string, toHead bool) error
	PurgeResults(ctx context.Context) error
	RemoveResult(ctx context.Context, gid string) error
}

// Config holds the supervision parameters.
type Config struct {
	// PollInterval is the delay between agent queue polls
	PollInterval time.Duration

	// RetryDelay is the pause before a retry pass
	RetryDelay time.Duration

	// MaxPasses bounds the number of enqueue/drain passes
	MaxPasses int

	// WaitingLimit caps how many waiting downloads a poll looks at
	WaitingLimit int

	Logger *slog.Logger
}

// Validate fills in defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxPasses == 0 {
		c.MaxPasses = 10
	}
	if c.WaitingLimit == 0 {
		c.WaitingLimit = 100
	}
	if c.PollInterval < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("poll interval and retry delay must not be negative")
	}
	if c.MaxPasses < 1 {
		return fmt.Errorf("max passes must be at least 1, got %d", c.MaxPasses)
	}
	if c.WaitingLimit < 1 {
		return fmt.Errorf("waiting limit must be at least 1, got %d", c.WaitingLimit)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// UnresolvedError lists the segments still missing after the last pass.
type UnresolvedError struct {
	IDs    []int
	Passes int
}

func (e *UnresolvedError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("%d segment(s) unresolved after %d passes: %s",
		len(e.IDs), e.Passes, strings.Join(ids, ", "))
}

// Supervisor runs one job's segments to completion. All per-job state lives
// here; a Supervisor is not reused across jobs.
type Supervisor struct {
	cfg    Config
	agent  Agent
	store  *resume.Store
	layout resume.Layout
	logger *slog.Logger

	segs []segment.Segment
	byID map[int]segment.Segment

	stream *assemble.Stream

	completed    map[int]bool
	requeued     map[int]int // id -> pass of its last streaming requeue
	repositioned map[int]bool
	passStarted  int

	mu       sync.RWMutex
	progress Progress
}

// New creates a Supervisor for segs.
func New(cfg Config, ag Agent, store *resume.Store, segs []segment.Segment) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}

	byID := make(map[int]segment.Segment, len(segs))
	for _, seg := range segs {
		if _, dup := byID[seg.ID]; dup {
			return nil, fmt.Errorf("duplicate segment id %d", seg.ID)
		}
		byID[seg.ID] = seg
	}

	return &Supervisor{
		cfg:          cfg,
		agent:        ag,
		store:        store,
		layout:       store.Layout(),
		logger:       cfg.Logger,
		segs:         segs,
		byID:         byID,
		completed:    make(map[int]bool),
		requeued:     make(map[int]int),
		repositioned: make(map[int]bool),
		progress:     Progress{State: StatePlanning, Planned: len(segs)},
	}, nil
}

// AttachStream makes every drain poll advance the streaming assembler.
func (s *Supervisor) AttachStream(stream *assemble.Stream) {
	s.stream = stream
}

// Progress returns a snapshot of the run. It is safe to call from any
// goroutine.
func (s *Supervisor) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

func (s *Supervisor) update(fn func(p *Progress)) {
	s.mu.Lock()
	fn(&s.progress)
	s.mu.Unlock()
}

func (s *Supervisor) transition(state State) {
	s.update(func(p *Progress) { p.State = state })
	p := s.Progress()
	s.logger.Info("supervisor state",
		"state", state.String(),
		"pass", p.Pass,
		"started", p.Started,
		"drained", p.Drained,
		"outstanding", p.Outstanding,
		"done", p.Done,
		"planned", p.Planned)
}

// Run supervises until every segment is done, the pass bound is exhausted
// or an unrecoverable error occurs. Protocol violations are returned as is
// and never retried.
func (s *Supervisor) Run(ctx context.Context) error {
	s.transition(StatePlanning)

	if err := s.refreshCompleted(); err != nil {
		s.transition(StateFailed)
		return err
	}
	candidates := s.missing()
	if done := len(s.segs) - len(candidates); done > 0 {
		s.logger.Info("resuming with completed segments", "done", done, "remaining", len(candidates))
	}

	for pass := 1; ; pass++ {
		s.update(func(p *Progress) {
			p.Pass = pass
			p.Drained = 0
		})

		if len(candidates) > 0 {
			s.transition(StateEnqueueing)
			if err := s.enqueue(ctx, candidates, false); err != nil {
				s.transition(StateFailed)
				return err
			}
		}
		s.passStarted = len(candidates)

		s.transition(StateDraining)
		if err := s.drain(ctx, pass); err != nil {
			s.transition(StateFailed)
			return err
		}

		s.transition(StateReconciling)
		var err error
		candidates, err = s.reconcile(ctx)
		if err != nil {
			s.transition(StateFailed)
			return err
		}

		if len(candidates) == 0 {
			s.transition(StateDone)
			return nil
		}
		if pass >= s.cfg.MaxPasses {
			s.transition(StateFailed)
			return &UnresolvedError{IDs: candidates, Passes: pass}
		}

		s.transition(StateRetrying)
		s.logger.Info("retrying failed segments", "count", len(candidates), "delay", s.cfg.RetryDelay)
		if err := s.agent.PurgeResults(ctx); err != nil {
			s.transition(StateFailed)
			return fmt.Errorf("purge agent results: %w", err)
		}
		if err := sleep(ctx, s.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// enqueue submits ids, in id order, in batches of at most MaxBatch.
func (s *Supervisor) enqueue(ctx context.Context, ids []int, atHead bool) error {
	for start := 0; start < len(ids); start += agent.MaxBatch {
		end := start + agent.MaxBatch
		if end > len(ids) {
			end = len(ids)
		}

		reqs := make([]agent.Request, 0, end-start)
		for _, id := range ids[start:end] {
			reqs = append(reqs, s.request(id))
		}
		if _, err := s.agent.AddBatch(ctx, reqs, atHead); err != nil {
			return fmt.Errorf("submit segments %d-%d: %w", ids[start], ids[end-1], err)
		}
		s.update(func(p *Progress) { p.Started += len(reqs) })
		s.logger.Debug("submitted batch", "first", ids[start], "last", ids[end-1], "count", len(reqs))
	}
	return nil
}

func (s *Supervisor) request(id int) agent.Request {
	return agent.Request{
		GID: segment.GID(id),
		URL: s.byID[id].URL,
		Out: s.layout.ChunkTempName(id),
		Dir: s.layout.Dir(),
	}
}

// drain polls the agent until nothing is active or waiting.
func (s *Supervisor) drain(ctx context.Context, pass int) error {
	for {
		active, err := s.agent.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("poll active downloads: %w", err)
		}
		waiting, capped, err := s.agent.CountWaiting(ctx, s.cfg.WaitingLimit)
		if err != nil {
			return fmt.Errorf("poll waiting downloads: %w", err)
		}

		outstanding := active + waiting
		s.update(func(p *Progress) {
			p.Outstanding = outstanding
			p.OutstandingCapped = capped
			p.Drained = max(0, s.passStarted-outstanding)
		})

		requeued := 0
		if s.stream != nil {
			requeued, err = s.advanceStream(ctx, pass)
			if err != nil {
				return err
			}
		}

		if outstanding == 0 && requeued == 0 {
			return nil
		}

		s.logger.Debug("waiting for downloads",
			"outstanding", outstanding,
			"capped", capped,
			"pass", pass,
			"max_passes", s.cfg.MaxPasses)

		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// advanceStream moves the streaming assembler forward. Errored segments at
// the frontier are requeued at the head of the agent queue right away, once
// per pass, and a waiting frontier segment is moved to the head once.
func (s *Supervisor) advanceStream(ctx context.Context, pass int) (int, error) {
	if err := s.refreshCompleted(); err != nil {
		return 0, err
	}

	blocked, blockedState := 0, segment.StatePending
	lookup := func(ctx context.Context, id int) (segment.State, error) {
		st, err := s.segmentState(ctx, id)
		if err == nil && st != segment.StateDone && blocked == 0 {
			blocked, blockedState = id, st
		}
		return st, err
	}

	retry, err := s.stream.Advance(ctx, lookup)
	if err != nil {
		return 0, err
	}
	s.update(func(p *Progress) { p.Frontier = s.stream.Frontier() })

	if blocked != 0 && blockedState == segment.StateWaiting && !s.repositioned[blocked] {
		s.repositioned[blocked] = true
		if err := s.agent.Reposition(ctx, segment.GID(blocked), true); err != nil {
			var rpcErr *agent.RPCError
			if !errors.As(err, &rpcErr) {
				return 0, fmt.Errorf("move segment %d to queue head: %w", blocked, err)
			}
			s.logger.Debug("could not move segment to queue head", "id", blocked, "error", err)
		} else {
			s.logger.Debug("moved frontier segment to queue head", "id", blocked)
		}
	}

	var requeue []int
	for _, id := range retry {
		if s.requeued[id] == pass {
			continue
		}
		s.requeued[id] = pass
		if err := s.agent.RemoveResult(ctx, segment.GID(id)); err != nil {
			var rpcErr *agent.RPCError
			if !errors.As(err, &rpcErr) {
				return 0, fmt.Errorf("drop result of segment %d: %w", id, err)
			}
		}
		requeue = append(requeue, id)
	}
	if len(requeue) > 0 {
		s.logger.Info("requeueing failed frontier segments", "ids", requeue)
		if err := s.enqueue(ctx, requeue, true); err != nil {
			return 0, err
		}
	}
	return len(requeue), nil
}

// segmentState derives the state of one segment from the completed set and
// the agent's report.
func (s *Supervisor) segmentState(ctx context.Context, id int) (segment.State, error) {
	if s.completed[id] {
		return segment.StateDone, nil
	}

	st, err := s.agent.Status(ctx, segment.GID(id))
	if err != nil {
		return segment.StatePending, fmt.Errorf("status of segment %d: %w", id, err)
	}
	switch st.State {
	case agent.StatusActive:
		return segment.StateActive, nil
	case agent.StatusWaiting, agent.StatusPaused:
		return segment.StateWaiting, nil
	case agent.StatusError, agent.StatusRemoved:
		return segment.StateErrored, nil
	case agent.StatusComplete:
		// The hook may not have run yet; only the log makes it done.
		return segment.StateQueued, nil
	default:
		return segment.StatePending, nil
	}
}

// reconcile re-reads the completed log and asks the agent about every
// segment still missing. Segments the agent reports complete whose temporary
// chunk is on disk are finalized here, covering a completion hook that never
// ran. Everything else is returned for retry.
func (s *Supervisor) reconcile(ctx context.Context) ([]int, error) {
	if err := s.refreshCompleted(); err != nil {
		return nil, err
	}

	var retry []int
	for _, id := range s.missing() {
		gid := segment.GID(id)
		st, err := s.agent.Status(ctx, gid)
		if err != nil {
			return nil, fmt.Errorf("status of segment %d: %w", id, err)
		}

		if st.State == agent.StatusComplete {
			if _, statErr := os.Stat(s.layout.ChunkTemp(id)); statErr == nil {
				if _, err := agent.Complete(s.layout, gid, s.layout.ChunkTemp(id)); err != nil {
					s.logger.Warn("failed to finalize completed segment", "id", id, "error", err)
					retry = append(retry, id)
					continue
				}
				s.logger.Warn("finalized segment whose completion hook did not run", "id", id)
				s.completed[id] = true
				continue
			}
		}

		if st.State == agent.StatusError {
			s.logger.Debug("segment failed",
				"id", id,
				"code", st.ErrorCode,
				"message", st.ErrorMessage)
		}
		retry = append(retry, id)
	}

	s.update(func(p *Progress) { p.Done = len(s.segs) - len(retry) })
	return retry, nil
}

// refreshCompleted reloads the completed set. A logged id whose chunk file
// is gone is data loss: it is reported as a *assemble.MissingError and never
// downloaded again behind the log's back.
func (s *Supervisor) refreshCompleted() error {
	logged, err := s.store.ReadCompleted()
	if err != nil {
		return fmt.Errorf("read completed log: %w", err)
	}

	var lost []int
	for id := range logged {
		if _, planned := s.byID[id]; !planned || s.completed[id] {
			continue
		}
		if _, err := os.Stat(s.layout.Chunk(id)); err != nil {
			lost = append(lost, id)
			continue
		}
		s.completed[id] = true
	}
	done := len(s.completed)
	s.update(func(p *Progress) { p.Done = done })

	if len(lost) > 0 {
		sort.Ints(lost)
		return &assemble.MissingError{IDs: lost}
	}
	return nil
}

// missing returns the planned ids not yet completed, sorted.
func (s *Supervisor) missing() []int {
	var ids []int
	for _, seg := range s.segs {
		if !s.completed[seg.ID] {
			ids = append(ids, seg.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// Completed returns the completed ids, sorted.
func (s *Supervisor) Completed() []int {
	ids := make([]int, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
