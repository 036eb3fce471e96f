// Package job runs one url/prefix download from start to finish: it
// resolves and caches the playlist, plans the segments, launches the agent,
// supervises the transfer and assembles the output.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agleyzer/segfetch/internal/agent"
	"github.com/agleyzer/segfetch/internal/assemble"
	"github.com/agleyzer/segfetch/internal/extractor"
	"github.com/agleyzer/segfetch/internal/parser"
	"github.com/agleyzer/segfetch/internal/planner"
	"github.com/agleyzer/segfetch/internal/resume"
	"github.com/agleyzer/segfetch/internal/segment"
	"github.com/agleyzer/segfetch/internal/supervisor"
	"github.com/agleyzer/segfetch/internal/variant"
)

const stopTimeout = 15 * time.Second

// Resolver turns a source URL into a playlist URL and supplies the user
// agent to fetch it with. extractor.Extractor implements it.
type Resolver interface {
	PlaylistURL(ctx context.Context, sourceURL string) (string, error)
	UserAgent(ctx context.Context) (string, error)
}

// Options configures a job.
type Options struct {
	Filters planner.Filters

	Resolver Resolver

	// UserAgent overrides the extractor's user agent when set
	UserAgent string

	Launcher agent.Launcher

	// Agent is the launch template; Layout and UserAgent are filled in per job
	Agent agent.LaunchOptions

	Supervisor supervisor.Config

	// Streaming assembles while downloading instead of after the drain
	Streaming bool

	// Keep leaves resume state and chunk files in place after success
	Keep bool

	// Watch is called with the supervisor before it starts, to expose its
	// progress
	Watch func(*supervisor.Supervisor)

	Logger *slog.Logger
}

// MasterPlaylistError reports a master playlist where a media playlist was
// expected. Variants are ordered from highest to lowest bandwidth.
type MasterPlaylistError struct {
	URL      string
	Variants []variant.Variant
}

func (e *MasterPlaylistError) Error() string {
	lines := make([]string, len(e.Variants))
	for i, v := range e.Variants {
		lines[i] = "\n  " + v.String()
	}
	return fmt.Sprintf("%s is a master playlist, pass one of its %d variants instead:%s",
		e.URL, len(e.Variants), strings.Join(lines, ""))
}

func (e *MasterPlaylistError) Unwrap() error { return parser.ErrMasterPlaylist }

// Result describes a finished job.
type Result struct {
	Output   string
	Skipped  bool
	Segments int
}

// Run downloads url into "<prefix>.mp4". A job whose output already exists
// is skipped. On failure all resumable state is left in place, so running
// the same job again continues where it stopped.
func Run(ctx context.Context, url, prefix string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	layout, err := resume.NewLayout(prefix)
	if err != nil {
		return Result{}, err
	}
	logger = logger.With("job", filepath.Base(layout.Prefix))

	if _, err := os.Stat(layout.Output()); err == nil {
		logger.Info("skipping download for existing file, rename or remove it to force",
			"output", layout.Output())
		return Result{Output: layout.Output(), Skipped: true}, nil
	}

	lock, err := resume.AcquireLock(layout)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release job lock", "error", err)
		}
	}()

	store := resume.Open(layout)

	playlistURL, userAgent, err := resolve(ctx, store, url, opts, logger)
	if err != nil {
		return Result{}, err
	}

	manifest, err := cached(store, resume.KeyManifest, func() (string, error) {
		return fetchMedia(ctx, playlistURL, userAgent, logger)
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	entries, err := parser.Decode(manifest)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse playlist: %w", err)
	}
	segs, err := planner.Plan(entries, playlistURL, opts.Filters)
	if err != nil {
		return Result{}, fmt.Errorf("failed to plan download: %w", err)
	}
	if len(segs) == 0 {
		return Result{}, fmt.Errorf("no segments selected out of %d in the playlist", len(entries))
	}
	logger.Info("planned download",
		"segments", len(segs),
		"playlist_segments", len(entries),
		"duration", planner.TotalDuration(segs))

	if err := store.Put(resume.KeyOutputName, filepath.Base(layout.Output())); err != nil {
		return Result{}, err
	}

	if err := download(ctx, store, segs, userAgent, opts, logger); err != nil {
		return Result{}, err
	}

	if !opts.Keep {
		cleanup(store, segs, logger)
	}

	logger.Info("finished", "output", layout.Output())
	return Result{Output: layout.Output(), Segments: len(segs)}, nil
}

func resolve(ctx context.Context, store *resume.Store, url string, opts Options, logger *slog.Logger) (string, string, error) {
	playlistURL, err := cached(store, resume.KeyPlaylistURL, func() (string, error) {
		if extractor.IsPlaylistURL(url) {
			return url, nil
		}
		logger.Debug("resolving playlist URL", "url", url)
		return opts.Resolver.PlaylistURL(ctx, url)
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve playlist URL: %w", err)
	}

	userAgent, err := cached(store, resume.KeyUserAgent, func() (string, error) {
		if opts.UserAgent != "" {
			return opts.UserAgent, nil
		}
		return opts.Resolver.UserAgent(ctx)
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get user agent: %w", err)
	}
	return playlistURL, userAgent, nil
}

// fetchMedia fetches the playlist at playlistURL and checks that it is a
// media playlist. A master playlist yields a *MasterPlaylistError listing its
// variants.
func fetchMedia(ctx context.Context, playlistURL, userAgent string, logger *slog.Logger) (string, error) {
	logger.Debug("fetching playlist", "url", playlistURL)
	text, err := parser.Fetch(ctx, playlistURL, userAgent)
	if err != nil {
		return "", err
	}
	if _, err := parser.Decode(text); !errors.Is(err, parser.ErrMasterPlaylist) {
		return text, nil
	}

	variants, err := parser.Variants(text, playlistURL)
	if err != nil {
		return "", err
	}
	return "", &MasterPlaylistError{URL: playlistURL, Variants: variant.ByBandwidth(variants)}
}

// cached returns the stored value of key, computing and storing it first
// when absent.
func cached(store *resume.Store, key resume.Key, compute func() (string, error)) (string, error) {
	if v, ok, err := store.Get(key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	v, err := compute()
	if err != nil {
		return "", err
	}
	if err := store.Put(key, v); err != nil {
		return "", err
	}
	return v, nil
}

// download launches the agent, supervises the transfer and assembles the
// output. The agent is always stopped before download returns.
func download(ctx context.Context, store *resume.Store, segs []segment.Segment, userAgent string, opts Options, logger *slog.Logger) error {
	layout := store.Layout()

	launch := opts.Agent
	launch.Layout = layout
	launch.UserAgent = userAgent

	handle, err := opts.Launcher.Launch(ctx, launch)
	if err != nil {
		return fmt.Errorf("failed to launch agent: %w", err)
	}
	stopped := false
	stop := func(graceful bool) error {
		if stopped {
			return nil
		}
		stopped = true
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return handle.Stop(sctx, graceful)
	}
	defer func() {
		if err := stop(false); err != nil {
			logger.Warn("failed to stop agent", "error", err)
		}
		// the control endpoint dies with the agent
		if err := store.Clear(resume.KeyRPCSecret, resume.KeyRPCPort); err != nil {
			logger.Warn("failed to clear agent control cache", "error", err)
		}
	}()

	err = store.Update(func(s *resume.State) {
		s.RPCSecret = handle.ControlSecret()
		s.RPCPort = handle.ControlPort()
	})
	if err != nil {
		return err
	}

	client := agent.NewClient(handle.Endpoint(), handle.ControlSecret(), logger)
	if err := handle.WaitReady(ctx, client); err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}

	var stream *assemble.Stream
	if opts.Streaming {
		stream, err = openStream(store, segs, logger)
		if err != nil {
			return err
		}
		defer stream.Abort()
	}

	supCfg := opts.Supervisor
	if supCfg.Logger == nil {
		supCfg.Logger = logger
	}
	sup, err := supervisor.New(supCfg, client, store, segs)
	if err != nil {
		return err
	}
	if stream != nil {
		sup.AttachStream(stream)
	}
	if opts.Watch != nil {
		opts.Watch(sup)
	}

	if err := sup.Run(ctx); err != nil {
		var unresolved *supervisor.UnresolvedError
		if errors.As(err, &unresolved) {
			logger.Error("unresolved download errors, aborting", "failed", len(unresolved.IDs), "passes", unresolved.Passes)
			logger.Debug("unresolved segments", "ids", unresolved.IDs)
		}
		logMissing(err, layout, logger)
		return err
	}

	if err := client.Shutdown(ctx); err != nil {
		logger.Warn("agent shutdown request failed", "error", err)
	} else if err := stop(true); err != nil {
		logger.Warn("agent exited uncleanly", "error", err)
	}

	logger.Info("concatenating chunk files", "count", len(segs))
	if stream != nil {
		err := stream.Finish(ctx)
		logMissing(err, layout, logger)
		return err
	}
	if err := assemble.Batch(ctx, layout, segment.IDs(segs)); err != nil {
		logMissing(err, layout, logger)
		return err
	}
	return nil
}

// logMissing explains how to recover when err reports chunks that the
// completed log claims are done.
func logMissing(err error, layout resume.Layout, logger *slog.Logger) {
	var missing *assemble.MissingError
	if errors.As(err, &missing) {
		logger.Error("aborting due to missing chunks, remove their lines (or the whole file) from the completed log to re-download",
			"missing", len(missing.IDs),
			"ids", missing.IDs,
			"log", layout.Log())
	}
}

func openStream(store *resume.Store, segs []segment.Segment, logger *slog.Logger) (*assemble.Stream, error) {
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	from := assemble.Checkpoint{Frontier: state.StreamFrontier, Size: state.StreamSize}

	checkpoint := func(c assemble.Checkpoint) error {
		return store.Update(func(s *resume.State) {
			s.StreamFrontier = c.Frontier
			s.StreamSize = c.Size
		})
	}
	return assemble.OpenStream(store.Layout(), segment.IDs(segs), from, checkpoint, logger)
}

// cleanup removes the resume state and the chunk files of a finished job.
// Failures are logged, the output is already complete.
func cleanup(store *resume.Store, segs []segment.Segment, logger *slog.Logger) {
	layout := store.Layout()
	removed := 0
	for _, seg := range segs {
		if err := os.Remove(layout.Chunk(seg.ID)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove chunk", "path", layout.Chunk(seg.ID), "error", err)
			}
			continue
		}
		removed++
	}
	if err := store.Remove(); err != nil {
		logger.Warn("failed to remove resume state", "error", err)
	}
	logger.Debug("cleaned up temporary files", "chunks", removed)
}
