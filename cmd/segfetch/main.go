// The segfetch command downloads segmented HLS videos through aria2c and
// assembles them into a single file, resuming interrupted downloads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/segfetch/internal/agent"
	"github.com/agleyzer/segfetch/internal/config"
	"github.com/agleyzer/segfetch/internal/extractor"
	"github.com/agleyzer/segfetch/internal/job"
	"github.com/agleyzer/segfetch/internal/server"
	"github.com/agleyzer/segfetch/internal/supervisor"
)

const (
	version = "1.0.0"
)

// stringList collects the values of a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, " ") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	cfg         config.Config
	args        []string
	showVersion bool
}

// parseFlags parses the command line on top of the environment defaults.
func parseFlags(args []string, defaults config.Config, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("segfetch", flag.ContinueOnError)
	fs.SetOutput(output)

	cfg := defaults
	var ytdlOpts, aria2cOpts stringList
	var showVersion bool

	fs.StringVar(&cfg.StartPos, "start-pos", "", "Only download segments after this position, [[hours:]minutes:]seconds")
	fs.StringVar(&cfg.StartPos, "s", "", "Shorthand for --start-pos")
	fs.StringVar(&cfg.Length, "length", "", "Only download this much of the video from the start position, [[hours:]minutes:]seconds")
	fs.StringVar(&cfg.Length, "l", "", "Shorthand for --length")
	fs.StringVar(&cfg.Scatter, "scatter", "", "Download only the first ON out of every OFF seconds, as ON/OFF position specs (e.g. '1:00/10:00')")
	fs.StringVar(&cfg.Scatter, "x", "", "Shorthand for --scatter")
	fs.Var(&ytdlOpts, "ytdl-opts", "Extra options for the extractor URL lookup. Split on spaces unless given more than once")
	fs.Var(&ytdlOpts, "y", "Shorthand for --ytdl-opts")
	fs.Var(&aria2cOpts, "aria2c-opts", "Extra options for aria2c. Split on spaces unless given more than once")
	fs.Var(&aria2cOpts, "a", "Shorthand for --aria2c-opts")
	fs.BoolVar(&cfg.Keep, "keep-tempfiles", false, "Keep resume state and chunk files after assembling the output")
	fs.BoolVar(&cfg.Keep, "k", false, "Shorthand for --keep-tempfiles")
	fs.BoolVar(&cfg.Streaming, "streaming", defaults.Streaming, "Assemble the output while segments are still downloading")
	fs.StringVar(&cfg.ExtractorBinary, "ytdl", defaults.ExtractorBinary, "Extractor executable (default yt-dlp)")
	fs.StringVar(&cfg.AgentBinary, "aria2c", defaults.AgentBinary, "aria2c executable (default aria2c)")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", defaults.MaxConcurrent, "Parallel segment downloads (default 5)")
	fs.IntVar(&cfg.MaxPasses, "max-passes", defaults.MaxPasses, "Download passes before giving up on failed segments (default 10)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaults.PollInterval, "Delay between agent progress polls (default 5s)")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", defaults.RetryDelay, "Pause before each retry pass (default 2s)")
	fs.StringVar(&cfg.StatusAddr, "status-addr", defaults.StatusAddr, "Serve progress over HTTP on this address (e.g. 127.0.0.1:9090)")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "segfetch - resumable segmented video downloader v%s\n\n", version)
		fmt.Fprintf(output, "Usage: %s [options] <url> <file-prefix> [<url-2> <file-prefix-2> ...]\n\n", fs.Name())
		fmt.Fprintf(output, "Arguments:\n")
		fmt.Fprintf(output, "  <url>            Video page or HLS media playlist URL\n")
		fmt.Fprintf(output, "  <file-prefix>    Prefix for the output (<file-prefix>.mp4) and temporary files\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  %s https://www.twitch.tv/videos/123456 stream\n", fs.Name())
		fmt.Fprintf(output, "  %s -s 1:00:00 -l 30:00 https://www.twitch.tv/videos/123456 stream-part\n", fs.Name())
		fmt.Fprintf(output, "  %s -x 1:00/10:00 https://www.twitch.tv/videos/123456 stream-preview\n", fs.Name())
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if len(ytdlOpts) > 0 {
		cfg.ExtractorArgs = config.SplitArgs(ytdlOpts)
	}
	if len(aria2cOpts) > 0 {
		cfg.AgentArgs = config.SplitArgs(aria2cOpts)
	}

	return options{cfg: cfg, args: fs.Args(), showVersion: showVersion}, nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == agent.HookCommand {
		os.Exit(runHook(os.Args[2:], os.Stderr))
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defaults, err := config.FromEnv(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts, err := parseFlags(os.Args[1:], defaults, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("segfetch v%s\n", version)
		os.Exit(0)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if opts.cfg.Debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := opts.cfg
	cfg.Jobs, err = config.Pairs(opts.args, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, stopping", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("download failed", "error", err)
		os.Exit(1)
	}
}

// runHook handles the completion hook subcommand run by aria2c.
func runHook(args []string, stderr io.Writer) int {
	if err := agent.RunHook(args); err != nil {
		fmt.Fprintf(stderr, "segfetch %s: %v\n", agent.HookCommand, err)
		return 1
	}
	return 0
}

// run processes every job in order. A failed job does not stop the ones
// after it; cancellation does.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable for the completion hook: %w", err)
	}

	var status *server.Server
	if cfg.StatusAddr != "" {
		status = server.New(cfg.StatusAddr, logger)
		sctx, stop := context.WithCancel(ctx)
		defer stop()
		go status.Start(sctx)
	}

	opts := jobOptions(cfg, self, logger)

	var errs []error
	for i, j := range cfg.Jobs {
		jobLogger := logger
		if len(cfg.Jobs) > 1 {
			jobLogger = logger.With("queue", fmt.Sprintf("%d/%d", i+1, len(cfg.Jobs)))
		}
		jobOpts := opts
		jobOpts.Logger = jobLogger
		if status != nil {
			prefix := j.Prefix
			jobOpts.Watch = func(sup *supervisor.Supervisor) { status.Watch(prefix, sup) }
		}

		jobLogger.Info("downloading", "url", j.URL, "prefix", j.Prefix)
		start := time.Now()
		res, err := job.Run(ctx, j.URL, j.Prefix, jobOpts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			jobLogger.Error("job failed, rerun to resume", "prefix", j.Prefix, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", j.Prefix, err))
			continue
		}
		if !res.Skipped {
			jobLogger.Info("download complete",
				"output", res.Output,
				"segments", res.Segments,
				"elapsed", time.Since(start).Round(time.Second))
		}
	}
	return errors.Join(errs...)
}

func jobOptions(cfg config.Config, self string, logger *slog.Logger) job.Options {
	return job.Options{
		Filters: cfg.Filters,
		Resolver: extractor.Extractor{
			Binary:    cfg.ExtractorBinary,
			ExtraArgs: cfg.ExtractorArgs,
			Verbose:   cfg.Debug,
		},
		Launcher: agent.ExecLauncher{Logger: logger},
		Agent: agent.LaunchOptions{
			Binary:        cfg.AgentBinary,
			HookBinary:    self,
			MaxConcurrent: cfg.MaxConcurrent,
			ExtraArgs:     cfg.AgentArgs,
			Verbose:       cfg.Debug,
			LogOutput:     os.Stderr,
		},
		Supervisor: supervisor.Config{
			PollInterval: cfg.PollInterval,
			RetryDelay:   cfg.RetryDelay,
			MaxPasses:    cfg.MaxPasses,
		},
		Streaming: cfg.Streaming,
		Keep:      cfg.Keep,
	}
}
