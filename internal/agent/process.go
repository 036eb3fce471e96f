package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agleyzer/segfetch/internal/resume"
)

const (
	// ProbeAttempts and ProbeDelay bound the startup handshake.
	ProbeAttempts = 4
	ProbeDelay    = 1 * time.Second

	stopGrace = 10 * time.Second
)

// LaunchOptions configures one agent run.
type LaunchOptions struct {
	// Binary is the aria2c executable
	Binary string

	// HookBinary is the executable the completion hook re-enters,
	// normally this program
	HookBinary string

	Layout    resume.Layout
	UserAgent string

	// MaxConcurrent is the agent's own parallelism bound
	MaxConcurrent int

	// ExtraArgs are appended verbatim to the agent command line
	ExtraArgs []string

	Verbose bool

	// LogOutput receives the forwarded agent console output
	LogOutput io.Writer
}

// Process is a running agent.
type Process struct {
	Port   int
	Secret string

	cmd      *exec.Cmd
	hookPath string
	done     chan struct{}
	waitErr  error
	logger   *slog.Logger
}

// Launcher starts agents. Tests substitute an in-process fake.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
}

// Handle is a launched agent as seen by the job.
type Handle interface {
	Endpoint() string
	ControlSecret() string
	ControlPort() int
	WaitReady(ctx context.Context, c *Client) error
	Stop(ctx context.Context, graceful bool) error
}

// ExecLauncher launches aria2c as a child process.
type ExecLauncher struct {
	Logger *slog.Logger
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	return Launch(ctx, opts, l.Logger)
}

// Launch starts the agent with a freshly allocated control port and secret.
// Values cached from earlier runs are never reused.
func Launch(ctx context.Context, opts LaunchOptions, logger *slog.Logger) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Binary == "" {
		opts.Binary = "aria2c"
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	hookPath, err := writeHook(opts.HookBinary, opts.Layout.Prefix)
	if err != nil {
		return nil, err
	}

	args := Args(opts, port, secret, hookPath)
	cmd := exec.Command(opts.Binary, args...)
	cmd.Dir = opts.Layout.Dir()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(hookPath)
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.Remove(hookPath)
		return nil, fmt.Errorf("agent stderr: %w", err)
	}

	logger.Debug("starting agent", "binary", opts.Binary, "port", port, "hook", hookPath)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(hookPath)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	hclogger := newAgentLogger(opts.LogOutput, opts.Verbose)
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		pipeLines(stdout, hclogger)
	}()
	go func() {
		defer pipes.Done()
		pipeLines(stderr, hclogger)
	}()

	p := &Process{
		Port:     port,
		Secret:   secret,
		cmd:      cmd,
		hookPath: hookPath,
		done:     make(chan struct{}),
		logger:   logger,
	}
	go func() {
		// Wait closes the pipes, so the output must be drained first
		pipes.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Args builds the agent command line.
func Args(opts LaunchOptions, port int, secret, hookPath string) []string {
	logLevel := "warn"
	if opts.Verbose {
		logLevel = "notice"
	}
	args := []string{
		"--summary-interval=0",
		"--console-log-level=" + logLevel,
		"--stop-with-process=" + strconv.Itoa(os.Getpid()),
		"--enable-rpc=true",
		"--rpc-listen-port=" + strconv.Itoa(port),
		"--rpc-secret=" + secret,
		"--dir=" + opts.Layout.Dir(),
		"--no-netrc",
		"--always-resume=false",
		"--max-concurrent-downloads=" + strconv.Itoa(opts.MaxConcurrent),
		"--max-connection-per-server=5",
		"--max-file-not-found=5",
		"--max-tries=8",
		"--timeout=15",
		"--connect-timeout=10",
		"--lowest-speed-limit=100K",
		"--on-download-complete=" + hookPath,
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	return append(args, opts.ExtraArgs...)
}

// Endpoint returns the JSON-RPC URL of the agent.
func (p *Process) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", p.Port)
}

// ControlSecret returns the per-run RPC secret.
func (p *Process) ControlSecret() string { return p.Secret }

// ControlPort returns the per-run RPC port.
func (p *Process) ControlPort() int { return p.Port }

// Exited reports whether the agent process has terminated, and how.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.done:
		if p.waitErr == nil {
			return true, errors.New("exit status 0")
		}
		return true, p.waitErr
	default:
		return false, nil
	}
}

// WaitReady probes the agent until it answers.
func (p *Process) WaitReady(ctx context.Context, c *Client) error {
	return WaitReady(ctx, c, p.Exited, ProbeAttempts, ProbeDelay)
}

// Stop ends the agent and waits for it to exit. A graceful stop expects a
// shutdown request to have been sent already; otherwise the agent is sent
// SIGTERM. An agent that does not exit in time is killed. The hook script is
// removed in every case.
func (p *Process) Stop(ctx context.Context, graceful bool) error {
	defer func() {
		if err := os.Remove(p.hookPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove completion hook", "path", p.hookPath, "error", err)
		}
	}()

	if !graceful {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("agent did not exit in time, killing it")
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}

	if graceful && p.waitErr != nil {
		return fmt.Errorf("agent exit: %w", p.waitErr)
	}
	return nil
}

// Pinger is the probe used by WaitReady.
type Pinger interface {
	Version(ctx context.Context) (string, error)
}

// WaitReady calls p.Version up to attempts times, delay apart. When exited
// reports that the agent process is gone, its exit status is returned right
// away. Errors other than transport failures end the probe immediately.
func WaitReady(ctx context.Context, p Pinger, exited func() (bool, error), attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := p.Version(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var rpcErr *RPCError
		var protoErr *ProtocolError
		if errors.As(err, &rpcErr) || errors.As(err, &protoErr) {
			return &StartError{Attempts: i + 1, LastErr: err}
		}

		if gone, exitErr := exited(); gone {
			return &StartError{Exited: true, ExitErr: exitErr}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &StartError{Attempts: attempts, LastErr: lastErr}
}

// FreePort asks the kernel for an unused loopback TCP port.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate control port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// NewSecret returns a fresh random control secret.
func NewSecret() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate control secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
