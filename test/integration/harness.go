// Package integration provides end-to-end tests that run the segfetch binary
// against a real aria2c and a local HLS origin.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHarness manages the origin server and segfetch runs for one test.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	binary     string
	extractor  string
	originDir  string
	workDir    string

	mu       sync.Mutex
	requests map[string]int
	missing  map[string]bool
}

// NewTestHarness creates a new test harness. It skips the test when aria2c
// is not installed.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	if _, err := exec.LookPath("aria2c"); err != nil {
		t.Skip("aria2c not found in PATH")
	}

	h := &TestHarness{
		t:         t,
		httpPort:  findAvailablePort(t),
		originDir: t.TempDir(),
		workDir:   t.TempDir(),
		requests:  make(map[string]int),
		missing:   make(map[string]bool),
	}
	h.binary = h.findSegfetchBinary()
	h.extractor = h.writeExtractor()
	return h
}

// StartOrigin writes the playlist and its segments and serves them over HTTP.
// It returns the playlist URL.
func (h *TestHarness) StartOrigin(segments [][]byte, duration float64) string {
	h.t.Helper()

	for i, data := range segments {
		if err := os.WriteFile(filepath.Join(h.originDir, segmentName(i)), data, 0644); err != nil {
			h.t.Fatalf("failed to write segment: %v", err)
		}
	}
	playlist := createTestPlaylist(len(segments), duration)
	if err := os.WriteFile(filepath.Join(h.originDir, "index.m3u8"), []byte(playlist), 0644); err != nil {
		h.t.Fatalf("failed to write test playlist: %v", err)
	}

	fileServer := http.FileServer(http.Dir(h.originDir))
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		h.mu.Lock()
		h.requests[name]++
		missing := h.missing[name]
		h.mu.Unlock()

		if missing {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", h.httpPort)
	h.waitForServer(base+"/index.m3u8", 5*time.Second)
	h.t.Logf("origin started on port %d", h.httpPort)
	return base + "/index.m3u8"
}

// SetMissing makes the origin answer 404 for segment i.
func (h *TestHarness) SetMissing(i int, missing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missing[segmentName(i)] = missing
}

// Requests returns how often segment i was requested.
func (h *TestHarness) Requests(i int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[segmentName(i)]
}

// Prefix returns a file prefix inside the working directory.
func (h *TestHarness) Prefix(name string) string {
	return filepath.Join(h.workDir, name)
}

// Run executes segfetch with args and returns its combined output.
func (h *TestHarness) Run(args ...string) (string, error) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	full := append([]string{"--ytdl", h.extractor, "--poll-interval", "200ms"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Dir = h.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	h.t.Logf("segfetch %s:\n%s", strings.Join(args, " "), out.String())
	return out.String(), err
}

// Cleanup stops the origin server.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findSegfetchBinary locates the segfetch binary.
func (h *TestHarness) findSegfetchBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../segfetch",          // From test/integration
		"./segfetch",              // From project root
		"../segfetch",             // From test directory
		"./cmd/segfetch/segfetch", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found segfetch binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Fatal("segfetch binary not found. Run 'go build -o segfetch ./cmd/segfetch' first")
	return ""
}

// writeExtractor installs a stand-in extractor that only reports a user
// agent, since the tests hand segfetch playlist URLs directly.
func (h *TestHarness) writeExtractor() string {
	h.t.Helper()

	path := filepath.Join(h.t.TempDir(), "fake-ytdl")
	script := "#!/bin/sh\necho 'segfetch-integration/1.0'\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		h.t.Fatalf("failed to write extractor stub: %v", err)
	}
	return path
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestPlaylist creates a VOD playlist over segment000.ts onwards.
func createTestPlaylist(numSegments int, duration float64) string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", int(duration+0.999))
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	sb.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i := 0; i < numSegments; i++ {
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\n", duration)
		sb.WriteString(segmentName(i) + "\n")
	}

	sb.WriteString("#EXT-X-ENDLIST\n")
	return sb.String()
}

func segmentName(i int) string {
	return fmt.Sprintf("segment%03d.ts", i)
}

// makeSegments returns n distinct segment payloads.
func makeSegments(n, size int) [][]byte {
	segs := make([][]byte, n)
	for i := range segs {
		segs[i] = bytes.Repeat([]byte{byte('a' + i%26)}, size+i)
	}
	return segs
}
