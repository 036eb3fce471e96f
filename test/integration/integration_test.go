package integration

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestDownloadAndAssemble verifies that every segment is fetched and the
// output is their concatenation in playlist order.
func TestDownloadAndAssemble(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	for _, streaming := range []bool{false, true} {
		name := "batch"
		if streaming {
			name = "streaming"
		}
		t.Run(name, func(t *testing.T) {
			harness := NewTestHarness(t)
			defer harness.Cleanup()

			segments := makeSegments(12, 4096)
			url := harness.StartOrigin(segments, 2.0)
			prefix := harness.Prefix("video")

			args := []string{url, prefix}
			if streaming {
				args = append([]string{"--streaming"}, args...)
			}
			if _, err := harness.Run(args...); err != nil {
				t.Fatalf("segfetch failed: %v", err)
			}

			got, err := os.ReadFile(prefix + ".mp4")
			if err != nil {
				t.Fatalf("failed to read output: %v", err)
			}
			if want := bytes.Join(segments, nil); !bytes.Equal(got, want) {
				t.Errorf("output is %d bytes, want %d bytes of ordered segments", len(got), len(want))
			}

			leftovers, _ := filepath.Glob(prefix + ".*")
			if len(leftovers) != 1 {
				t.Errorf("files after run = %v, want only the output", leftovers)
			}
		})
	}
}

// TestSliceDownload verifies that start position and length select a
// contiguous run of segments.
func TestSliceDownload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	segments := makeSegments(10, 1024)
	url := harness.StartOrigin(segments, 10.0)
	prefix := harness.Prefix("slice")

	// Segment 1 ends exactly at 20s and is the first kept, then 30s more.
	if _, err := harness.Run("-s", "20", "-l", "30", url, prefix); err != nil {
		t.Fatalf("segfetch failed: %v", err)
	}

	got, err := os.ReadFile(prefix + ".mp4")
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if want := bytes.Join(segments[1:5], nil); !bytes.Equal(got, want) {
		t.Errorf("output is %d bytes, want %d bytes of segments 1-4", len(got), len(want))
	}
	if n := harness.Requests(0); n != 0 {
		t.Errorf("segment 0 requested %d times, want 0", n)
	}
	if n := harness.Requests(5); n != 0 {
		t.Errorf("segment 5 requested %d times, want 0", n)
	}
}

// TestResumeAfterFailure verifies that a failed run leaves resumable state
// and the rerun only fetches what is still missing.
func TestResumeAfterFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	segments := makeSegments(8, 2048)
	url := harness.StartOrigin(segments, 2.0)
	prefix := harness.Prefix("resume")

	// Phase 1: segment 3 is missing at the origin
	harness.SetMissing(3, true)
	if _, err := harness.Run("--max-passes", "1", url, prefix); err == nil {
		t.Fatal("segfetch succeeded with a missing segment")
	}
	if _, err := os.Stat(prefix + ".mp4"); !os.IsNotExist(err) {
		t.Errorf("output exists after failed run: %v", err)
	}
	if _, err := os.Stat(prefix + ".gids"); err != nil {
		t.Errorf("completed log missing after failed run: %v", err)
	}

	before := make([]int, len(segments))
	for i := range segments {
		before[i] = harness.Requests(i)
	}

	// Phase 2: the origin recovers
	harness.SetMissing(3, false)
	if _, err := harness.Run(url, prefix); err != nil {
		t.Fatalf("resumed segfetch failed: %v", err)
	}

	got, err := os.ReadFile(prefix + ".mp4")
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if want := bytes.Join(segments, nil); !bytes.Equal(got, want) {
		t.Errorf("output is %d bytes, want %d bytes of ordered segments", len(got), len(want))
	}

	for i := range segments {
		if i == 3 {
			continue
		}
		if n := harness.Requests(i); n != before[i] {
			t.Errorf("segment %d requested again on resume (%d -> %d)", i, before[i], n)
		}
	}
	if harness.Requests(3) == before[3] {
		t.Error("segment 3 was not fetched on resume")
	}
}

// TestSkipsExistingOutput verifies that a finished job is not redone.
func TestSkipsExistingOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()

	url := harness.StartOrigin(makeSegments(3, 512), 2.0)
	prefix := harness.Prefix("done")
	if err := os.WriteFile(prefix+".mp4", []byte("finished"), 0644); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}

	if _, err := harness.Run(url, prefix); err != nil {
		t.Fatalf("segfetch failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if n := harness.Requests(i); n != 0 {
			t.Errorf("segment %d requested %d times, want 0", i, n)
		}
	}
	got, _ := os.ReadFile(prefix + ".mp4")
	if string(got) != "finished" {
		t.Errorf("output = %q, want untouched", got)
	}
}
