package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agleyzer/segfetch/internal/resume"
	"github.com/agleyzer/segfetch/internal/segment"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLayout(t *testing.T) resume.Layout {
	t.Helper()
	return resume.Layout{Prefix: filepath.Join(t.TempDir(), "vod")}
}

func chunkData(id int) []byte {
	return []byte(fmt.Sprintf("<segment %d>", id))
}

func writeChunk(t *testing.T, layout resume.Layout, id int) {
	t.Helper()
	if err := os.WriteFile(layout.Chunk(id), chunkData(id), 0o644); err != nil {
		t.Fatalf("write chunk %d: %v", id, err)
	}
}

func expected(ids ...int) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.Write(chunkData(id))
	}
	return buf.Bytes()
}

func readOutput(t *testing.T, layout resume.Layout) []byte {
	t.Helper()
	data, err := os.ReadFile(layout.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return data
}

func TestBatch(t *testing.T) {
	layout := testLayout(t)
	for id := 1; id <= 5; id++ {
		writeChunk(t, layout, id)
	}

	if err := Batch(context.Background(), layout, []int{3, 1, 5, 2, 4}); err != nil {
		t.Fatalf("Batch() error = %v", err)
	}

	if got := readOutput(t, layout); !bytes.Equal(got, expected(1, 2, 3, 4, 5)) {
		t.Errorf("output = %q, want %q", got, expected(1, 2, 3, 4, 5))
	}
	if _, err := os.Stat(layout.OutputTemp()); !os.IsNotExist(err) {
		t.Errorf("temporary output left behind, stat error = %v", err)
	}
}

func TestBatch_MissingChunks(t *testing.T) {
	layout := testLayout(t)
	writeChunk(t, layout, 1)
	writeChunk(t, layout, 3)

	err := Batch(context.Background(), layout, []int{1, 2, 3, 4})
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if !reflect.DeepEqual(missing.IDs, []int{2, 4}) {
		t.Errorf("missing ids = %v, want [2 4]", missing.IDs)
	}
	if _, err := os.Stat(layout.Output()); !os.IsNotExist(err) {
		t.Error("no output should be written when chunks are missing")
	}
}

// states is a LookupFunc backed by a map; unknown ids are pending.
type states map[int]segment.State

func (m states) lookup(ctx context.Context, id int) (segment.State, error) {
	if st, ok := m[id]; ok {
		return st, nil
	}
	return segment.StatePending, nil
}

// settle advances until the in-flight append has been confirmed.
func settle(t *testing.T, s *Stream, lookup LookupFunc) {
	t.Helper()
	for i := 0; i < 1000 && s.inflight != nil; i++ {
		if _, err := s.Advance(context.Background(), lookup); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if s.inflight != nil {
		t.Fatal("append never finished")
	}
}

func TestStream_StrictOrdering(t *testing.T) {
	layout := testLayout(t)
	var checkpoints []Checkpoint
	s, err := OpenStream(layout, []int{1, 2, 3, 4}, Checkpoint{}, func(c Checkpoint) error {
		checkpoints = append(checkpoints, c)
		return nil
	}, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	st := states{}
	ctx := context.Background()

	// Segment 2 lands before segment 1.
	writeChunk(t, layout, 2)
	st[2] = segment.StateDone
	st[1] = segment.StateActive
	if _, err := s.Advance(ctx, st.lookup); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if s.inflight != nil || s.Frontier() != 1 {
		t.Fatalf("nothing may be appended before segment 1, frontier = %d", s.Frontier())
	}

	writeChunk(t, layout, 1)
	st[1] = segment.StateDone
	if _, err := s.Advance(ctx, st.lookup); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	settle(t, s, st.lookup)

	if s.Frontier() != 3 {
		t.Errorf("frontier = %d, want 3", s.Frontier())
	}
	part, err := os.ReadFile(layout.Part())
	if err != nil {
		t.Fatalf("read part file: %v", err)
	}
	if !bytes.Equal(part, expected(1, 2)) {
		t.Errorf("part file = %q, want %q", part, expected(1, 2))
	}

	writeChunk(t, layout, 3)
	writeChunk(t, layout, 4)
	if err := s.Finish(ctx); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got := readOutput(t, layout); !bytes.Equal(got, expected(1, 2, 3, 4)) {
		t.Errorf("output = %q, want %q", got, expected(1, 2, 3, 4))
	}

	want := Checkpoint{Frontier: 3, Size: int64(len(expected(1, 2)))}
	if len(checkpoints) == 0 || checkpoints[len(checkpoints)-1] != want {
		t.Errorf("checkpoints = %v, want last %v", checkpoints, want)
	}
}

func TestStream_ErroredStopsScan(t *testing.T) {
	layout := testLayout(t)
	s, err := OpenStream(layout, []int{1, 2, 3}, Checkpoint{}, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	writeChunk(t, layout, 1)
	writeChunk(t, layout, 3)
	st := states{1: segment.StateDone, 2: segment.StateErrored, 3: segment.StateDone}

	retry, err := s.Advance(context.Background(), st.lookup)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !reflect.DeepEqual(retry, []int{2}) {
		t.Errorf("retry = %v, want [2]", retry)
	}
	settle(t, s, st.lookup)
	if s.Frontier() != 2 {
		t.Errorf("frontier = %d, want 2", s.Frontier())
	}
}

func TestStream_ResumeTruncatesUnconfirmedTail(t *testing.T) {
	layout := testLayout(t)
	for id := 1; id <= 3; id++ {
		writeChunk(t, layout, id)
	}

	// A previous run confirmed segment 1 and crashed halfway through 2.
	partial := append(expected(1), chunkData(2)[:4]...)
	if err := os.WriteFile(layout.Part(), partial, 0o644); err != nil {
		t.Fatalf("write part file: %v", err)
	}
	from := Checkpoint{Frontier: 2, Size: int64(len(expected(1)))}

	s, err := OpenStream(layout, []int{1, 2, 3}, from, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	if s.Frontier() != 2 {
		t.Errorf("frontier = %d, want 2", s.Frontier())
	}
	if err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got := readOutput(t, layout); !bytes.Equal(got, expected(1, 2, 3)) {
		t.Errorf("output = %q, want %q", got, expected(1, 2, 3))
	}
}

func TestStream_ResumeWithShortPartFileStartsOver(t *testing.T) {
	layout := testLayout(t)
	for id := 1; id <= 2; id++ {
		writeChunk(t, layout, id)
	}
	if err := os.WriteFile(layout.Part(), []byte("x"), 0o644); err != nil {
		t.Fatalf("write part file: %v", err)
	}

	s, err := OpenStream(layout, []int{1, 2}, Checkpoint{Frontier: 2, Size: 100}, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	if s.Frontier() != 1 || s.Size() != 0 {
		t.Errorf("frontier, size = %d, %d; want 1, 0", s.Frontier(), s.Size())
	}
	if err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got := readOutput(t, layout); !bytes.Equal(got, expected(1, 2)) {
		t.Errorf("output = %q, want %q", got, expected(1, 2))
	}
}

func TestStream_FinishMissingChunk(t *testing.T) {
	layout := testLayout(t)
	writeChunk(t, layout, 1)

	s, err := OpenStream(layout, []int{1, 2}, Checkpoint{}, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	err = s.Finish(context.Background())
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingError, got %v", err)
	}
	if _, err := os.Stat(layout.Output()); !os.IsNotExist(err) {
		t.Error("output must not exist after a failed finish")
	}
}

func TestBatchAndStreamMatch(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5, 6, 7}

	batchLayout := testLayout(t)
	streamLayout := testLayout(t)
	for _, id := range ids {
		writeChunk(t, batchLayout, id)
		writeChunk(t, streamLayout, id)
	}

	if err := Batch(context.Background(), batchLayout, ids); err != nil {
		t.Fatalf("Batch() error = %v", err)
	}

	s, err := OpenStream(streamLayout, ids, Checkpoint{}, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Abort()

	// Segments become done in a scrambled order.
	st := states{}
	for _, id := range []int{4, 2, 1, 7, 3, 6, 5} {
		st[id] = segment.StateDone
		if _, err := s.Advance(context.Background(), st.lookup); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
	}
	if err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if !bytes.Equal(readOutput(t, batchLayout), readOutput(t, streamLayout)) {
		t.Error("batch and streaming outputs differ")
	}
}

func TestStream_AbortIsIdempotent(t *testing.T) {
	layout := testLayout(t)
	writeChunk(t, layout, 1)

	s, err := OpenStream(layout, []int{1}, Checkpoint{}, nil, createTestLogger())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := s.Advance(context.Background(), states{1: segment.StateDone}.lookup); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	s.Abort()
	s.Abort()

	if _, err := s.Advance(context.Background(), states{}.lookup); err == nil {
		t.Error("Advance after Abort should fail")
	}
	if _, err := os.Stat(layout.Part()); err != nil {
		t.Errorf("part file should remain after abort: %v", err)
	}
}
