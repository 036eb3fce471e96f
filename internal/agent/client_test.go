package agent_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/agleyzer/segfetch/internal/agent"
	"github.com/agleyzer/segfetch/internal/agent/agenttest"
	"github.com/agleyzer/segfetch/internal/segment"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func requests(dir string, ids ...int) []agent.Request {
	reqs := make([]agent.Request, len(ids))
	for i, id := range ids {
		reqs[i] = agent.Request{
			GID: segment.GID(id),
			URL: "https://cdn.example.com/" + segment.GID(id) + ".ts",
			Out: segment.GID(id) + ".tmp",
			Dir: dir,
		}
	}
	return reqs
}

func TestClient_AddBatchEchoesGIDs(t *testing.T) {
	fake := agenttest.NewServer(t, "s3cret")
	client := agent.NewClient(fake.URL(), "s3cret", createTestLogger())

	reqs := requests(t.TempDir(), 1, 2, 3)
	echoed, err := client.AddBatch(context.Background(), reqs, false)
	if err != nil {
		t.Fatalf("AddBatch() error = %v", err)
	}

	want := []string{segment.GID(1), segment.GID(2), segment.GID(3)}
	if !reflect.DeepEqual(echoed, want) {
		t.Errorf("echoed = %v, want %v", echoed, want)
	}
	if !reflect.DeepEqual(fake.Waiting(), want) {
		t.Errorf("agent queue = %v, want %v", fake.Waiting(), want)
	}
}

func TestClient_AddBatchAtHeadKeepsOrder(t *testing.T) {
	fake := agenttest.NewServer(t, "s3cret")
	client := agent.NewClient(fake.URL(), "s3cret", createTestLogger())
	dir := t.TempDir()
	ctx := context.Background()

	if _, err := client.AddBatch(ctx, requests(dir, 5, 6), false); err != nil {
		t.Fatalf("AddBatch() error = %v", err)
	}
	if _, err := client.AddBatch(ctx, requests(dir, 1, 2), true); err != nil {
		t.Fatalf("AddBatch(atHead) error = %v", err)
	}

	want := []string{segment.GID(1), segment.GID(2), segment.GID(5), segment.GID(6)}
	if !reflect.DeepEqual(fake.Waiting(), want) {
		t.Errorf("agent queue = %v, want %v", fake.Waiting(), want)
	}
}

func TestClient_AddBatchProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		echo func([]string) []string
	}{
		{
			name: "swapped order",
			echo: func(g []string) []string {
				out := append([]string(nil), g...)
				out[0], out[1] = out[1], out[0]
				return out
			},
		},
		{
			name: "substituted gid",
			echo: func(g []string) []string {
				out := append([]string(nil), g...)
				out[2] = segment.GID(99)
				return out
			},
		},
		{
			name: "short answer",
			echo: func(g []string) []string { return g[:2] },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := agenttest.NewServer(t, "s3cret")
			fake.Echo = tt.echo
			client := agent.NewClient(fake.URL(), "s3cret", createTestLogger())

			_, err := client.AddBatch(context.Background(), requests(t.TempDir(), 1, 2, 3), false)
			var protoErr *agent.ProtocolError
			if !errors.As(err, &protoErr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
		})
	}
}

func TestClient_AddBatchTooLarge(t *testing.T) {
	fake := agenttest.NewServer(t, "s3cret")
	client := agent.NewClient(fake.URL(), "s3cret", createTestLogger())

	ids := make([]int, agent.MaxBatch+1)
	for i := range ids {
		ids[i] = i + 1
	}
	if _, err := client.AddBatch(context.Background(), requests(t.TempDir(), ids...), false); err == nil {
		t.Fatal("expected error for oversized batch")
	}
	if fake.Calls("system.multicall") != 0 {
		t.Error("oversized batch must not reach the agent")
	}
}

func TestClient_WrongSecret(t *testing.T) {
	fake := agenttest.NewServer(t, "s3cret")
	client := agent.NewClient(fake.URL(), "wrong", createTestLogger())

	_, err := client.Version(context.Background())
	var rpcErr *agent.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
}

func TestClient_StatusAndQueues(t *testing.T) {
	fake := agenttest.NewServer(t, "s3cret")
	fake.PerPoll = 1
	fake.Fail = map[string]bool{segment.GID(1): true}
	client := agent.NewClient(fake.URL(), "s3cret", createTestLogger())
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := client.AddBatch(ctx, requests(dir, 1, 2, 3), false); err != nil {
		t.Fatalf("AddBatch() error = %v", err)
	}

	n, capped, err := client.CountWaiting(ctx, 2)
	if err != nil {
		t.Fatalf("CountWaiting() error = %v", err)
	}
	if n != 2 || !capped {
		t.Errorf("CountWaiting(2) = %d, %v; want 2, true", n, capped)
	}
	for _, tc := range []struct {
		limit      int
		wantN      int
		wantCapped bool
	}{
		{limit: 10, wantN: 3, wantCapped: false},
		{limit: 3, wantN: 3, wantCapped: true},
		{limit: 0, wantN: 0, wantCapped: false},
	} {
		n, capped, err := client.CountWaiting(ctx, tc.limit)
		if err != nil {
			t.Fatalf("CountWaiting(%d) error = %v", tc.limit, err)
		}
		if n != tc.wantN || capped != tc.wantCapped {
			t.Errorf("CountWaiting(%d) = %d, %v; want %d, %v", tc.limit, n, capped, tc.wantN, tc.wantCapped)
		}
	}

	if err := client.Reposition(ctx, segment.GID(3), true); err != nil {
		t.Fatalf("Reposition() error = %v", err)
	}
	wantQueue := []string{segment.GID(3), segment.GID(1), segment.GID(2)}
	if !reflect.DeepEqual(fake.Waiting(), wantQueue) {
		t.Errorf("queue after reposition = %v, want %v", fake.Waiting(), wantQueue)
	}

	// Two polls finish gid 3 and then fail gid 1.
	for i := 0; i < 2; i++ {
		if _, err := client.CountActive(ctx); err != nil {
			t.Fatalf("CountActive() error = %v", err)
		}
	}

	st, err := client.Status(ctx, segment.GID(3))
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != agent.StatusComplete {
		t.Errorf("gid 3 state = %s, want complete", st.State)
	}
	if len(st.Files) != 1 || st.Files[0] != filepath.Join(dir, segment.GID(3)+".tmp") {
		t.Errorf("gid 3 files = %v", st.Files)
	}

	st, err = client.Status(ctx, segment.GID(1))
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != agent.StatusError {
		t.Errorf("gid 1 state = %s, want error", st.State)
	}

	if err := client.RemoveResult(ctx, segment.GID(1)); err != nil {
		t.Fatalf("RemoveResult() error = %v", err)
	}
	st, err = client.Status(ctx, segment.GID(1))
	if err != nil {
		t.Fatalf("Status() after remove error = %v", err)
	}
	if st.State != agent.StatusMissing {
		t.Errorf("gid 1 state after remove = %s, want missing", st.State)
	}

	if err := client.PurgeResults(ctx); err != nil {
		t.Fatalf("PurgeResults() error = %v", err)
	}
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !fake.IsShutdown() {
		t.Error("expected agent to be shut down")
	}
}
