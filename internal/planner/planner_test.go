package planner

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/agleyzer/segfetch/internal/parser"
)

// uniformEntries builds count entries of dur seconds each, named by their
// start offset.
func uniformEntries(count int, dur float64) []parser.Entry {
	entries := make([]parser.Entry, count)
	for i := range entries {
		entries[i] = parser.Entry{
			URI:      fmt.Sprintf("%d.ts", int(float64(i)*dur)),
			Duration: dur,
		}
	}
	return entries
}

func uris(t *testing.T, entries []parser.Entry, f Filters) []string {
	t.Helper()
	segs, err := Plan(entries, "", f)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	out := make([]string, len(segs))
	for i, s := range segs {
		if s.ID != i+1 {
			t.Fatalf("segment %d has id %d, want %d", i, s.ID, i+1)
		}
		out[i] = s.Path
	}
	return out
}

func TestPlan_Filters(t *testing.T) {
	entries := uniformEntries(10, 10)

	tests := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{
			name:    "no filters includes everything",
			filters: Filters{},
			want:    []string{"0.ts", "10.ts", "20.ts", "30.ts", "40.ts", "50.ts", "60.ts", "70.ts", "80.ts", "90.ts"},
		},
		{
			name:    "start delay consumes whole segments",
			filters: Filters{StartDelay: 25},
			want:    []string{"20.ts", "30.ts", "40.ts", "50.ts", "60.ts", "70.ts", "80.ts", "90.ts"},
		},
		{
			name:    "start delay on a boundary keeps the segment ending there",
			filters: Filters{StartDelay: 20},
			want:    []string{"10.ts", "20.ts", "30.ts", "40.ts", "50.ts", "60.ts", "70.ts", "80.ts", "90.ts"},
		},
		{
			name:    "max length from the beginning",
			filters: Filters{MaxLength: 30},
			want:    []string{"0.ts", "10.ts", "20.ts"},
		},
		{
			name:    "max length after start delay",
			filters: Filters{StartDelay: 45, MaxLength: 20},
			want:    []string{"40.ts", "50.ts"},
		},
		{
			name:    "start beyond the end plans nothing",
			filters: Filters{StartDelay: 500},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := uris(t, entries, tt.filters)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlan_ScatterWindow(t *testing.T) {
	entries := uniformEntries(120, 10)
	f := Filters{Scatter: &Window{On: 60, Off: 600}}

	got := uris(t, entries, f)

	var want []string
	for start := 0; start < 1200; start += 10 {
		if (start >= 0 && start < 60) || (start >= 660 && start < 720) {
			want = append(want, fmt.Sprintf("%d.ts", start))
		}
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("scatter got %v, want %v", got, want)
	}
}

func TestPlan_ScatterWithStartAndLength(t *testing.T) {
	entries := uniformEntries(60, 10)
	f := Filters{StartDelay: 100, MaxLength: 200, Scatter: &Window{On: 20, Off: 30}}

	got := uris(t, entries, f)
	// Timeline starts with the segment ending at 100s and covers 200s from there.
	want := []string{"90.ts", "100.ts", "140.ts", "150.ts", "190.ts", "200.ts", "240.ts", "250.ts", "290.ts"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	manifest := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n"
	for i := 0; i < 50; i++ {
		manifest += fmt.Sprintf("#EXTINF:%d.5,\nchunk_%03d.ts\n", 5+i%4, i)
	}
	manifest += "#EXT-X-ENDLIST\n"

	f := Filters{StartDelay: 12, MaxLength: 180, Scatter: &Window{On: 30, Off: 15}}

	plan := func() string {
		entries, err := parser.Decode(manifest)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		segs, err := Plan(entries, "https://cdn.example.com/vod/index.m3u8", f)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}
		var b strings.Builder
		for _, s := range segs {
			fmt.Fprintf(&b, "%d=%s@%s;", s.ID, s.Path, s.URL)
		}
		return b.String()
	}

	first, second := plan(), plan()
	if first == "" {
		t.Fatal("expected a non-empty plan")
	}
	if first != second {
		t.Errorf("plans differ:\n%s\n%s", first, second)
	}
}

func TestPlan_ResolvesURLs(t *testing.T) {
	entries := []parser.Entry{{URI: "chunked/0.ts", Duration: 10}}
	segs, err := Plan(entries, "https://cdn.example.com/vod/index-dvr.m3u8", Filters{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if segs[0].URL != "https://cdn.example.com/vod/chunked/0.ts" {
		t.Errorf("URL = %s", segs[0].URL)
	}
	if segs[0].Path != "chunked/0.ts" {
		t.Errorf("Path = %s", segs[0].Path)
	}
}

func TestFilters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		wantErr bool
	}{
		{"zero", Filters{}, false},
		{"negative start", Filters{StartDelay: -1}, true},
		{"negative length", Filters{MaxLength: -1}, true},
		{"zero scatter on", Filters{Scatter: &Window{On: 0, Off: 10}}, true},
		{"valid scatter", Filters{Scatter: &Window{On: 60, Off: 600}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filters.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScatter_Advance(t *testing.T) {
	s := NewScatter(Window{On: 20, Off: 10})

	// 5s steps: on for 4 steps, off for 2, on again.
	want := []bool{true, true, true, true, false, false, true, true, true, true, false, false}
	for i, w := range want {
		if got := s.Advance(5); got != w {
			t.Errorf("step %d: Advance() = %v, want %v", i, got, w)
		}
	}
}
