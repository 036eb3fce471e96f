package resume

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/agleyzer/segfetch/internal/segment"
)

// Key names one cached field of the resume record.
type Key string

const (
	KeyPlaylistURL Key = "playlist_url"
	KeyUserAgent   Key = "user_agent"
	KeyManifest    Key = "manifest"
	KeyOutputName  Key = "output_name"
	KeyRPCSecret   Key = "rpc_secret"
	KeyRPCPort     Key = "rpc_port"
)

// State is the structured resume record of a job.
type State struct {
	PlaylistURL string `json:"playlist_url,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Manifest    string `json:"manifest,omitempty"`
	OutputName  string `json:"output_name,omitempty"`

	// RPCSecret and RPCPort describe the last agent launch. They are
	// regenerated on every launch and never reused as live values.
	RPCSecret string `json:"rpc_secret,omitempty"`
	RPCPort   int    `json:"rpc_port,omitempty"`

	// StreamFrontier and StreamSize checkpoint streaming assembly: every id
	// below the frontier is in the part file, which is StreamSize bytes long.
	StreamFrontier int   `json:"stream_frontier,omitempty"`
	StreamSize     int64 `json:"stream_size,omitempty"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// Store is the resume state of one job. A job has a single writer; the
// mutex only serializes callers within this process.
type Store struct {
	layout Layout
	mu     sync.Mutex
}

// Open returns the store for layout. Nothing is created until the first
// write.
func Open(layout Layout) *Store {
	return &Store{layout: layout}
}

// Layout returns the file layout of the job.
func (s *Store) Layout() Layout {
	return s.layout
}

// Load reads the resume record. A missing record yields the zero State.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (State, error) {
	var st State
	if err := readJSON(s.layout.State(), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, err
	}
	return st, nil
}

// Update applies fn to the current record and writes the result atomically.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return writeJSON(s.layout.State(), st)
}

// Get returns the cached value for key, reporting false when it is absent.
func (s *Store) Get(key Key) (string, bool, error) {
	st, err := s.Load()
	if err != nil {
		return "", false, err
	}
	var v string
	switch key {
	case KeyPlaylistURL:
		v = st.PlaylistURL
	case KeyUserAgent:
		v = st.UserAgent
	case KeyManifest:
		v = st.Manifest
	case KeyOutputName:
		v = st.OutputName
	case KeyRPCSecret:
		v = st.RPCSecret
	case KeyRPCPort:
		if st.RPCPort != 0 {
			v = strconv.Itoa(st.RPCPort)
		}
	default:
		return "", false, fmt.Errorf("unknown resume key %q", key)
	}
	return v, v != "", nil
}

// Put caches value under key.
func (s *Store) Put(key Key, value string) error {
	var port int
	if key == KeyRPCPort && value != "" {
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid rpc port %q: %w", value, err)
		}
		port = p
	}

	var setErr error
	err := s.Update(func(st *State) {
		switch key {
		case KeyPlaylistURL:
			st.PlaylistURL = value
		case KeyUserAgent:
			st.UserAgent = value
		case KeyManifest:
			st.Manifest = value
		case KeyOutputName:
			st.OutputName = value
		case KeyRPCSecret:
			st.RPCSecret = value
		case KeyRPCPort:
			st.RPCPort = port
		default:
			setErr = fmt.Errorf("unknown resume key %q", key)
		}
	})
	if setErr != nil {
		return setErr
	}
	return err
}

// Clear drops the cached values of keys.
func (s *Store) Clear(keys ...Key) error {
	for _, k := range keys {
		if err := s.Put(k, ""); err != nil {
			return err
		}
	}
	return nil
}

// AppendCompleted records id as final and safe to assemble. The line is
// synced to disk before returning. The completion hook runs the same code
// from another process; both rely on O_APPEND writes of a single short line.
func (s *Store) AppendCompleted(id int) error {
	return AppendCompleted(s.layout, id)
}

// AppendCompleted is Store.AppendCompleted without an open store.
func AppendCompleted(layout Layout, id int) error {
	f, err := os.OpenFile(layout.Log(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open completed log: %w", err)
	}

	if _, err := f.WriteString(segment.GID(id) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to completed log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync completed log: %w", err)
	}
	return f.Close()
}

// ReadCompleted returns the set of ids in the completed log. Lines that are
// not a whole gid, such as a torn final write, are ignored.
func (s *Store) ReadCompleted() (map[int]bool, error) {
	done := make(map[int]bool)

	data, err := os.ReadFile(s.layout.Log())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return done, nil
		}
		return nil, fmt.Errorf("read completed log: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) != len(segment.GID(1)) {
			continue
		}
		id, err := segment.ParseGID(string(line))
		if err != nil {
			continue
		}
		done[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan completed log: %w", err)
	}
	return done, nil
}

// Remove deletes the resume record and the completed log.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.layout.State(), s.layout.Log()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
