// Package agenttest provides an in-process fake of the aria2 JSON-RPC
// control interface for tests.
package agenttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// Fault codes as used by aria2.
const (
	codeGeneric = 1
)

type download struct {
	gid    string
	url    string
	path   string
	status string
}

// Server is a fake download agent. Downloads "complete" when the client
// polls the active queue: each poll finishes up to PerPoll waiting
// downloads, writing Content(gid) to the requested file and calling
// OnComplete the way the real agent runs its completion hook.
type Server struct {
	Secret string

	// PerPoll is how many downloads finish per active-queue poll, 0 = all
	PerPoll int

	// Reverse finishes the most recently queued downloads first
	Reverse bool

	// Fail lists gids that always end in error
	Fail map[string]bool

	// FailOnce lists gids that error on their first attempt only
	FailOnce map[string]bool

	// SkipHook lists gids whose completion hook is never run
	SkipHook map[string]bool

	// Echo rewrites the gids echoed by a multicall, to simulate protocol
	// violations
	Echo func(gids []string) []string

	// Content returns the bytes of a finished download
	Content func(gid string) []byte

	// OnComplete plays the completion hook: gid and the written path
	OnComplete func(gid, path string) error

	mu        sync.Mutex
	downloads map[string]*download
	waiting   []string
	added     []string
	failed    map[string]int
	shutdown  bool
	calls     map[string]int

	srv *httptest.Server
}

// NewServer starts a fake agent that accepts secret.
func NewServer(t *testing.T, secret string) *Server {
	t.Helper()
	s := &Server{
		Secret:    secret,
		downloads: make(map[string]*download),
		failed:    make(map[string]int),
		calls:     make(map[string]int),
		Content: func(gid string) []byte {
			return []byte("segment " + gid + "\n")
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the JSON-RPC endpoint.
func (s *Server) URL() string {
	return s.srv.URL + "/jsonrpc"
}

// Close stops the server.
func (s *Server) Close() {
	s.srv.Close()
}

// Added returns every gid submitted, in submission order.
func (s *Server) Added() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...)
}

// Calls returns how often method was called.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// IsShutdown reports whether a shutdown request was received.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Waiting returns the queued gids in queue order.
func (s *Server) Waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waiting...)
}

type request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	result, f := s.dispatch(req.Method, req.Params)
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if f != nil {
		resp["error"] = f
		w.WriteHeader(http.StatusBadRequest)
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(method string, params []json.RawMessage) (any, *fault) {
	s.calls[method]++

	if method == "system.multicall" {
		return s.multicall(params)
	}

	if len(params) == 0 || !s.authorized(params[0]) {
		return nil, &fault{Code: codeGeneric, Message: "Unauthorized"}
	}
	args := params[1:]

	switch method {
	case "aria2.getVersion":
		return map[string]any{"version": "1.37.0", "enabledFeatures": []string{}}, nil
	case "aria2.addUri":
		gid, f := s.addURI(args)
		if f != nil {
			return nil, f
		}
		return gid, nil
	case "aria2.tellActive":
		s.tick()
		return []any{}, nil
	case "aria2.tellWaiting":
		var offset, num int
		if len(args) >= 2 {
			json.Unmarshal(args[0], &offset)
			json.Unmarshal(args[1], &num)
		}
		out := []map[string]string{}
		for i := offset; i < len(s.waiting) && len(out) < num; i++ {
			out = append(out, map[string]string{"gid": s.waiting[i]})
		}
		return out, nil
	case "aria2.tellStatus":
		var gid string
		if len(args) > 0 {
			json.Unmarshal(args[0], &gid)
		}
		d, ok := s.downloads[gid]
		if !ok {
			return nil, &fault{Code: codeGeneric, Message: fmt.Sprintf("GID %s is not found", gid)}
		}
		st := map[string]any{
			"gid":    gid,
			"status": d.status,
			"files":  []map[string]string{{"path": d.path}},
		}
		if d.status == "error" {
			st["errorCode"] = "3"
			st["errorMessage"] = "Resource not found"
		}
		return st, nil
	case "aria2.changePosition":
		var gid, how string
		var pos int
		if len(args) >= 3 {
			json.Unmarshal(args[0], &gid)
			json.Unmarshal(args[1], &pos)
			json.Unmarshal(args[2], &how)
		}
		idx := indexOf(s.waiting, gid)
		if idx < 0 {
			return nil, &fault{Code: codeGeneric, Message: fmt.Sprintf("GID %s is not found", gid)}
		}
		s.waiting = append(s.waiting[:idx], s.waiting[idx+1:]...)
		if how == "POS_SET" {
			s.waiting = append([]string{gid}, s.waiting...)
			return 0, nil
		}
		s.waiting = append(s.waiting, gid)
		return len(s.waiting) - 1, nil
	case "aria2.purgeDownloadResult":
		for gid, d := range s.downloads {
			if d.status == "complete" || d.status == "error" || d.status == "removed" {
				delete(s.downloads, gid)
			}
		}
		return "OK", nil
	case "aria2.removeDownloadResult":
		var gid string
		if len(args) > 0 {
			json.Unmarshal(args[0], &gid)
		}
		d, ok := s.downloads[gid]
		if !ok || d.status == "waiting" || d.status == "active" {
			return nil, &fault{Code: codeGeneric, Message: fmt.Sprintf("Could not remove download result of GID#%s", gid)}
		}
		delete(s.downloads, gid)
		return "OK", nil
	case "aria2.shutdown":
		s.shutdown = true
		return "OK", nil
	default:
		return nil, &fault{Code: codeGeneric, Message: "No such method: " + method}
	}
}

func (s *Server) authorized(raw json.RawMessage) bool {
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return false
	}
	return token == "token:"+s.Secret
}

func (s *Server) multicall(params []json.RawMessage) (any, *fault) {
	if len(params) != 1 {
		return nil, &fault{Code: codeGeneric, Message: "multicall expects one param"}
	}
	var calls []struct {
		MethodName string            `json:"methodName"`
		Params     []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(params[0], &calls); err != nil {
		return nil, &fault{Code: codeGeneric, Message: err.Error()}
	}

	results := make([]any, len(calls))
	var gids []string
	for i, c := range calls {
		if c.MethodName != "aria2.addUri" || len(c.Params) == 0 || !s.authorized(c.Params[0]) {
			results[i] = fault{Code: codeGeneric, Message: "Unauthorized"}
			gids = append(gids, "")
			continue
		}
		gid, f := s.addURI(c.Params[1:])
		if f != nil {
			results[i] = *f
			gids = append(gids, "")
			continue
		}
		gids = append(gids, gid)
	}

	if s.Echo != nil {
		gids = s.Echo(gids)
	}
	for i := range results {
		if results[i] != nil {
			continue
		}
		if i < len(gids) {
			results[i] = []string{gids[i]}
		}
	}
	if len(gids) < len(results) {
		results = results[:len(gids)]
	}
	return results, nil
}

func (s *Server) addURI(args []json.RawMessage) (string, *fault) {
	if len(args) < 2 {
		return "", &fault{Code: codeGeneric, Message: "addUri expects uris and options"}
	}
	var uris []string
	var opts map[string]string
	json.Unmarshal(args[0], &uris)
	json.Unmarshal(args[1], &opts)

	gid := opts["gid"]
	if _, exists := s.downloads[gid]; exists {
		return "", &fault{Code: codeGeneric, Message: fmt.Sprintf("GID %s is not unique", gid)}
	}
	url := ""
	if len(uris) > 0 {
		url = uris[0]
	}
	s.downloads[gid] = &download{
		gid:    gid,
		url:    url,
		path:   filepath.Join(opts["dir"], opts["out"]),
		status: "waiting",
	}

	pos := -1
	if len(args) >= 3 {
		json.Unmarshal(args[2], &pos)
	}
	if pos >= 0 && pos <= len(s.waiting) {
		s.waiting = append(s.waiting[:pos], append([]string{gid}, s.waiting[pos:]...)...)
	} else {
		s.waiting = append(s.waiting, gid)
	}
	s.added = append(s.added, gid)
	return gid, nil
}

// tick finishes up to PerPoll waiting downloads.
func (s *Server) tick() {
	n := len(s.waiting)
	if s.PerPoll > 0 && s.PerPoll < n {
		n = s.PerPoll
	}

	var batch []string
	if s.Reverse {
		batch = append(batch, s.waiting[len(s.waiting)-n:]...)
		s.waiting = s.waiting[:len(s.waiting)-n]
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	} else {
		batch = append(batch, s.waiting[:n]...)
		s.waiting = s.waiting[n:]
	}

	for _, gid := range batch {
		d := s.downloads[gid]
		if s.Fail[gid] || (s.FailOnce[gid] && s.failed[gid] == 0) {
			s.failed[gid]++
			d.status = "error"
			continue
		}

		if err := os.WriteFile(d.path, s.Content(gid), 0o644); err != nil {
			d.status = "error"
			continue
		}
		d.status = "complete"

		if s.OnComplete != nil && !s.SkipHook[gid] {
			if err := s.OnComplete(gid, d.path); err != nil {
				d.status = "error"
			}
		}
	}
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
