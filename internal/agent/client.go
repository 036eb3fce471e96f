// Package agent drives the external download agent (aria2c): it launches and
// stops the process, talks to its JSON-RPC control interface and implements
// the completion hook the agent invokes for every finished segment.
package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxBatch caps the number of segments submitted in one call.
const MaxBatch = 50

// Agent-reported download states.
const (
	StatusActive   = "active"
	StatusWaiting  = "waiting"
	StatusPaused   = "paused"
	StatusError    = "error"
	StatusComplete = "complete"
	StatusRemoved  = "removed"

	// StatusMissing is reported when the agent does not know the gid, for
	// example after its results were purged or the agent was restarted.
	StatusMissing = "missing"
)

// Request is one segment download submitted to the agent.
type Request struct {
	GID string
	URL string
	// Out is the file name relative to Dir.
	Out string
	Dir string
}

// Status is the agent's view of one download.
type Status struct {
	GID          string
	State        string
	ErrorCode    string
	ErrorMessage string
	Files        []string
}

// Client is a JSON-RPC client for one agent instance. Request ids are
// "<ulid>.<seq>": the ulid is unique per client and shows up in debug logs.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	namespace  string
	seq        atomic.Uint64
	logger     *slog.Logger
}

// NewClient returns a client for the agent listening on endpoint and
// authenticating with secret.
func NewClient(endpoint, secret string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    "token:" + secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		namespace: ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String(),
		logger:    logger,
	}
}

// Endpoint returns the control URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type multicallEntry struct {
	MethodName string `json:"methodName"`
	Params     []any  `json:"params"`
}

// call performs one request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("%s.%d", c.namespace, c.seq.Add(1)),
		Method:  method,
		Params:  params,
	}
	if req.Params == nil {
		req.Params = []any{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("agent rpc request", "id", req.ID, "method", method)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var res rpcResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("HTTP %d, undecodable body: %v", resp.StatusCode, err)}
	}
	if res.Error != nil {
		res.Error.Method = method
		return res.Error
	}
	if res.ID != req.ID {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("response id %q does not match request id %q", res.ID, req.ID)}
	}
	if len(res.Result) == 0 || string(res.Result) == "null" {
		return &ProtocolError{Method: method, Reason: "response has no result"}
	}

	c.logger.Debug("agent rpc response", "id", req.ID, "method", method, "bytes", len(data))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("unexpected result shape: %v", err)}
	}
	return nil
}

// AddBatch submits reqs in one multicall and returns the gids echoed by the
// agent. The echo must repeat the submitted gids in the same order; anything
// else is a ProtocolError. With atHead the batch is queued, in order, before
// everything already waiting.
func (c *Client) AddBatch(ctx context.Context, reqs []Request, atHead bool) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > MaxBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(reqs), MaxBatch)
	}

	calls := make([]multicallEntry, len(reqs))
	for i, r := range reqs {
		opts := map[string]string{
			"gid": r.GID,
			"out": r.Out,
		}
		if r.Dir != "" {
			opts["dir"] = r.Dir
		}
		params := []any{c.token, []string{r.URL}, opts}
		if atHead {
			params = append(params, i)
		}
		calls[i] = multicallEntry{MethodName: "aria2.addUri", Params: params}
	}

	var results []json.RawMessage
	if err := c.call(ctx, "system.multicall", []any{calls}, &results); err != nil {
		return nil, err
	}

	if len(results) != len(reqs) {
		return nil, &ProtocolError{
			Method: "system.multicall",
			Reason: fmt.Sprintf("submitted %d downloads, agent answered %d", len(reqs), len(results)),
		}
	}

	echoed := make([]string, len(results))
	for i, raw := range results {
		var gids []string
		if err := json.Unmarshal(raw, &gids); err != nil || len(gids) != 1 {
			return nil, &ProtocolError{
				Method: "system.multicall",
				Reason: fmt.Sprintf("entry %d: expected [%q], got %s", i, reqs[i].GID, string(raw)),
			}
		}
		if gids[0] != reqs[i].GID {
			return nil, &ProtocolError{
				Method: "system.multicall",
				Reason: fmt.Sprintf("entry %d: submitted gid %s, agent echoed %s", i, reqs[i].GID, gids[0]),
			}
		}
		echoed[i] = gids[0]
	}
	return echoed, nil
}

// Status returns the agent state of gid. Unknown gids map to StatusMissing.
func (c *Client) Status(ctx context.Context, gid string) (Status, error) {
	var raw struct {
		GID          string `json:"gid"`
		Status       string `json:"status"`
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
		Files        []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	keys := []string{"gid", "status", "errorCode", "errorMessage", "files"}
	err := c.call(ctx, "aria2.tellStatus", []any{c.token, gid, keys}, &raw)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.notFound() {
			return Status{GID: gid, State: StatusMissing}, nil
		}
		return Status{}, err
	}
	if raw.GID != "" && raw.GID != gid {
		return Status{}, &ProtocolError{Method: "aria2.tellStatus", Reason: fmt.Sprintf("asked for %s, got %s", gid, raw.GID)}
	}

	st := Status{
		GID:          gid,
		State:        raw.Status,
		ErrorCode:    raw.ErrorCode,
		ErrorMessage: raw.ErrorMessage,
	}
	for _, f := range raw.Files {
		st.Files = append(st.Files, f.Path)
	}
	return st, nil
}

// CountActive returns the number of downloads in progress.
func (c *Client) CountActive(ctx context.Context) (int, error) {
	var res []json.RawMessage
	if err := c.call(ctx, "aria2.tellActive", []any{c.token, []string{"gid"}}, &res); err != nil {
		return 0, err
	}
	return len(res), nil
}

// CountWaiting returns the number of queued downloads, looking at no more
// than limit of them. capped is set when the queue holds at least limit; a
// limit of 0 never caps.
func (c *Client) CountWaiting(ctx context.Context, limit int) (n int, capped bool, err error) {
	var res []json.RawMessage
	if err := c.call(ctx, "aria2.tellWaiting", []any{c.token, 0, limit, []string{"gid"}}, &res); err != nil {
		return 0, false, err
	}
	return len(res), limit > 0 && len(res) >= limit, nil
}

// Reposition moves a waiting download to the head or the tail of the queue.
func (c *Client) Reposition(ctx context.Context, gid string, toHead bool) error {
	how := "POS_END"
	if toHead {
		how = "POS_SET"
	}
	var pos int
	return c.call(ctx, "aria2.changePosition", []any{c.token, gid, 0, how}, &pos)
}

// PurgeResults drops all finished, errored and removed download results.
func (c *Client) PurgeResults(ctx context.Context) error {
	return c.expectOK(ctx, "aria2.purgeDownloadResult", []any{c.token})
}

// RemoveResult drops the finished result of gid so the gid can be reused.
func (c *Client) RemoveResult(ctx context.Context, gid string) error {
	return c.expectOK(ctx, "aria2.removeDownloadResult", []any{c.token, gid})
}

// Shutdown asks the agent to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.expectOK(ctx, "aria2.shutdown", []any{c.token})
}

// Version is the lightweight no-op call used to probe the agent.
func (c *Client) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "aria2.getVersion", []any{c.token}, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

func (c *Client) expectOK(ctx context.Context, method string, params []any) error {
	var res string
	if err := c.call(ctx, method, params, &res); err != nil {
		return err
	}
	if res != "OK" {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("expected OK, got %q", res)}
	}
	return nil
}
