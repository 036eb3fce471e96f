package agent

import (
	"fmt"
	"strings"
)

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent rpc %s failed: code %d: %s", e.Method, e.Code, e.Message)
}

// notFound reports whether the agent rejected a call because it does not
// know the gid.
func (e *RPCError) notFound() bool {
	return strings.Contains(strings.ToLower(e.Message), "not found")
}

// ProtocolError is a response that breaks the control protocol contract,
// such as echoed gids that do not match the submitted ones. It is never
// retried: guessing which segment is which could corrupt the assembly.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("agent protocol violation in %s: %s", e.Method, e.Reason)
}

// StartError means the agent never became reachable.
type StartError struct {
	// Exited is set when the agent process terminated during startup
	Exited  bool
	ExitErr error

	Attempts int
	LastErr  error
}

func (e *StartError) Error() string {
	if e.Exited {
		return fmt.Sprintf("agent exited during startup: %v", e.ExitErr)
	}
	return fmt.Sprintf("agent not reachable after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *StartError) Unwrap() error {
	if e.Exited {
		return e.ExitErr
	}
	return e.LastErr
}
