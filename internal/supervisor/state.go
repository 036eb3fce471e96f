package supervisor

// State is a step of the supervision loop.
type State uint8

const (
	StatePlanning State = iota
	StateEnqueueing
	StateDraining
	StateReconciling
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "PLANNING"
	case StateEnqueueing:
		return "ENQUEUEING"
	case StateDraining:
		return "DRAINING"
	case StateReconciling:
		return "RECONCILING"
	case StateRetrying:
		return "RETRYING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in progress reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is a point-in-time view of a supervision run.
type Progress struct {
	State State `json:"state"`
	Pass  int   `json:"pass"`

	// Planned is the number of segments in the plan
	Planned int `json:"planned"`

	// Done is the number of segments completed, including earlier runs
	Done int `json:"done"`

	// Started is the number of submissions to the agent in this run
	Started int `json:"started"`

	// Drained is how many submissions of the current pass left the agent
	// queues
	Drained int `json:"drained"`

	// Outstanding is the agent's active plus waiting count at the last poll.
	// OutstandingCapped is set when the waiting count hit the query limit.
	Outstanding       int  `json:"outstanding"`
	OutstandingCapped bool `json:"outstanding_capped,omitempty"`

	// Frontier is the streaming assembly frontier, 0 in batch mode
	Frontier int `json:"frontier,omitempty"`
}
