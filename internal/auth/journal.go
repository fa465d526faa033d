package auth

import "context"

// Event is one auth-subsystem occurrence worth journaling: a flow state
// transition outcome or a refresh attempt result. It never carries token
// or password values.
type Event struct {
	FlowID   string
	Account  string
	Provider string
	Name     string
	Outcome  string
	Detail   string
}

// Journal records auth events for later inspection. Implementations must
// tolerate concurrent calls; recording is best-effort and callers ignore
// failures beyond logging them.
type Journal interface {
	Record(ctx context.Context, ev Event) error
}

// Event outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)
