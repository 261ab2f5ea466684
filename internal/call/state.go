package call

import "time"

// State is the position of a peer in the call lifecycle
type State int

const (
	Idle State = iota
	MediaReady
	Offering
	Answering
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MediaReady:
		return "media-ready"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// inCall reports whether a call attempt owns the connection in this state
func (s State) inCall() bool {
	return s == Offering || s == Answering || s == Connected
}

// Event is one state transition of the orchestrator
type Event struct {
	State  State
	CallID string
	Err    error // Set on the transition to Closed
	At     time.Time
}
