package turn

// State is the engine-wide turn state.
type State int

const (
	StateListening State = iota
	StateAccumulating
	StateSendingAwaitingResponse
	StatePlaying
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateSendingAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// TalkControl reports whether the push-to-talk control is engaged.
type TalkControl interface {
	Held() bool
}

// AlwaysTalk is the TalkControl used when push-to-talk is off.
type AlwaysTalk struct{}

func (AlwaysTalk) Held() bool { return true }
