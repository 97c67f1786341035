package broadcast

// State is the broadcast session state.
//
//	Idle -> Starting -> Live -> Stopped
//	          \---------------> Stopped
//
// Stopped is left only by a fresh successful connect, which resets to Idle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear as a string in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
