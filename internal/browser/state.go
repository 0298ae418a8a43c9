package browser

// State is the lifecycle of one URL inside a Session.
type State int

const (
	StateIdle State = iota
	StateNavigating
	StateLoaded
	StateExtracting
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateNavigating: "navigating",
	StateLoaded:     "loaded",
	StateExtracting: "extracting",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransition reports whether s may move to next. Failed is reachable
// from every non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateNavigating
	case StateNavigating:
		return next == StateLoaded
	case StateLoaded:
		return next == StateExtracting
	case StateExtracting:
		return next == StateClosed
	}
	return false
}
