package lifecycle

type State int32

const (
	Starting State = iota
	Running
	Reloading
	ShuttingDown
	Stopped
	Failed
)

var stateNames = [...]string{
	Starting:     "starting",
	Running:      "running",
	Reloading:    "reloading",
	ShuttingDown: "shutting-down",
	Stopped:      "stopped",
	Failed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal states are never left.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// Serving is true while a generation is installed and accepting.
func (s State) Serving() bool {
	return s == Running || s == Reloading
}
