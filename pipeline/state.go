package pipeline

// State is the phase a run is in.
type State int

const (
	StateInit State = iota
	StateFilling
	StateDrainingExtract
	StateDrainingLoad
	StateDrainingMonitor
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:            "INIT",
	StateFilling:         "FILLING",
	StateDrainingExtract: "DRAINING_EXTRACT",
	StateDrainingLoad:    "DRAINING_LOAD",
	StateDrainingMonitor: "DRAINING_MONITOR",
	StateDone:            "DONE",
	StateFailed:          "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }
