package step

// State is a stage in the life of a run.
//
//	Validating -> Preparing -> Executing -> Succeeded | Failed | TimedOut
//
// after which a run is always Collecting and then Done. A run that fails
// validation goes straight to Failed.
type State int

const (
	StateNew State = iota
	StateValidating
	StatePreparing
	StateExecuting
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCollecting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateValidating:
		return "validating"
	case StatePreparing:
		return "preparing"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCollecting:
		return "collecting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the outcomes of executing a script.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}
