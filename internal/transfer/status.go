package transfer

// Status is a Transfer's position in the state machine of §4.E. It advances
// monotonically; there is no path back to an earlier state.
type Status int

const (
	NotStarted Status = iota
	Active
	// Paused is reserved for future throttle semantics (§4.E) and is never
	// entered by this engine; kept in the enum so the full wire vocabulary
	// round-trips through JSON.
	Paused
	Completed
	SourceAborted
	TargetAborted
	Error
	Cancelled
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case Completed:
		return "COMPLETED"
	case SourceAborted:
		return "SOURCE_ABORTED"
	case TargetAborted:
		return "TARGET_ABORTED"
	case Error:
		return "ERROR"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a leaf of the state machine: connection
// teardown and a transfer-finished notification follow immediately.
func (s Status) Terminal() bool {
	switch s {
	case Completed, SourceAborted, TargetAborted, Error, Cancelled:
		return true
	default:
		return false
	}
}
