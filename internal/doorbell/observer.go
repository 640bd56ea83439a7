package doorbell

// PollOutcome classifies the result of State.Poll
type PollOutcome int

const (
	PollReady        PollOutcome = iota // value changed before a waker was registered
	PollRecheckReady                    // value changed between registration and re-probe
	PollPending                         // unchanged; waker armed
)

func (o PollOutcome) String() string {
	switch o {
	case PollReady:
		return "ready"
	case PollRecheckReady:
		return "recheck-ready"
	case PollPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Observer receives doorbell events. Implementations must be safe for
// concurrent use and must not call back into Memory.
type Observer interface {
	// ObserveDoorbellWrite is called after each Write; woke reports whether
	// a registered waker was invoked
	ObserveDoorbellWrite(index int, woke bool)

	// ObservePoll is called for every State.Poll
	ObservePoll(index int, outcome PollOutcome)

	// ObservePark is called when State.Wait resumes after blocking
	ObservePark(index int, parkedNs uint64)
}
