package talepreter

// Status is the lifecycle state of a tale version and of every coordination
// actor below it. The happy path walks Idle, Processing, Processed,
// Executing, Executed. Cancelled, Faulted, Timedout and Purged are terminal.
type Status int

const (
	StatusIdle Status = iota
	StatusProcessing
	StatusProcessed
	StatusExecuting
	StatusExecuted
	StatusCancelled
	StatusFaulted
	StatusTimedout
	StatusPurged
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusProcessing: "processing",
	StatusProcessed:  "processed",
	StatusExecuting:  "executing",
	StatusExecuted:   "executed",
	StatusCancelled:  "cancelled",
	StatusFaulted:    "faulted",
	StatusTimedout:   "timedout",
	StatusPurged:     "purged",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Halted reports whether the actor was stopped from outside while work may
// still be in flight. Late child reports against a halted actor are answered
// with a fault report upward instead of being aggregated.
func (s Status) Halted() bool {
	return s == StatusCancelled || s == StatusTimedout || s == StatusPurged
}

// Terminal reports whether no further stage can start from this status.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusFaulted || s == StatusTimedout || s == StatusPurged
}

// StatusOfProcess maps a resolved process result to the actor status it
// lands the actor in.
func StatusOfProcess(r ProcessResult) Status {
	switch r {
	case ProcessSuccess:
		return StatusProcessed
	case ProcessCancelled:
		return StatusCancelled
	case ProcessTimedout:
		return StatusTimedout
	default:
		return StatusFaulted
	}
}

// StatusOfExecute maps a resolved execute result to the actor status it
// lands the actor in.
func StatusOfExecute(r ExecuteResult) Status {
	switch r {
	case ExecuteSuccess:
		return StatusExecuted
	case ExecuteCancelled:
		return StatusCancelled
	case ExecuteTimedout:
		return StatusTimedout
	default:
		return StatusFaulted
	}
}
