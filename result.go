package talepreter

import (
	"strings"
)

// ProcessResult is the outcome of the process stage, reported by a child and
// aggregated by its parent. Values are bit flags so a parent can OR every
// child result together and resolve the combination in one pass.
type ProcessResult uint8

const (
	ProcessNone      ProcessResult = 0
	ProcessSuccess   ProcessResult = 1 << 0
	ProcessCancelled ProcessResult = 1 << 1
	ProcessFaulted   ProcessResult = 1 << 2
	ProcessTimedout  ProcessResult = 1 << 3
	ProcessBlocked   ProcessResult = 1 << 4
)

// ExecuteResult is the outcome of the execute stage. It mirrors ProcessResult
// bit for bit so the same aggregation helpers apply to both stages.
type ExecuteResult uint8

const (
	ExecuteNone      ExecuteResult = 0
	ExecuteSuccess   ExecuteResult = 1 << 0
	ExecuteCancelled ExecuteResult = 1 << 1
	ExecuteFaulted   ExecuteResult = 1 << 2
	ExecuteTimedout  ExecuteResult = 1 << 3
	ExecuteBlocked   ExecuteResult = 1 << 4
)

const (
	flagSuccess   = 1 << 0
	flagCancelled = 1 << 1
	flagFaulted   = 1 << 2
	flagTimedout  = 1 << 3
	flagBlocked   = 1 << 4
)

// Combine ORs a set of stage results into a single combined flag value.
func Combine[R ~uint8](results ...R) R {
	var combined R
	for _, r := range results {
		combined |= r
	}
	return combined
}

// Resolve reduces a combined flag value to the single result that wins:
// faulted beats cancelled, cancelled beats timedout, and a blocked child
// surfaces as timedout. Only an all-success combination resolves to success.
// A zero value resolves to zero, meaning not every child has reported yet.
func Resolve[R ~uint8](combined R) R {
	switch {
	case combined == 0:
		return 0
	case combined&flagFaulted != 0:
		return flagFaulted
	case combined&flagCancelled != 0:
		return flagCancelled
	case combined&(flagTimedout|flagBlocked) != 0:
		return flagTimedout
	default:
		return flagSuccess
	}
}

func (r ProcessResult) String() string { return flagString(uint8(r)) }

func (r ExecuteResult) String() string { return flagString(uint8(r)) }

func flagString(v uint8) string {
	if v == 0 {
		return "none"
	}
	names := make([]string, 0, 5)
	if v&flagSuccess != 0 {
		names = append(names, "success")
	}
	if v&flagCancelled != 0 {
		names = append(names, "cancelled")
	}
	if v&flagFaulted != 0 {
		names = append(names, "faulted")
	}
	if v&flagTimedout != 0 {
		names = append(names, "timedout")
	}
	if v&flagBlocked != 0 {
		names = append(names, "blocked")
	}
	return strings.Join(names, "|")
}
