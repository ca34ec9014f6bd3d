package grain

import (
	"github.com/talepreter/talepreter"
)

// successBit mirrors the success flag shared by both result types.
const successBit = uint8(talepreter.ProcessSuccess)

// reportKind is the disposition of one child report after the fan-in steps.
type reportKind int

const (
	// reportSkip marks a duplicate or stale report, nothing changed.
	reportSkip reportKind = iota
	// reportRecorded marks a recorded report with siblings still pending.
	reportRecorded
	// reportEcho marks a report that arrived after the owner was halted
	// from outside. The owner answers with one fixed result upward.
	reportEcho
	// reportSettled marks the report that completed the set. The owner
	// moves to the new status and notifies its parent exactly once.
	reportSettled
)

type reportOutcome[R ~uint8] struct {
	kind   reportKind
	result R
	status talepreter.Status
}

// fanIn aggregates child stage results for one coordination actor. Children
// are registered up front, report at most one final result each, and the set
// settles once no child is left at the zero value. The same aggregator
// drives every hierarchy level for both stages.
//
// Callers hold the owning actor's lock around every method.
type fanIn[K comparable, R ~uint8] struct {
	results map[K]R

	// echoed limits late-report answers to one per transition into a
	// halted status.
	echoed bool
}

func newFanIn[K comparable, R ~uint8]() *fanIn[K, R] {
	return &fanIn[K, R]{results: make(map[K]R)}
}

func (f *fanIn[K, R]) has(key K) bool {
	_, ok := f.results[key]
	return ok
}

func (f *fanIn[K, R]) get(key K) R { return f.results[key] }

// put registers or overwrites a child entry without the reporting rules.
// Used when children are added and when backup seeding fakes history.
func (f *fanIn[K, R]) put(key K, r R) { f.results[key] = r }

func (f *fanIn[K, R]) size() int { return len(f.results) }

// resetEcho re-arms the single late-report answer. Called on every
// transition into a halted status.
func (f *fanIn[K, R]) resetEcho() { f.echoed = false }

// apply runs the fan-in steps for one child report, with status the owner's
// current status and active the stage's in-flight status. echo yields the
// fixed result forwarded upward when the owner was halted from outside, and
// land maps a resolved result to the status the owner settles into.
func (f *fanIn[K, R]) apply(
	key K,
	result R,
	status, active talepreter.Status,
	echo func(talepreter.Status) (R, bool),
	land func(R) talepreter.Status,
) (reportOutcome[R], error) {
	if uint8(result) == successBit && status != active {
		return reportOutcome[R]{kind: reportSkip}, nil
	}
	if status == talepreter.StatusFaulted {
		return reportOutcome[R]{kind: reportSkip}, nil
	}
	if !f.has(key) {
		return reportOutcome[R]{}, talepreter.ErrUnknownChild
	}
	f.results[key] = result

	if fixed, halted := echo(status); halted {
		if f.echoed {
			return reportOutcome[R]{kind: reportSkip}, nil
		}
		f.echoed = true
		return reportOutcome[R]{kind: reportEcho, result: fixed}, nil
	}

	for _, r := range f.results {
		if r == 0 {
			return reportOutcome[R]{kind: reportRecorded}, nil
		}
	}

	var combined R
	for _, r := range f.results {
		combined |= r
	}
	resolved := talepreter.Resolve(combined)
	settled := land(resolved)
	if settled.Halted() {
		f.resetEcho()
	}
	return reportOutcome[R]{kind: reportSettled, result: resolved, status: settled}, nil
}

// processEcho is the fixed process result answered for late reports against
// a halted actor. A purged actor answers as cancelled.
func processEcho(s talepreter.Status) (talepreter.ProcessResult, bool) {
	switch s {
	case talepreter.StatusCancelled, talepreter.StatusPurged:
		return talepreter.ProcessCancelled, true
	case talepreter.StatusTimedout:
		return talepreter.ProcessTimedout, true
	default:
		return talepreter.ProcessNone, false
	}
}

// executeEcho mirrors processEcho for the execute stage.
func executeEcho(s talepreter.Status) (talepreter.ExecuteResult, bool) {
	switch s {
	case talepreter.StatusCancelled, talepreter.StatusPurged:
		return talepreter.ExecuteCancelled, true
	case talepreter.StatusTimedout:
		return talepreter.ExecuteTimedout, true
	default:
		return talepreter.ExecuteNone, false
	}
}
