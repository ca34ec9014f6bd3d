package worktask

import (
	"github.com/talepreter/talepreter"
)

// CompactPhases renumbers the positive phases of cmds into a dense 1..M
// sequence so execution does not walk empty phases. Processing can leave gaps
// when a processor emits commands into sparse phases, for example {0, 1, 6,
// 7}. Relative order inside each original phase is preserved, phase 0 and the
// reserved last phase are never touched. The transform is pure, the input
// slice is not modified.
//
// A changed command count means renumbering lost or duplicated rows, which is
// a bug and not a transient fault, so it surfaces as ErrPhaseCompaction.
func CompactPhases(cmds []talepreter.Command) ([]talepreter.Command, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	max := 0
	for _, c := range cmds {
		if c.Phase > max {
			max = c.Phase
		}
	}

	out := make([]talepreter.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Phase == talepreter.PhaseFirst {
			out = append(out, c)
		}
	}
	for _, c := range cmds {
		if c.Phase == talepreter.PhaseLast {
			out = append(out, c)
		}
	}

	next := 1
	for phase := 1; phase <= max; phase++ {
		found := false
		for _, c := range cmds {
			if c.Phase != phase {
				continue
			}
			c.Phase = next
			out = append(out, c)
			found = true
		}
		if found {
			next++
		}
	}

	if len(out) != len(cmds) {
		return nil, talepreter.ErrPhaseCompaction
	}
	return out, nil
}
