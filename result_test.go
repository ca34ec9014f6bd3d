package talepreter

import "testing"

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		name string
		in   []ProcessResult
		want ProcessResult
	}{
		{"all success", []ProcessResult{ProcessSuccess, ProcessSuccess, ProcessSuccess}, ProcessSuccess},
		{"faulted wins over cancelled", []ProcessResult{ProcessSuccess, ProcessFaulted, ProcessCancelled}, ProcessFaulted},
		{"faulted wins over timedout", []ProcessResult{ProcessTimedout, ProcessFaulted}, ProcessFaulted},
		{"cancelled wins over timedout", []ProcessResult{ProcessCancelled, ProcessTimedout, ProcessSuccess}, ProcessCancelled},
		{"blocked surfaces as timedout", []ProcessResult{ProcessSuccess, ProcessBlocked}, ProcessTimedout},
		{"timedout alone", []ProcessResult{ProcessTimedout, ProcessSuccess}, ProcessTimedout},
		{"nothing reported", nil, ProcessNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(Combine(tc.in...))
			if got != tc.want {
				t.Fatalf("resolve(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestResolveIgnoresMultiplicity(t *testing.T) {
	a := Resolve(Combine(ExecuteSuccess, ExecuteFaulted))
	b := Resolve(Combine(ExecuteSuccess, ExecuteSuccess, ExecuteSuccess, ExecuteFaulted, ExecuteFaulted))
	if a != b {
		t.Fatalf("resolution must depend on the set of flags only: %v != %v", a, b)
	}
}

func TestFlagValuesAreDisjoint(t *testing.T) {
	flags := []ProcessResult{ProcessSuccess, ProcessCancelled, ProcessFaulted, ProcessTimedout, ProcessBlocked}
	var combined ProcessResult
	for _, f := range flags {
		if combined&f != 0 {
			t.Fatalf("flag %v overlaps previously combined %v", f, combined)
		}
		combined |= f
	}
}

func TestStatusOfProcess(t *testing.T) {
	if got := StatusOfProcess(ProcessSuccess); got != StatusProcessed {
		t.Fatalf("success: got %v", got)
	}
	if got := StatusOfProcess(ProcessCancelled); got != StatusCancelled {
		t.Fatalf("cancelled: got %v", got)
	}
	if got := StatusOfProcess(ProcessTimedout); got != StatusTimedout {
		t.Fatalf("timedout: got %v", got)
	}
	if got := StatusOfProcess(ProcessFaulted); got != StatusFaulted {
		t.Fatalf("faulted: got %v", got)
	}
}

func TestStatusHalted(t *testing.T) {
	halted := []Status{StatusCancelled, StatusTimedout, StatusPurged}
	for _, s := range halted {
		if !s.Halted() {
			t.Fatalf("%v should count as halted", s)
		}
	}
	if StatusFaulted.Halted() {
		t.Fatal("faulted is terminal but not halted")
	}
	if StatusProcessing.Halted() {
		t.Fatal("processing is not halted")
	}
}
