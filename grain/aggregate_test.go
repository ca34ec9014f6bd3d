package grain

import (
	"errors"
	"testing"

	"github.com/talepreter/talepreter"
)

func processFanIn(keys ...string) *fanIn[string, talepreter.ProcessResult] {
	f := newFanIn[string, talepreter.ProcessResult]()
	for _, k := range keys {
		f.put(k, talepreter.ProcessNone)
	}
	return f
}

func TestFanInSettlesOnLastReport(t *testing.T) {
	f := processFanIn("a", "b")

	out, err := f.apply("a", talepreter.ProcessSuccess,
		talepreter.StatusProcessing, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportRecorded {
		t.Fatalf("expected recorded, got %v", out.kind)
	}

	out, err = f.apply("b", talepreter.ProcessSuccess,
		talepreter.StatusProcessing, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportSettled {
		t.Fatalf("expected settled, got %v", out.kind)
	}
	if out.result != talepreter.ProcessSuccess {
		t.Fatalf("expected success result, got %v", out.result)
	}
	if out.status != talepreter.StatusProcessed {
		t.Fatalf("expected processed status, got %v", out.status)
	}
}

func TestFanInPrecedenceOnSettle(t *testing.T) {
	cases := []struct {
		name   string
		first  talepreter.ProcessResult
		want   talepreter.ProcessResult
		status talepreter.Status
	}{
		{"faulted wins", talepreter.ProcessFaulted, talepreter.ProcessFaulted, talepreter.StatusFaulted},
		{"cancelled wins over timeout tier", talepreter.ProcessCancelled, talepreter.ProcessCancelled, talepreter.StatusCancelled},
		{"blocked resolves as timedout", talepreter.ProcessBlocked, talepreter.ProcessTimedout, talepreter.StatusTimedout},
		{"timedout keeps its label", talepreter.ProcessTimedout, talepreter.ProcessTimedout, talepreter.StatusTimedout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := processFanIn("a", "b")
			if _, err := f.apply("a", tc.first,
				talepreter.StatusProcessing, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess); err != nil {
				t.Fatalf("apply: %v", err)
			}
			out, err := f.apply("b", talepreter.ProcessSuccess,
				talepreter.StatusProcessing, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if out.kind != reportSettled {
				t.Fatalf("expected settled, got %v", out.kind)
			}
			if out.result != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, out.result)
			}
			if out.status != tc.status {
				t.Fatalf("expected status %v, got %v", tc.status, out.status)
			}
		})
	}
}

func TestFanInDuplicateSuccessIsNoOp(t *testing.T) {
	f := processFanIn("a")
	out, err := f.apply("a", talepreter.ProcessSuccess,
		talepreter.StatusProcessed, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportSkip {
		t.Fatalf("expected skip, got %v", out.kind)
	}
}

func TestFanInUnknownChild(t *testing.T) {
	f := processFanIn("a")
	_, err := f.apply("b", talepreter.ProcessSuccess,
		talepreter.StatusProcessing, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if !errors.Is(err, talepreter.ErrUnknownChild) {
		t.Fatalf("expected unknown child error, got %v", err)
	}
}

func TestFanInEchoesOnceAfterHalt(t *testing.T) {
	f := processFanIn("a", "b")
	f.resetEcho()

	out, err := f.apply("a", talepreter.ProcessFaulted,
		talepreter.StatusCancelled, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportEcho {
		t.Fatalf("expected echo, got %v", out.kind)
	}
	if out.result != talepreter.ProcessCancelled {
		t.Fatalf("expected cancelled echo, got %v", out.result)
	}

	out, err = f.apply("b", talepreter.ProcessFaulted,
		talepreter.StatusCancelled, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportSkip {
		t.Fatalf("expected second late report skipped, got %v", out.kind)
	}
}

func TestFanInPurgedEchoesCancelled(t *testing.T) {
	f := processFanIn("a")
	out, err := f.apply("a", talepreter.ProcessTimedout,
		talepreter.StatusPurged, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportEcho || out.result != talepreter.ProcessCancelled {
		t.Fatalf("expected cancelled echo for purged owner, got %v %v", out.kind, out.result)
	}
}

func TestFanInTimedoutEchoesTimedout(t *testing.T) {
	f := newFanIn[string, talepreter.ExecuteResult]()
	f.put("a", talepreter.ExecuteNone)
	out, err := f.apply("a", talepreter.ExecuteFaulted,
		talepreter.StatusTimedout, talepreter.StatusExecuting, executeEcho, talepreter.StatusOfExecute)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportEcho || out.result != talepreter.ExecuteTimedout {
		t.Fatalf("expected timedout echo, got %v %v", out.kind, out.result)
	}
}

func TestFanInFaultedOwnerSkips(t *testing.T) {
	f := processFanIn("a")
	out, err := f.apply("a", talepreter.ProcessFaulted,
		talepreter.StatusFaulted, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.kind != reportSkip {
		t.Fatalf("expected skip for faulted owner, got %v", out.kind)
	}
}
