package grain

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/store"
)

type stubContainer struct {
	name string

	mu          sync.Mutex
	initialized int
	purged      int
	backups     int
	initErr     error
}

func (s *stubContainer) Name() string { return s.name }

func (s *stubContainer) InitializeVersion(ctx context.Context, taleID, versionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized++
	return s.initErr
}

func (s *stubContainer) BackupTo(ctx context.Context, taleID, versionID, newVersionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups++
	return nil
}

func (s *stubContainer) Purge(ctx context.Context, taleID, versionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged++
	return nil
}

// world wires a runtime to an in-process bus with stub workers that answer
// every page request synchronously, so a control call drives the whole
// hierarchy to settlement before returning.
type world struct {
	bus        *bus.Bus
	rt         *Runtime
	containers []*stubContainer

	mu             sync.Mutex
	processResults map[string]talepreter.ProcessResult
	executeResults map[string]talepreter.ExecuteResult
	processEvents  []bus.ProcessOperationResponse
	executeEvents  []bus.ExecuteOperationResponse
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		bus:            bus.New(),
		processResults: make(map[string]talepreter.ProcessResult),
		executeResults: make(map[string]talepreter.ExecuteResult),
	}
	names := []string{"person", "actor", "world", "anecdote"}
	containers := make([]Container, 0, len(names))
	for _, name := range names {
		c := &stubContainer{name: name}
		w.containers = append(w.containers, c)
		containers = append(containers, c)
	}
	w.rt = New(w.bus, store.NewInMemoryDocumentStore(), containers)

	bus.Subscribe(w.bus, func(ctx context.Context, msg bus.ProcessPageRequest) error {
		for _, name := range names {
			result := talepreter.ProcessSuccess
			w.mu.Lock()
			if r, ok := w.processResults[name]; ok {
				result = r
			}
			w.mu.Unlock()
			if err := w.rt.Page(msg.Ref).OnProcessComplete(ctx, name, result); err != nil {
				return err
			}
		}
		return nil
	})
	bus.Subscribe(w.bus, func(ctx context.Context, msg bus.ExecutePageRequest) error {
		for _, name := range names {
			result := talepreter.ExecuteSuccess
			w.mu.Lock()
			if r, ok := w.executeResults[name]; ok {
				result = r
			}
			w.mu.Unlock()
			if err := w.rt.Page(msg.Ref).OnExecuteComplete(ctx, name, result); err != nil {
				return err
			}
		}
		return nil
	})
	bus.Subscribe(w.bus, func(ctx context.Context, msg bus.ProcessOperationResponse) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.processEvents = append(w.processEvents, msg)
		return nil
	})
	bus.Subscribe(w.bus, func(ctx context.Context, msg bus.ExecuteOperationResponse) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.executeEvents = append(w.executeEvents, msg)
		return nil
	})
	return w
}

func (w *world) failProcess(service string, result talepreter.ProcessResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processResults[service] = result
}

func TestVersionProcessesAndExecutesEndToEnd(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, c := range w.containers {
		if c.initialized != 1 {
			t.Fatalf("container %s initialized %d times", c.name, c.initialized)
		}
	}

	added, err := tale.AddChapterPage(ctx, versionID, 0, 0)
	if err != nil || !added {
		t.Fatalf("add chapter 0 page 0: added=%v err=%v", added, err)
	}
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process 0#0: %v", err)
	}
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusProcessed {
		t.Fatalf("expected processed after first page, got %v", got)
	}

	// the second chapter arrives after the first processed, which brings
	// the version back to idle for the new page
	added, err = tale.AddChapterPage(ctx, versionID, 1, 0)
	if err != nil || !added {
		t.Fatalf("add chapter 1 page 0: added=%v err=%v", added, err)
	}
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusIdle {
		t.Fatalf("expected idle after adding a page, got %v", got)
	}
	if err := tale.BeginProcess(ctx, versionID, 1, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process 1#0: %v", err)
	}
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusProcessed {
		t.Fatalf("expected processed after second page, got %v", got)
	}

	// one call executes chapter 0 first, then chapter 1 automatically
	if err := tale.BeginExecute(ctx, versionID); err != nil {
		t.Fatalf("begin execute: %v", err)
	}
	publish := w.rt.Publish(taleID, versionID)
	if got := publish.Status(); got != talepreter.StatusExecuted {
		t.Fatalf("expected executed, got %v", got)
	}
	last, ok := publish.LastExecutedPage()
	if !ok {
		t.Fatal("expected a last executed page")
	}
	if last.Chapter != 1 || last.Page != 0 {
		t.Fatalf("expected last executed 1#0, got %s", last)
	}
	if got := w.rt.Chapter(taleID, versionID, 0).LastExecutedPage(); got != 0 {
		t.Fatalf("expected chapter 0 last executed page 0, got %d", got)
	}

	w.mu.Lock()
	processEvents, executeEvents := len(w.processEvents), len(w.executeEvents)
	w.mu.Unlock()
	if processEvents != 2 {
		t.Fatalf("expected 2 process events, got %d", processEvents)
	}
	if executeEvents != 1 {
		t.Fatalf("expected 1 execute event, got %d", executeEvents)
	}
	w.mu.Lock()
	status := w.executeEvents[0].Status
	w.mu.Unlock()
	if status != bus.ResponseSuccess {
		t.Fatalf("expected success execute event, got %v", status)
	}
}

func TestFaultedServiceFaultsWholeVersion(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	w.failProcess("world", talepreter.ProcessFaulted)
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process: %v", err)
	}

	ref := talepreter.PageRef{TaleID: taleID, TaleVersionID: versionID, Chapter: 0, Page: 0}
	if got := w.rt.Page(ref).Status(); got != talepreter.StatusFaulted {
		t.Fatalf("expected faulted page, got %v", got)
	}
	if got := w.rt.Chapter(taleID, versionID, 0).Status(); got != talepreter.StatusFaulted {
		t.Fatalf("expected faulted chapter, got %v", got)
	}
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusFaulted {
		t.Fatalf("expected faulted version, got %v", got)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.processEvents) != 1 || w.processEvents[0].Status != bus.ResponseFaulted {
		t.Fatalf("expected one faulted process event, got %+v", w.processEvents)
	}
}

func TestAddChapterPageIsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	added, err := tale.AddChapterPage(ctx, versionID, 0, 0)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = tale.AddChapterPage(ctx, versionID, 0, 0)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if added {
		t.Fatal("expected second add of a healthy page to be a no-op")
	}
}

func TestAddChapterPageRejectsFaultedChapter(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	w.failProcess("actor", talepreter.ProcessFaulted)
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process: %v", err)
	}

	if _, err := tale.AddChapterPage(ctx, versionID, 0, 1); err == nil {
		t.Fatal("expected adding to a faulted version to fail")
	} else if talepreter.ErrorCode(err) != talepreter.ErrCodeGrainOperation {
		t.Fatalf("expected grain operation error, got %v", err)
	}
}

func TestDuplicateProcessSubmissionRejected(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process: %v", err)
	}
	// the page settled already, a repeat submission finds no idle version
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err == nil {
		t.Fatal("expected repeated process submission to be rejected")
	}
}

func TestStopCancelsHierarchyAndEchoesLateReports(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}

	var cancels []bus.CancelPageOperationRequest
	bus.Subscribe(w.bus, func(ctx context.Context, msg bus.CancelPageOperationRequest) error {
		cancels = append(cancels, msg)
		return nil
	})
	if err := tale.Stop(ctx, versionID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusCancelled {
		t.Fatalf("expected cancelled version, got %v", got)
	}
	ref := talepreter.PageRef{TaleID: taleID, TaleVersionID: versionID, Chapter: 0, Page: 0}
	if got := w.rt.Page(ref).Status(); got != talepreter.StatusCancelled {
		t.Fatalf("expected cancelled page, got %v", got)
	}
	if len(cancels) != 1 {
		t.Fatalf("expected one cancel request, got %d", len(cancels))
	}

	// a late worker report against the cancelled page answers upward once
	if err := w.rt.Page(ref).OnProcessComplete(ctx, "person", talepreter.ProcessFaulted); err != nil {
		t.Fatalf("late report: %v", err)
	}
	if got := w.rt.Page(ref).Status(); got != talepreter.StatusCancelled {
		t.Fatalf("late report must not change status, got %v", got)
	}
}

func TestBackupSeedsNewVersion(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, source := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, source, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, source, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	if err := tale.BeginProcess(ctx, source, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("begin process: %v", err)
	}
	if err := tale.BeginExecute(ctx, source); err != nil {
		t.Fatalf("begin execute: %v", err)
	}
	if got := w.rt.Publish(taleID, source).Status(); got != talepreter.StatusExecuted {
		t.Fatalf("expected executed source, got %v", got)
	}

	clone := uuid.New()
	if err := tale.Initialize(ctx, clone, &source); err != nil {
		t.Fatalf("initialize clone: %v", err)
	}
	for _, c := range w.containers {
		if c.backups != 1 {
			t.Fatalf("container %s backed up %d times", c.name, c.backups)
		}
	}
	target := w.rt.Publish(taleID, clone)
	if got := target.Status(); got != talepreter.StatusExecuted {
		t.Fatalf("expected executed clone, got %v", got)
	}
	last, ok := target.LastExecutedPage()
	if !ok || last.Chapter != 0 || last.Page != 0 {
		t.Fatalf("expected clone seeded at 0#0, got %v ok=%v", last, ok)
	}

	// the clone accepts new pages and continues from the seeded history
	added, err := tale.AddChapterPage(ctx, clone, 0, 1)
	if err != nil || !added {
		t.Fatalf("add page to clone: added=%v err=%v", added, err)
	}
	if err := tale.BeginProcess(ctx, clone, 0, 1, []talepreter.CommandData{}); err != nil {
		t.Fatalf("process clone page: %v", err)
	}
	if err := tale.BeginExecute(ctx, clone); err != nil {
		t.Fatalf("execute clone page: %v", err)
	}
	last, ok = target.LastExecutedPage()
	if !ok || last.Chapter != 0 || last.Page != 1 {
		t.Fatalf("expected clone executed through 0#1, got %v ok=%v", last, ok)
	}
}

func TestBackupFromUnexecutedVersionRejected(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, source := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, source, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	clone := uuid.New()
	if err := tale.Initialize(ctx, clone, &source); err == nil {
		t.Fatal("expected backup of an idle version to be rejected")
	}
}

func TestPurgeVersionEvictsActors(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	if err := tale.PurgeVersion(ctx, versionID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	for _, c := range w.containers {
		if c.purged != 1 {
			t.Fatalf("container %s purged %d times", c.name, c.purged)
		}
	}
	if got := len(tale.Versions()); got != 0 {
		t.Fatalf("expected no versions left, got %d", got)
	}
	// the directory creates a fresh idle actor on next reference
	if got := w.rt.Publish(taleID, versionID).Status(); got != talepreter.StatusIdle {
		t.Fatalf("expected fresh actor after purge, got %v", got)
	}
}

func TestExecuteFailureStopsChapterWalk(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	taleID, versionID := uuid.New(), uuid.New()
	tale := w.rt.Tale(taleID)

	if err := tale.Initialize(ctx, versionID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 0, 0); err != nil {
		t.Fatalf("add page: %v", err)
	}
	if err := tale.BeginProcess(ctx, versionID, 0, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := tale.AddChapterPage(ctx, versionID, 1, 0); err != nil {
		t.Fatalf("add second chapter: %v", err)
	}
	if err := tale.BeginProcess(ctx, versionID, 1, 0, []talepreter.CommandData{}); err != nil {
		t.Fatalf("process second chapter: %v", err)
	}

	w.mu.Lock()
	w.executeResults["person"] = talepreter.ExecuteFaulted
	w.mu.Unlock()
	if err := tale.BeginExecute(ctx, versionID); err != nil {
		t.Fatalf("begin execute: %v", err)
	}

	if got := w.rt.Chapter(taleID, versionID, 0).Status(); got != talepreter.StatusFaulted {
		t.Fatalf("expected faulted chapter 0, got %v", got)
	}
	// chapter 1 never started
	if got := w.rt.Chapter(taleID, versionID, 1).Status(); got != talepreter.StatusProcessed {
		t.Fatalf("expected chapter 1 untouched, got %v", got)
	}
}
