package grain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/runner"
)

// Publish coordinates one version of a tale. It owns the version lifecycle
// against the containers and the document store, fans chapter results in,
// and tracks how far execution got for backup resumption.
type Publish struct {
	rt        *Runtime
	taleID    uuid.UUID
	versionID uuid.UUID
	logger    talepreter.Logger

	mu           sync.Mutex
	status       talepreter.Status
	process      *fanIn[int, talepreter.ProcessResult]
	execute      *fanIn[int, talepreter.ExecuteResult]
	lastExecuted *talepreter.ChapterPage
	lastUpdate   time.Time
}

func newPublish(rt *Runtime, taleID, versionID uuid.UUID) *Publish {
	id := fmt.Sprintf("publish:%s\\%s", taleID, versionID)
	return &Publish{
		rt:        rt,
		taleID:    taleID,
		versionID: versionID,
		logger:    talepreter.LoggerWithFields(rt.logger, map[string]any{"grain": id}),
		process:   newFanIn[int, talepreter.ProcessResult](),
		execute:   newFanIn[int, talepreter.ExecuteResult](),
	}
}

func (p *Publish) grainID() string {
	return fmt.Sprintf("publish:%s\\%s", p.taleID, p.versionID)
}

// Status returns the version's current lifecycle status.
func (p *Publish) Status() talepreter.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastExecutedPage returns the page the version last executed through, and
// false when the version has never fully executed.
func (p *Publish) LastExecutedPage() (talepreter.ChapterPage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastExecuted == nil {
		return talepreter.ChapterPage{}, false
	}
	return *p.lastExecuted, true
}

// Initialize sets the version up with every container and the document
// store in parallel, failing when any of them fails.
func (p *Publish) Initialize(ctx context.Context) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	err := validate(p.grainID(), "Initialize").
		tale(p.taleID).version(p.versionID).
		healthy(p.status, talepreter.StatusIdle).Err()
	p.mu.Unlock()
	if err != nil {
		return err
	}

	tasks := make([]runner.Task[struct{}], 0, len(p.rt.containers)+1)
	for _, container := range p.rt.containers {
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, container.InitializeVersion(ctx, p.taleID, p.versionID)
		})
	}
	tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.rt.documents.InitializeVersion(ctx, p.taleID, p.versionID)
	})
	if err := p.rt.fanOut(ctx, tasks); err != nil {
		return talepreter.GrainOperation(p.grainID(), "Initialize",
			fmt.Sprintf("initializing tale version failed: %v", err))
	}

	p.mu.Lock()
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Debug("version initialized")
	return nil
}

// AddChapterPage registers a page, creating its chapter on first use.
// Returns false when the page already exists in a healthy state, and an
// error when the chapter or page is in a fault state. Adding a page brings
// a processed or executed version back to Idle so it can process the new
// page before or after execution.
func (p *Publish) AddChapterPage(ctx context.Context, chapter, page int) (bool, error) {
	p.mu.Lock()
	chk := validate(p.grainID(), "AddChapterPage").
		tale(p.taleID).version(p.versionID).chapter(chapter).page(page).
		healthy(p.status, talepreter.StatusIdle, talepreter.StatusProcessed, talepreter.StatusExecuted)
	chapterExists := p.execute.has(chapter)
	if chapterExists {
		er := p.execute.get(chapter)
		chk.require(er&(talepreter.ExecuteFaulted|talepreter.ExecuteBlocked|talepreter.ExecuteTimedout) == 0,
			fmt.Sprintf("chapter %d is in a fault execute state", chapter))
		pr := p.process.get(chapter)
		chk.require(pr&(talepreter.ProcessFaulted|talepreter.ProcessBlocked|talepreter.ProcessTimedout) == 0,
			fmt.Sprintf("chapter %d is in a fault process state", chapter))
	}
	err := chk.Err()
	p.mu.Unlock()
	if err != nil {
		return false, err
	}

	ch := p.rt.Chapter(p.taleID, p.versionID, chapter)
	if !chapterExists {
		if err := ch.Initialize(ctx, nil); err != nil {
			return false, err
		}
	}
	added, err := ch.AddPage(ctx, page)
	if err != nil {
		return false, err
	}
	if !added {
		p.logger.Debug("page already exists in healthy state, not added", "chapter", chapter, "page", page)
		return false, nil
	}

	p.mu.Lock()
	p.process.put(chapter, talepreter.ProcessNone)
	p.execute.put(chapter, talepreter.ExecuteNone)
	p.status = talepreter.StatusIdle
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Debug("added page", "chapter", chapter, "page", page)
	return true, nil
}

// BeginProcess forwards the page's commands down its chapter and moves the
// version to Processing.
func (p *Publish) BeginProcess(ctx context.Context, chapter, page int, commands []talepreter.CommandData) error {
	p.mu.Lock()
	err := validate(p.grainID(), "BeginProcess").
		tale(p.taleID).version(p.versionID).chapter(chapter).page(page).
		require(commands != nil, "page commands are missing").
		healthy(p.status, talepreter.StatusIdle).Err()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	prev := p.status
	p.status = talepreter.StatusProcessing
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()

	if err := p.rt.Chapter(p.taleID, p.versionID, chapter).BeginProcess(ctx, page, commands); err != nil {
		p.mu.Lock()
		if p.status == talepreter.StatusProcessing {
			p.status = prev
		}
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("initiated process operation", "chapter", chapter, "page", page)
	return nil
}

// OnProcessComplete records one chapter's process result and, once every
// chapter has one, settles the version and notifies the Tale actor.
func (p *Publish) OnProcessComplete(ctx context.Context, chapter, page int, result talepreter.ProcessResult) error {
	p.mu.Lock()
	if err := validate(p.grainID(), "OnProcessComplete").chapter(chapter).page(page).Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	out, err := p.process.apply(chapter, result, p.status, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if out.kind == reportSettled {
		p.status = out.status
		p.lastUpdate = time.Now().UTC()
	}
	p.mu.Unlock()

	switch out.kind {
	case reportSkip:
		p.logger.Debug("process report skipped", "chapter", chapter, "page", page, "result", result)
		return nil
	case reportRecorded:
		p.logger.Debug("chapter completed processing", "chapter", chapter, "result", result)
		return nil
	case reportEcho:
		p.logger.Debug("chapter reported after halt, informing tale", "chapter", chapter, "result", out.result)
	case reportSettled:
		p.logger.Debug("all chapters processed", "result", out.result)
	}
	return p.rt.Tale(p.taleID).OnProcessComplete(ctx, p.versionID, chapter, page, out.result)
}

// BeginExecute starts execution of the first chapter that has not executed
// yet and returns without waiting. Later chapters start automatically as
// earlier ones report success.
func (p *Publish) BeginExecute(ctx context.Context) error {
	p.mu.Lock()
	if err := validate(p.grainID(), "BeginExecute").
		tale(p.taleID).version(p.versionID).
		healthy(p.status, talepreter.StatusProcessed).Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	target, ok, err := p.nextExecuteTarget("BeginExecute")
	if err != nil {
		p.mu.Unlock()
		return err
	}
	prev := p.status
	p.status = talepreter.StatusExecuting
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("nothing to execute, all chapters are executed")
		return nil
	}
	if err := p.rt.Chapter(p.taleID, p.versionID, target).BeginExecute(ctx); err != nil {
		p.mu.Lock()
		if p.status == talepreter.StatusExecuting {
			p.status = prev
		}
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("initiated execute operation", "chapter", target)
	return nil
}

// OnExecuteComplete records one chapter's execute result. A successful
// chapter automatically starts the next unexecuted chapter. Once every
// chapter has a result the version settles, remembers the page execution
// reached, and notifies the Tale actor.
func (p *Publish) OnExecuteComplete(ctx context.Context, chapter, page int, result talepreter.ExecuteResult) error {
	p.mu.Lock()
	if err := validate(p.grainID(), "OnExecuteComplete").chapter(chapter).page(page).Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	out, err := p.execute.apply(chapter, result, p.status, talepreter.StatusExecuting, executeEcho, talepreter.StatusOfExecute)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	var advance int
	advanceOK := false
	if out.kind == reportSettled {
		p.status = out.status
		if out.status == talepreter.StatusExecuted {
			p.lastExecuted = &talepreter.ChapterPage{Chapter: chapter, Page: page}
		}
		p.lastUpdate = time.Now().UTC()
	} else if out.kind == reportRecorded && result == talepreter.ExecuteSuccess && p.status == talepreter.StatusExecuting {
		advance, advanceOK, _ = p.nextExecuteTarget("OnExecuteComplete")
	}
	p.mu.Unlock()

	switch out.kind {
	case reportSkip:
		p.logger.Debug("execute report skipped", "chapter", chapter, "page", page, "result", result)
		return nil
	case reportRecorded:
		p.logger.Debug("chapter completed executing", "chapter", chapter, "result", result)
		if advanceOK {
			if err := p.rt.Chapter(p.taleID, p.versionID, advance).BeginExecute(ctx); err != nil {
				p.logger.Error("could not start next chapter execution", "chapter", advance, "error", err)
			}
		}
		return nil
	case reportEcho:
		p.logger.Debug("chapter reported after halt, informing tale", "chapter", chapter, "result", out.result)
	case reportSettled:
		p.logger.Debug("all chapters executed", "result", out.result)
	}
	return p.rt.Tale(p.taleID).OnExecuteComplete(ctx, p.versionID, chapter, page, out.result)
}

// nextExecuteTarget walks chapters in order and picks the first one that
// has not executed. Every earlier chapter must have processed successfully
// and either executed successfully or not at all. Callers hold the lock.
func (p *Publish) nextExecuteTarget(op string) (int, bool, error) {
	for chapter := 0; chapter < p.process.size(); chapter++ {
		pr := p.process.get(chapter)
		if pr != talepreter.ProcessSuccess {
			return 0, false, talepreter.GrainOperation(p.grainID(), op,
				fmt.Sprintf("chapter %d has a failure in processing so execution cannot proceed", chapter))
		}
		er := p.execute.get(chapter)
		if er != talepreter.ExecuteSuccess && er != talepreter.ExecuteNone {
			return 0, false, talepreter.GrainOperation(p.grainID(), op,
				fmt.Sprintf("chapter %d has a failure in executing so execution cannot proceed", chapter))
		}
		if er == talepreter.ExecuteNone {
			return chapter, true, nil
		}
	}
	return 0, false, nil
}

// Stop tells the workers to abandon the version's in-flight work, stops
// every chapter in parallel, and marks the version cancelled even when
// parts of the cascade fail, returning their joined errors.
func (p *Publish) Stop(ctx context.Context) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	if err := validate(p.grainID(), "Stop").
		tale(p.taleID).version(p.versionID).Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	count := p.process.size()
	p.mu.Unlock()

	cancelReq := bus.CancelPageOperationRequest{TaleID: p.taleID, TaleVersionID: p.versionID}
	stopErr := p.rt.publisher.Publish(ctx, cancelReq)

	tasks := make([]runner.Task[struct{}], 0, count)
	for chapter := 0; chapter < count; chapter++ {
		ch := p.rt.Chapter(p.taleID, p.versionID, chapter)
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, ch.Stop(ctx)
		})
	}
	if err := p.rt.fanOut(ctx, tasks); err != nil {
		if stopErr == nil {
			stopErr = err
		}
	}

	p.mu.Lock()
	p.status = talepreter.StatusCancelled
	p.process.resetEcho()
	p.execute.resetEcho()
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Debug("stopped operations")
	return stopErr
}

// Purge tells the workers to abandon in-flight work, removes the version's
// data from every container and the document store in parallel, and marks
// the version purged. The version's actors leave the directory.
func (p *Publish) Purge(ctx context.Context) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	if err := validate(p.grainID(), "Purge").
		tale(p.taleID).version(p.versionID).Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	cancelReq := bus.CancelPageOperationRequest{TaleID: p.taleID, TaleVersionID: p.versionID}
	if err := p.rt.publisher.Publish(ctx, cancelReq); err != nil {
		return err
	}

	tasks := make([]runner.Task[struct{}], 0, len(p.rt.containers)+1)
	for _, container := range p.rt.containers {
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, container.Purge(ctx, p.taleID, p.versionID)
		})
	}
	tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.rt.documents.PurgeVersion(ctx, p.taleID, p.versionID)
	})
	if err := p.rt.fanOut(ctx, tasks); err != nil {
		return talepreter.GrainOperation(p.grainID(), "Purge",
			fmt.Sprintf("purging tale version failed: %v", err))
	}

	p.mu.Lock()
	p.status = talepreter.StatusPurged
	p.process.resetEcho()
	p.execute.resetEcho()
	p.lastUpdate = time.Now().UTC()
	count := p.process.size()
	p.mu.Unlock()

	for chapter := 0; chapter < count; chapter++ {
		p.rt.Chapter(p.taleID, p.versionID, chapter).markPurged()
	}
	p.rt.mu.Lock()
	pages := make([]*Page, 0)
	for key, page := range p.rt.pages {
		if key.taleID == p.taleID && key.versionID == p.versionID {
			pages = append(pages, page)
		}
	}
	p.rt.mu.Unlock()
	for _, page := range pages {
		page.markPurged()
	}
	p.rt.dropVersion(p.taleID, p.versionID)
	p.logger.Debug("purged version data")
	return nil
}

// BackupTo clones the version into a new version id: containers and the
// document store copy their data, and the target Publish actor seeds its
// history from this version's execution point, all in parallel.
func (p *Publish) BackupTo(ctx context.Context, newVersionID uuid.UUID) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	chk := validate(p.grainID(), "BackupTo").
		tale(p.taleID).version(p.versionID).
		require(newVersionID != uuid.Nil, "new version id is empty").
		healthy(p.status, talepreter.StatusExecuted)
	chk.require(p.lastExecuted != nil, "version has no execution point to back up from")
	err := chk.Err()
	var lastExecuted talepreter.ChapterPage
	if p.lastExecuted != nil {
		lastExecuted = *p.lastExecuted
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	target := p.rt.Publish(p.taleID, newVersionID)
	tasks := make([]runner.Task[struct{}], 0, len(p.rt.containers)+2)
	for _, container := range p.rt.containers {
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, container.BackupTo(ctx, p.taleID, p.versionID, newVersionID)
		})
	}
	tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.rt.documents.BackupVersion(ctx, p.taleID, p.versionID, newVersionID)
	})
	tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, target.BackupFrom(ctx, lastExecuted)
	})
	if err := p.rt.fanOut(ctx, tasks); err != nil {
		return talepreter.GrainOperation(p.grainID(), "BackupTo",
			fmt.Sprintf("backing up tale version failed: %v", err))
	}
	p.logger.Debug("backed up version", "target", newVersionID)
	return nil
}

// BackupFrom seeds this version as a clone executed through lastExecuted.
// Every chapter up to the execution point counts as processed and executed,
// and the chapter holding the execution point is initialized mid-way so new
// pages can continue from there.
func (p *Publish) BackupFrom(ctx context.Context, lastExecuted talepreter.ChapterPage) error {
	p.mu.Lock()
	err := validate(p.grainID(), "BackupFrom").
		tale(p.taleID).version(p.versionID).
		chapter(lastExecuted.Chapter).page(lastExecuted.Page).
		healthy(p.status, talepreter.StatusIdle).Err()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	for c := 0; c <= lastExecuted.Chapter; c++ {
		p.process.put(c, talepreter.ProcessSuccess)
		p.execute.put(c, talepreter.ExecuteSuccess)
	}
	p.mu.Unlock()

	page := lastExecuted.Page
	ch := p.rt.Chapter(p.taleID, p.versionID, lastExecuted.Chapter)
	if err := ch.Initialize(ctx, &page); err != nil {
		return err
	}

	p.mu.Lock()
	p.status = talepreter.StatusExecuted
	p.lastExecuted = &talepreter.ChapterPage{Chapter: lastExecuted.Chapter, Page: lastExecuted.Page}
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()
	p.logger.Debug("initialized from backup", "chapter", lastExecuted.Chapter, "page", lastExecuted.Page)
	return nil
}
