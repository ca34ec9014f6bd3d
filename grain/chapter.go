package grain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/runner"
)

// Chapter coordinates the pages of one chapter in one version. It fans page
// results in and reports settled results to the Publish actor. Execution
// walks pages strictly in order, one at a time.
type Chapter struct {
	rt        *Runtime
	taleID    uuid.UUID
	versionID uuid.UUID
	chapterID int
	logger    talepreter.Logger

	mu         sync.Mutex
	status     talepreter.Status
	process    *fanIn[int, talepreter.ProcessResult]
	execute    *fanIn[int, talepreter.ExecuteResult]
	lastUpdate time.Time
}

func newChapter(rt *Runtime, taleID, versionID uuid.UUID, chapter int) *Chapter {
	id := fmt.Sprintf("chapter:%s\\%s.%d", taleID, versionID, chapter)
	return &Chapter{
		rt:        rt,
		taleID:    taleID,
		versionID: versionID,
		chapterID: chapter,
		logger:    talepreter.LoggerWithFields(rt.logger, map[string]any{"grain": id}),
		process:   newFanIn[int, talepreter.ProcessResult](),
		execute:   newFanIn[int, talepreter.ExecuteResult](),
	}
}

func (c *Chapter) grainID() string {
	return fmt.Sprintf("chapter:%s\\%s.%d", c.taleID, c.versionID, c.chapterID)
}

// Status returns the chapter's current lifecycle status.
func (c *Chapter) Status() talepreter.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastExecutedPage returns the highest page with a successful execution, or
// -1 when no page has executed yet.
func (c *Chapter) LastExecutedPage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := c.execute.size() - 1; p >= 0; p-- {
		if c.execute.get(p) == talepreter.ExecuteSuccess {
			return p
		}
	}
	return -1
}

// Initialize sets the chapter up. When pageFromBackup is set the chapter is
// seeded as if pages zero through that page already processed and executed
// successfully, which is how a backed up version resumes mid-chapter.
func (c *Chapter) Initialize(ctx context.Context, pageFromBackup *int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validate(c.grainID(), "Initialize").
		tale(c.taleID).version(c.versionID).chapter(c.chapterID).
		healthy(c.status, talepreter.StatusIdle).Err(); err != nil {
		return err
	}
	if pageFromBackup != nil {
		for p := 0; p <= *pageFromBackup; p++ {
			c.process.put(p, talepreter.ProcessSuccess)
			c.execute.put(p, talepreter.ExecuteSuccess)
		}
	}
	c.lastUpdate = time.Now().UTC()
	c.logger.Debug("chapter initialized")
	return nil
}

// AddPage registers a page with the chapter, initializing its actor.
// Returns false without side effects when the page already exists in a
// healthy state, and an error when it exists in a fault state.
func (c *Chapter) AddPage(ctx context.Context, page int) (bool, error) {
	c.mu.Lock()
	chk := validate(c.grainID(), "AddPage").
		tale(c.taleID).version(c.versionID).chapter(c.chapterID).page(page).
		healthy(c.status, talepreter.StatusIdle, talepreter.StatusProcessed, talepreter.StatusExecuted)
	pageExists := c.execute.has(page)
	if pageExists {
		er := c.execute.get(page)
		chk.require(er&(talepreter.ExecuteFaulted|talepreter.ExecuteBlocked|talepreter.ExecuteTimedout) == 0,
			fmt.Sprintf("page %d is in a fault execute state", page))
		pr := c.process.get(page)
		chk.require(pr&(talepreter.ProcessFaulted|talepreter.ProcessBlocked|talepreter.ProcessTimedout) == 0,
			fmt.Sprintf("page %d is in a fault process state", page))
	}
	err := chk.Err()
	c.mu.Unlock()
	if err != nil {
		return false, err
	}

	ref := talepreter.PageRef{TaleID: c.taleID, TaleVersionID: c.versionID, Chapter: c.chapterID, Page: page}
	pg := c.rt.Page(ref)
	switch pg.Status() {
	case talepreter.StatusIdle, talepreter.StatusExecuted:
	default:
		return false, talepreter.GrainOperation(c.grainID(), "AddPage", "page exists and is in a fault state")
	}
	if pageExists {
		c.logger.Debug("page already exists in healthy state, not added", "page", page)
		return false, nil
	}

	if err := pg.Initialize(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.process.put(page, talepreter.ProcessNone)
	c.execute.put(page, talepreter.ExecuteNone)
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Debug("added page", "page", page)
	return true, nil
}

// BeginProcess forwards the page's commands down and moves to Processing.
// A chapter that already executed may process again to take late pages.
func (c *Chapter) BeginProcess(ctx context.Context, page int, commands []talepreter.CommandData) error {
	c.mu.Lock()
	err := validate(c.grainID(), "BeginProcess").
		tale(c.taleID).version(c.versionID).chapter(c.chapterID).page(page).
		require(commands != nil, "page commands are missing").
		healthy(c.status, talepreter.StatusIdle, talepreter.StatusProcessed, talepreter.StatusExecuted).Err()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.status
	c.status = talepreter.StatusProcessing
	c.mu.Unlock()

	ref := talepreter.PageRef{TaleID: c.taleID, TaleVersionID: c.versionID, Chapter: c.chapterID, Page: page}
	if err := c.rt.Page(ref).BeginProcess(ctx, commands); err != nil {
		c.mu.Lock()
		if c.status == talepreter.StatusProcessing {
			c.status = prev
		}
		c.mu.Unlock()
		return err
	}
	c.logger.Debug("initiated process operation", "page", page)
	return nil
}

// OnProcessComplete records one page's process result and, once every page
// has one, settles the chapter and notifies the Publish actor.
func (c *Chapter) OnProcessComplete(ctx context.Context, page int, result talepreter.ProcessResult) error {
	c.mu.Lock()
	if err := validate(c.grainID(), "OnProcessComplete").page(page).Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	out, err := c.process.apply(page, result, c.status, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if out.kind == reportSettled {
		c.status = out.status
		c.lastUpdate = time.Now().UTC()
	}
	c.mu.Unlock()

	switch out.kind {
	case reportSkip:
		c.logger.Debug("process report skipped", "page", page, "result", result)
		return nil
	case reportRecorded:
		c.logger.Debug("page completed processing", "page", page, "result", result)
		return nil
	case reportEcho:
		c.logger.Debug("page reported after halt, informing publish", "page", page, "result", out.result)
	case reportSettled:
		c.logger.Debug("all pages processed", "result", out.result)
	}
	publish := c.rt.Publish(c.taleID, c.versionID)
	return publish.OnProcessComplete(ctx, c.chapterID, page, out.result)
}

// BeginExecute starts execution of the first page that has not executed
// yet and returns without waiting. Progress resumes when the page reports
// through OnExecuteComplete.
func (c *Chapter) BeginExecute(ctx context.Context) error {
	c.mu.Lock()
	if err := validate(c.grainID(), "BeginExecute").
		tale(c.taleID).version(c.versionID).chapter(c.chapterID).
		healthy(c.status, talepreter.StatusProcessed).Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	target, ok, err := c.nextExecuteTarget("BeginExecute")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.status
	c.status = talepreter.StatusExecuting
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("nothing to execute, all pages are executed")
		return nil
	}
	ref := talepreter.PageRef{TaleID: c.taleID, TaleVersionID: c.versionID, Chapter: c.chapterID, Page: target}
	if err := c.rt.Page(ref).BeginExecute(ctx); err != nil {
		c.mu.Lock()
		if c.status == talepreter.StatusExecuting {
			c.status = prev
		}
		c.mu.Unlock()
		return err
	}
	c.logger.Debug("initiated execute operation", "page", target)
	return nil
}

// OnExecuteComplete records one page's execute result. A successful page
// automatically starts the next unexecuted page, so one BeginExecute walks
// the whole chapter. Once every page has a result the chapter settles and
// notifies the Publish actor.
func (c *Chapter) OnExecuteComplete(ctx context.Context, page int, result talepreter.ExecuteResult) error {
	c.mu.Lock()
	if err := validate(c.grainID(), "OnExecuteComplete").page(page).Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	out, err := c.execute.apply(page, result, c.status, talepreter.StatusExecuting, executeEcho, talepreter.StatusOfExecute)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	var advance int
	advanceOK := false
	if out.kind == reportSettled {
		c.status = out.status
		c.lastUpdate = time.Now().UTC()
	} else if out.kind == reportRecorded && result == talepreter.ExecuteSuccess && c.status == talepreter.StatusExecuting {
		advance, advanceOK, _ = c.nextExecuteTarget("OnExecuteComplete")
	}
	c.mu.Unlock()

	switch out.kind {
	case reportSkip:
		c.logger.Debug("execute report skipped", "page", page, "result", result)
		return nil
	case reportRecorded:
		c.logger.Debug("page completed executing", "page", page, "result", result)
		if advanceOK {
			ref := talepreter.PageRef{TaleID: c.taleID, TaleVersionID: c.versionID, Chapter: c.chapterID, Page: advance}
			if err := c.rt.Page(ref).BeginExecute(ctx); err != nil {
				c.logger.Error("could not start next page execution", "page", advance, "error", err)
			}
		}
		return nil
	case reportEcho:
		c.logger.Debug("page reported after halt, informing publish", "page", page, "result", out.result)
	case reportSettled:
		c.logger.Debug("all pages executed", "result", out.result)
	}
	publish := c.rt.Publish(c.taleID, c.versionID)
	return publish.OnExecuteComplete(ctx, c.chapterID, page, out.result)
}

// nextExecuteTarget walks pages in order and picks the first one that has
// not executed. Every earlier page must have processed successfully and
// either executed successfully or not at all. Callers hold the lock.
func (c *Chapter) nextExecuteTarget(op string) (int, bool, error) {
	for page := 0; page < c.process.size(); page++ {
		pr := c.process.get(page)
		if pr != talepreter.ProcessSuccess {
			return 0, false, talepreter.GrainOperation(c.grainID(), op,
				fmt.Sprintf("page %d has a failure in processing so execution cannot proceed", page))
		}
		er := c.execute.get(page)
		if er != talepreter.ExecuteSuccess && er != talepreter.ExecuteNone {
			return 0, false, talepreter.GrainOperation(c.grainID(), op,
				fmt.Sprintf("page %d has a failure in executing so execution cannot proceed", page))
		}
		if er == talepreter.ExecuteNone {
			return page, true, nil
		}
	}
	return 0, false, nil
}

// Stop cancels every page in parallel and marks the chapter cancelled even
// when some pages fail to stop, returning their joined errors.
func (c *Chapter) Stop(ctx context.Context) error {
	ctx, cancel := c.rt.opCtx(ctx)
	defer cancel()

	c.mu.Lock()
	if err := validate(c.grainID(), "Stop").
		tale(c.taleID).version(c.versionID).chapter(c.chapterID).Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	count := c.process.size()
	c.mu.Unlock()

	tasks := make([]runner.Task[struct{}], 0, count)
	for page := 0; page < count; page++ {
		ref := talepreter.PageRef{TaleID: c.taleID, TaleVersionID: c.versionID, Chapter: c.chapterID, Page: page}
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.rt.Page(ref).Stop(ctx)
		})
	}
	stopErr := c.rt.fanOut(ctx, tasks)

	c.mu.Lock()
	c.status = talepreter.StatusCancelled
	c.process.resetEcho()
	c.execute.resetEcho()
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Debug("stopped operations")
	return stopErr
}

// markPurged is the version purge cascade's visit to this chapter.
func (c *Chapter) markPurged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = talepreter.StatusPurged
	c.process.resetEcho()
	c.execute.resetEcho()
	c.lastUpdate = time.Now().UTC()
}
