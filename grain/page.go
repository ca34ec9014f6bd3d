package grain

import (
	"context"
	"sync"
	"time"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
)

// Page is the smallest coordination actor. It hands the page's commands to
// the worker services over the bus and fans their per-service results back
// in, reporting the settled result to its chapter.
type Page struct {
	rt     *Runtime
	ref    talepreter.PageRef
	logger talepreter.Logger

	mu         sync.Mutex
	status     talepreter.Status
	process    *fanIn[string, talepreter.ProcessResult]
	execute    *fanIn[string, talepreter.ExecuteResult]
	lastUpdate time.Time
}

func newPage(rt *Runtime, ref talepreter.PageRef) *Page {
	p := &Page{
		rt:      rt,
		ref:     ref,
		logger:  talepreter.LoggerWithFields(rt.logger, map[string]any{"grain": "page:" + ref.String()}),
		process: newFanIn[string, talepreter.ProcessResult](),
		execute: newFanIn[string, talepreter.ExecuteResult](),
	}
	for _, svc := range rt.services() {
		p.process.put(svc, talepreter.ProcessNone)
		p.execute.put(svc, talepreter.ExecuteNone)
	}
	return p
}

func (p *Page) grainID() string { return "page:" + p.ref.String() }

// Status returns the page's current lifecycle status.
func (p *Page) Status() talepreter.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Initialize validates the page identity. The actor itself is created
// lazily by the directory, so there is no more to set up.
func (p *Page) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := validate(p.grainID(), "Initialize").
		tale(p.ref.TaleID).version(p.ref.TaleVersionID).chapter(p.ref.Chapter).page(p.ref.Page).
		healthy(p.status, talepreter.StatusIdle).Err(); err != nil {
		return err
	}
	p.lastUpdate = time.Now().UTC()
	p.logger.Debug("page initialized")
	return nil
}

// BeginProcess hands the page's commands to every worker service and moves
// to Processing. Completion arrives later through OnProcessComplete.
func (p *Page) BeginProcess(ctx context.Context, commands []talepreter.CommandData) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	err := validate(p.grainID(), "BeginProcess").
		tale(p.ref.TaleID).version(p.ref.TaleVersionID).chapter(p.ref.Chapter).page(p.ref.Page).
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

	req := bus.ProcessPageRequest{Ref: p.ref, Commands: commands}
	if err := p.rt.publisher.Publish(ctx, req); err != nil {
		p.mu.Lock()
		if p.status == talepreter.StatusProcessing {
			p.status = prev
		}
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("initiated process operation")
	return nil
}

// OnProcessComplete records one worker service's process result and, once
// every service has reported, settles the page and notifies the chapter.
func (p *Page) OnProcessComplete(ctx context.Context, service string, result talepreter.ProcessResult) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	if err := validate(p.grainID(), "OnProcessComplete").
		require(service != "", "caller service name is empty").Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	out, err := p.process.apply(service, result, p.status, talepreter.StatusProcessing, processEcho, talepreter.StatusOfProcess)
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
		p.logger.Debug("process report skipped", "service", service, "result", result)
		return nil
	case reportRecorded:
		p.logger.Debug("service completed processing", "service", service, "result", result)
		return nil
	case reportEcho:
		p.logger.Debug("service reported after halt, informing chapter", "service", service, "result", out.result)
	case reportSettled:
		p.logger.Debug("all services processed", "result", out.result)
	}
	chapter := p.rt.Chapter(p.ref.TaleID, p.ref.TaleVersionID, p.ref.Chapter)
	return chapter.OnProcessComplete(ctx, p.ref.Page, out.result)
}

// BeginExecute asks the worker services to execute the page's processed
// commands and moves to Executing.
func (p *Page) BeginExecute(ctx context.Context) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	err := validate(p.grainID(), "BeginExecute").
		tale(p.ref.TaleID).version(p.ref.TaleVersionID).chapter(p.ref.Chapter).page(p.ref.Page).
		healthy(p.status, talepreter.StatusProcessed).Err()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	prev := p.status
	p.status = talepreter.StatusExecuting
	p.lastUpdate = time.Now().UTC()
	p.mu.Unlock()

	req := bus.ExecutePageRequest{Ref: p.ref}
	if err := p.rt.publisher.Publish(ctx, req); err != nil {
		p.mu.Lock()
		if p.status == talepreter.StatusExecuting {
			p.status = prev
		}
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("initiated execute operation")
	return nil
}

// OnExecuteComplete records one worker service's execute result and, once
// every service has reported, settles the page and notifies the chapter.
func (p *Page) OnExecuteComplete(ctx context.Context, service string, result talepreter.ExecuteResult) error {
	ctx, cancel := p.rt.opCtx(ctx)
	defer cancel()

	p.mu.Lock()
	if err := validate(p.grainID(), "OnExecuteComplete").
		require(service != "", "caller service name is empty").Err(); err != nil {
		p.mu.Unlock()
		return err
	}
	out, err := p.execute.apply(service, result, p.status, talepreter.StatusExecuting, executeEcho, talepreter.StatusOfExecute)
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
		p.logger.Debug("execute report skipped", "service", service, "result", result)
		return nil
	case reportRecorded:
		p.logger.Debug("service completed executing", "service", service, "result", result)
		return nil
	case reportEcho:
		p.logger.Debug("service reported after halt, informing chapter", "service", service, "result", out.result)
	case reportSettled:
		p.logger.Debug("all services executed", "result", out.result)
	}
	chapter := p.rt.Chapter(p.ref.TaleID, p.ref.TaleVersionID, p.ref.Chapter)
	return chapter.OnExecuteComplete(ctx, p.ref.Page, out.result)
}

// Stop marks the page cancelled. In-flight worker reports arriving after
// this are answered through the halt path of the fan-in.
func (p *Page) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := validate(p.grainID(), "Stop").
		tale(p.ref.TaleID).version(p.ref.TaleVersionID).chapter(p.ref.Chapter).page(p.ref.Page).Err(); err != nil {
		return err
	}
	p.status = talepreter.StatusCancelled
	p.process.resetEcho()
	p.execute.resetEcho()
	p.lastUpdate = time.Now().UTC()
	p.logger.Debug("stopped operations")
	return nil
}

// markPurged is the version purge cascade's visit to this page.
func (p *Page) markPurged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = talepreter.StatusPurged
	p.process.resetEcho()
	p.execute.resetEcho()
	p.lastUpdate = time.Now().UTC()
}
