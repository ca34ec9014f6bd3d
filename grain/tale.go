package grain

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/runner"
)

// Tale is the root coordination actor of one story. It tracks which
// versions exist, relays control calls into the Publish actor of each, and
// turns settled results into events for outside observers.
type Tale struct {
	rt     *Runtime
	id     uuid.UUID
	logger talepreter.Logger

	mu         sync.Mutex
	versions   map[uuid.UUID]struct{}
	lastUpdate time.Time
}

func newTale(rt *Runtime, taleID uuid.UUID) *Tale {
	return &Tale{
		rt:       rt,
		id:       taleID,
		logger:   talepreter.LoggerWithFields(rt.logger, map[string]any{"grain": "tale:" + taleID.String()}),
		versions: make(map[uuid.UUID]struct{}),
	}
}

func (t *Tale) grainID() string { return "tale:" + t.id.String() }

// Versions lists the known version ids in a stable order.
func (t *Tale) Versions() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, 0, len(t.versions))
	for id := range t.versions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (t *Tale) known(versionID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.versions[versionID]
	return ok
}

// Initialize creates a new version, optionally as a backup of an executed
// existing version so the new one resumes from its execution point.
func (t *Tale) Initialize(ctx context.Context, versionID uuid.UUID, backupOf *uuid.UUID) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	t.mu.Lock()
	_, exists := t.versions[versionID]
	err := validate(t.grainID(), "Initialize").
		tale(t.id).version(versionID).
		require(!exists, "tale version already exists").
		require(backupOf == nil || *backupOf != uuid.Nil, "backup version id is empty").Err()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if backupOf != nil {
		source := t.rt.Publish(t.id, *backupOf)
		if source.Status() != talepreter.StatusExecuted {
			return talepreter.GrainOperation(t.grainID(), "Initialize",
				"backup source version is not executed, it cannot seed a new version")
		}
		if err := source.BackupTo(ctx, versionID); err != nil {
			return err
		}
		t.logger.Info("initialized version as backup", "version", versionID, "source", *backupOf)
	} else {
		if err := t.rt.Publish(t.id, versionID).Initialize(ctx); err != nil {
			return err
		}
		t.logger.Info("initialized version", "version", versionID)
	}

	t.mu.Lock()
	t.versions[versionID] = struct{}{}
	t.lastUpdate = time.Now().UTC()
	t.mu.Unlock()
	return nil
}

// AddChapterPage registers a page on a version.
func (t *Tale) AddChapterPage(ctx context.Context, versionID uuid.UUID, chapter, page int) (bool, error) {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "AddChapterPage").
		tale(t.id).version(versionID).chapter(chapter).page(page).
		require(t.known(versionID), "tale version does not exist").Err(); err != nil {
		return false, err
	}
	added, err := t.rt.Publish(t.id, versionID).AddChapterPage(ctx, chapter, page)
	if err != nil {
		return false, err
	}
	t.logger.Info("added page", "version", versionID, "chapter", chapter, "page", page, "added", added)
	return added, nil
}

// BeginProcess starts the process stage for one page of a version.
func (t *Tale) BeginProcess(ctx context.Context, versionID uuid.UUID, chapter, page int, commands []talepreter.CommandData) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "BeginProcess").
		tale(t.id).version(versionID).chapter(chapter).page(page).
		require(t.known(versionID), "tale version does not exist").
		require(commands != nil, "page commands are missing").Err(); err != nil {
		return err
	}
	if err := t.rt.Publish(t.id, versionID).BeginProcess(ctx, chapter, page, commands); err != nil {
		return err
	}
	t.logger.Info("initiated processing", "version", versionID, "chapter", chapter, "page", page)
	return nil
}

// BeginExecute starts the execute stage of a processed version.
func (t *Tale) BeginExecute(ctx context.Context, versionID uuid.UUID) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "BeginExecute").
		tale(t.id).version(versionID).
		require(t.known(versionID), "tale version does not exist").Err(); err != nil {
		return err
	}
	if err := t.rt.Publish(t.id, versionID).BeginExecute(ctx); err != nil {
		return err
	}
	t.logger.Info("initiated execution", "version", versionID)
	return nil
}

// PurgeVersion removes one version and forgets it.
func (t *Tale) PurgeVersion(ctx context.Context, versionID uuid.UUID) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "PurgeVersion").
		tale(t.id).version(versionID).
		require(t.known(versionID), "tale version does not exist").Err(); err != nil {
		return err
	}
	if err := t.rt.Publish(t.id, versionID).Purge(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.versions, versionID)
	t.lastUpdate = time.Now().UTC()
	t.mu.Unlock()
	t.logger.Info("purged version", "version", versionID)
	return nil
}

// Purge removes every version of the tale in parallel. The version tracker
// is cleared only when the whole cascade succeeds.
func (t *Tale) Purge(ctx context.Context) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "Purge").tale(t.id).Err(); err != nil {
		return err
	}
	versions := t.Versions()
	tasks := make([]runner.Task[struct{}], 0, len(versions))
	for _, versionID := range versions {
		publish := t.rt.Publish(t.id, versionID)
		tasks = append(tasks, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, publish.Purge(ctx)
		})
	}
	if err := t.rt.fanOut(ctx, tasks); err != nil {
		return err
	}
	t.mu.Lock()
	t.versions = make(map[uuid.UUID]struct{})
	t.lastUpdate = time.Now().UTC()
	t.mu.Unlock()
	t.logger.Info("purged all versions")
	return nil
}

// Stop cancels the in-flight work of one version.
func (t *Tale) Stop(ctx context.Context, versionID uuid.UUID) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "Stop").
		tale(t.id).version(versionID).
		require(t.known(versionID), "tale version does not exist").Err(); err != nil {
		return err
	}
	if err := t.rt.Publish(t.id, versionID).Stop(ctx); err != nil {
		return err
	}
	t.logger.Info("stopped version", "version", versionID)
	return nil
}

// OnProcessComplete turns a version's settled process result into an event
// for outside observers. Reports for unknown versions are dropped. Events
// are published instead of calling back into actors, a synchronous callback
// chain here could deadlock.
func (t *Tale) OnProcessComplete(ctx context.Context, versionID uuid.UUID, chapter, page int, result talepreter.ProcessResult) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "OnProcessComplete").
		tale(t.id).version(versionID).chapter(chapter).page(page).Err(); err != nil {
		return err
	}
	if !t.known(versionID) {
		t.logger.Debug("process report for unknown version, dropping", "version", versionID, "result", result)
		return nil
	}
	status, err := responseStatusOf(t.grainID(), "OnProcessComplete", uint8(result))
	if err != nil {
		return err
	}
	event := bus.ProcessOperationResponse{
		Ref:           talepreter.PageRef{TaleID: t.id, TaleVersionID: versionID, Chapter: chapter, Page: page},
		Status:        status,
		OperationTime: time.Now().UTC(),
	}
	if err := t.rt.publisher.Publish(ctx, event); err != nil {
		return err
	}
	t.logger.Info("version completed processing", "version", versionID, "chapter", chapter, "page", page, "result", result)
	return nil
}

// OnExecuteComplete mirrors OnProcessComplete for the execute stage.
func (t *Tale) OnExecuteComplete(ctx context.Context, versionID uuid.UUID, chapter, page int, result talepreter.ExecuteResult) error {
	ctx, cancel := t.rt.opCtx(ctx)
	defer cancel()

	if err := validate(t.grainID(), "OnExecuteComplete").
		tale(t.id).version(versionID).chapter(chapter).page(page).Err(); err != nil {
		return err
	}
	if !t.known(versionID) {
		t.logger.Debug("execute report for unknown version, dropping", "version", versionID, "result", result)
		return nil
	}
	status, err := responseStatusOf(t.grainID(), "OnExecuteComplete", uint8(result))
	if err != nil {
		return err
	}
	event := bus.ExecuteOperationResponse{
		Ref:           talepreter.PageRef{TaleID: t.id, TaleVersionID: versionID, Chapter: chapter, Page: page},
		Status:        status,
		OperationTime: time.Now().UTC(),
	}
	if err := t.rt.publisher.Publish(ctx, event); err != nil {
		return err
	}
	t.logger.Info("version completed executing", "version", versionID, "chapter", chapter, "page", page, "result", result)
	return nil
}

// responseStatusOf coarsens a stage result for observer events. Faulted,
// cancelled and blocked all surface as faulted, only timeouts keep their
// own label.
func responseStatusOf(id, op string, result uint8) (bus.ResponseStatus, error) {
	switch {
	case result&uint8(talepreter.ProcessFaulted|talepreter.ProcessCancelled|talepreter.ProcessBlocked) != 0:
		return bus.ResponseFaulted, nil
	case result&uint8(talepreter.ProcessTimedout) != 0:
		return bus.ResponseTimeout, nil
	case result == uint8(talepreter.ProcessSuccess):
		return bus.ResponseSuccess, nil
	default:
		return bus.ResponseNone, talepreter.GrainOperation(id, op, "operation result is not recognized")
	}
}
