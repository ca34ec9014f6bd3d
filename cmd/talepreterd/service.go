package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/grain"
	"github.com/talepreter/talepreter/store"
)

// serviceTags maps each entity service to the command tags it owns. A
// service only stores and executes rows for its own tags, so the four
// services partition a page's commands between them.
var serviceTags = map[string][]string{
	"person":   {"PERSON"},
	"actor":    {"ACTOR", "EQUIPMENT", "COHORT"},
	"world":    {"SETTLEMENT", "FACTION", "RACE"},
	"anecdote": {"ANECDOTE"},
}

func tagsOf(service string) map[string]bool {
	tags, ok := serviceTags[service]
	if !ok {
		// an unlisted service owns the tag spelled like its name
		tags = []string{strings.ToUpper(service)}
	}
	owned := make(map[string]bool, len(tags))
	for _, tag := range tags {
		owned[tag] = true
	}
	return owned
}

// tagProcessor is the default command processor of a service: it keeps the
// rows whose tag the service owns and drops the rest. Trigger commands are
// kept when they target one of the service's grain types.
type tagProcessor struct {
	owned map[string]bool
}

func newTagProcessor(service string) *tagProcessor {
	return &tagProcessor{owned: tagsOf(service)}
}

func (p *tagProcessor) Process(ctx context.Context, cmd talepreter.Command) ([]talepreter.Command, error) {
	if cmd.IsTrigger() {
		grainType, ok := cmd.Data.Param(talepreter.TriggerParamGrain)
		if !ok {
			return nil, talepreter.CommandValidation(cmd.Data.String(), "trigger has no grain type set")
		}
		if !p.owned[strings.ToUpper(grainType)] {
			return nil, nil
		}
		return []talepreter.Command{cmd}, nil
	}
	if !p.owned[cmd.Tag] {
		return nil, nil
	}
	return []talepreter.Command{cmd}, nil
}

// documentExecutor is the default command executor of a service: every
// executed command is projected into the document store as the latest state
// of its target entity. Real entity semantics layer on top of this record.
type documentExecutor struct {
	docs store.DocumentStore
}

type documentBody struct {
	Tag           string                 `json:"tag"`
	Target        string                 `json:"target"`
	Data          talepreter.CommandData `json:"data"`
	Chapter       int                    `json:"chapter"`
	Page          int                    `json:"page"`
	OperationTime time.Time              `json:"operation_time"`
}

func (e *documentExecutor) ExecuteCommand(ctx context.Context, cmd *talepreter.Command) error {
	body, err := json.Marshal(documentBody{
		Tag:           cmd.Tag,
		Target:        cmd.Target,
		Data:          cmd.Data,
		Chapter:       cmd.Chapter,
		Page:          cmd.Page,
		OperationTime: cmd.OperationTime,
	})
	if err != nil {
		return err
	}
	return e.docs.Upsert(ctx, cmd.TaleID, cmd.TaleVersionID, store.Document{
		ID:         cmd.Tag + ":" + cmd.Target,
		State:      store.DocumentActive,
		Body:       body,
		LastUpdate: time.Now().UTC(),
	})
}

func (e *documentExecutor) ExecuteTrigger(ctx context.Context, trig *talepreter.Trigger, cmd *talepreter.Command) (talepreter.TriggerState, error) {
	// a trigger row on a page schedules the trigger, firing happens later
	// against story time
	return talepreter.TriggerSet, nil
}

// serviceContainer adapts one service's task store to the version lifecycle
// fan-out of the Publish grain.
type serviceContainer struct {
	name  string
	tasks store.TaskStore
}

func (c *serviceContainer) Name() string { return c.name }

func (c *serviceContainer) InitializeVersion(ctx context.Context, taleID, versionID uuid.UUID) error {
	// a fresh version starts with no rows, leftovers of a purged version
	// with the same id must not leak in
	return c.tasks.Purge(ctx, taleID, &versionID)
}

func (c *serviceContainer) BackupTo(ctx context.Context, taleID, versionID, newVersionID uuid.UUID) error {
	return c.tasks.BackupTo(ctx, taleID, versionID, newVersionID)
}

func (c *serviceContainer) Purge(ctx context.Context, taleID, versionID uuid.UUID) error {
	return c.tasks.Purge(ctx, taleID, &versionID)
}

// grainReporter feeds worker results back into the page grains.
type grainReporter struct {
	rt *grain.Runtime
}

func (r grainReporter) OnProcessComplete(ctx context.Context, ref talepreter.PageRef, service string, result talepreter.ProcessResult) error {
	return r.rt.Page(ref).OnProcessComplete(ctx, service, result)
}

func (r grainReporter) OnExecuteComplete(ctx context.Context, ref talepreter.PageRef, service string, result talepreter.ExecuteResult) error {
	return r.rt.Page(ref).OnExecuteComplete(ctx, service, result)
}
