// Package store holds the persistence boundaries of the orchestrator: the
// command and trigger rows each worker service keeps in its relational
// store, and the projection documents the execute stage writes.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/talepreter/talepreter"
)

// CommandStore persists command rows for one worker service.
type CommandStore interface {
	// AppendCommands inserts processed command rows.
	AppendCommands(ctx context.Context, cmds []talepreter.Command) error
	// DeletePageCommands drops every row of a page, used before a page is
	// processed again.
	DeletePageCommands(ctx context.Context, ref talepreter.PageRef) error
	// AwaitingCommands returns the not yet executed rows of a page in the
	// given phase, in submission order.
	AwaitingCommands(ctx context.Context, ref talepreter.PageRef, phase int) ([]talepreter.Command, error)
	// AwaitingMaxPhase returns the highest positive phase with awaiting
	// rows on the page, or zero when there is none.
	AwaitingMaxPhase(ctx context.Context, ref talepreter.PageRef) (int, error)
	// MarkCommandResult records the execution outcome on the row.
	MarkCommandResult(ctx context.Context, cmd *talepreter.Command) error
}

// TriggerStore persists scheduled triggers for one worker service.
type TriggerStore interface {
	SetTrigger(ctx context.Context, trig *talepreter.Trigger) error
	// ActiveTriggersBefore returns set triggers due at or before the given
	// story date.
	ActiveTriggersBefore(ctx context.Context, taleID, versionID uuid.UUID, date int64) ([]talepreter.Trigger, error)
	UpdateTriggerState(ctx context.Context, taleID, versionID uuid.UUID, id string, state talepreter.TriggerState) error
	// ShiftTrigger moves a set trigger to a new story date.
	ShiftTrigger(ctx context.Context, taleID, versionID uuid.UUID, id string, newTime int64) error
	DeleteTrigger(ctx context.Context, taleID, versionID uuid.UUID, id string) error
}

// TaskStore is the full relational boundary of one worker service.
type TaskStore interface {
	CommandStore
	TriggerStore

	// BackupTo copies every row of a version into a new version.
	BackupTo(ctx context.Context, taleID, versionID, newVersionID uuid.UUID) error
	// Purge drops every row of a version, or of the whole tale when
	// versionID is nil.
	Purge(ctx context.Context, taleID uuid.UUID, versionID *uuid.UUID) error
}

// DocumentState partitions documents into live ones and ones cut from the
// story but kept for lookups.
type DocumentState int

const (
	DocumentActive DocumentState = iota
	DocumentCut
)

// Document is a projection record produced by the execute stage. The body is
// opaque to the orchestrator.
type Document struct {
	ID         string
	State      DocumentState
	Body       []byte
	LastUpdate time.Time
}

// DocumentStore persists projection documents per tale version.
type DocumentStore interface {
	InitializeVersion(ctx context.Context, taleID, versionID uuid.UUID) error
	// BackupVersion copies every document of a version into another version.
	BackupVersion(ctx context.Context, taleID, sourceVersionID, targetVersionID uuid.UUID) error
	PurgeTale(ctx context.Context, taleID uuid.UUID) error
	PurgeVersion(ctx context.Context, taleID, versionID uuid.UUID) error

	Upsert(ctx context.Context, taleID, versionID uuid.UUID, doc Document) error
	Get(ctx context.Context, taleID, versionID uuid.UUID, id string, state DocumentState) (*Document, error)
	Count(ctx context.Context, taleID, versionID uuid.UUID, state DocumentState) (int, error)
}
