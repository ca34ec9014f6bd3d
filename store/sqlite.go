package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/talepreter/talepreter"
)

// SQLTaskStore keeps command and trigger rows of one worker service in a
// relational database. Queries are written for SQLite but stick to plain
// database/sql, so other drivers with ? placeholders work too.
type SQLTaskStore struct {
	db            *sql.DB
	commandsTable string
	triggersTable string
	schemaReady   atomic.Bool
}

// NewSQLTaskStore builds a store over db, deriving table names from the
// service name, for example "person_commands" and "person_triggers".
func NewSQLTaskStore(db *sql.DB, service string) *SQLTaskStore {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "tale"
	}
	return &SQLTaskStore{
		db:            db,
		commandsTable: service + "_commands",
		triggersTable: service + "_triggers",
	}
}

func (s *SQLTaskStore) ensureSchema(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	commands := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tale_id TEXT NOT NULL,
		tale_version_id TEXT NOT NULL,
		chapter INTEGER NOT NULL,
		page INTEGER NOT NULL,
		phase INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		sub_idx INTEGER NOT NULL DEFAULT 0,
		tag TEXT NOT NULL,
		target TEXT NOT NULL,
		data TEXT NOT NULL,
		result INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		duration INTEGER NOT NULL DEFAULT 0,
		operation_time TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tale_id, tale_version_id, chapter, page, phase, idx, sub_idx)
	)`, s.commandsTable)
	triggers := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		tale_id TEXT NOT NULL,
		tale_version_id TEXT NOT NULL,
		last_update TEXT NOT NULL DEFAULT '',
		state INTEGER NOT NULL DEFAULT 0,
		trigger_at INTEGER NOT NULL,
		target TEXT NOT NULL,
		grain_type TEXT NOT NULL,
		grain_id TEXT NOT NULL,
		type TEXT NOT NULL,
		parameter TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tale_id, tale_version_id, id)
	)`, s.triggersTable)
	if _, err := s.db.ExecContext(ctx, commands); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, triggers); err != nil {
		return err
	}
	s.schemaReady.Store(true)
	return nil
}

// AppendCommands inserts processed command rows in one transaction.
func (s *SQLTaskStore) AppendCommands(ctx context.Context, cmds []talepreter.Command) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if len(cmds) == 0 {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	q := fmt.Sprintf(`INSERT INTO %s
		(tale_id, tale_version_id, chapter, page, phase, idx, sub_idx, tag, target, data, result, error, duration, operation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.commandsTable)
	for _, cmd := range cmds {
		data, err := json.Marshal(cmd.Data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, q,
			cmd.TaleID.String(), cmd.TaleVersionID.String(),
			cmd.Chapter, cmd.Page, cmd.Phase, cmd.Index, cmd.SubIndex,
			cmd.Tag, cmd.Target, string(data),
			int(cmd.Result), cmd.Error, cmd.Duration.Milliseconds(),
			formatTime(cmd.OperationTime),
		)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// DeletePageCommands drops every command row of a page.
func (s *SQLTaskStore) DeletePageCommands(ctx context.Context, ref talepreter.PageRef) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE tale_id=? AND tale_version_id=? AND chapter=? AND page=?`, s.commandsTable)
	_, err := s.db.ExecContext(ctx, q, ref.TaleID.String(), ref.TaleVersionID.String(), ref.Chapter, ref.Page)
	return err
}

// AwaitingCommands returns not yet executed rows of one phase, ordered by
// submission index.
func (s *SQLTaskStore) AwaitingCommands(ctx context.Context, ref talepreter.PageRef, phase int) ([]talepreter.Command, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT tale_id, tale_version_id, chapter, page, phase, idx, sub_idx, tag, target, data, result, error, duration, operation_time
		FROM %s
		WHERE tale_id=? AND tale_version_id=? AND chapter=? AND page=? AND phase=? AND result=?
		ORDER BY idx ASC, sub_idx ASC`, s.commandsTable)
	rows, err := s.db.QueryContext(ctx, q,
		ref.TaleID.String(), ref.TaleVersionID.String(), ref.Chapter, ref.Page, phase, int(talepreter.OutcomeNone))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []talepreter.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// AwaitingMaxPhase returns the highest positive phase that still has
// awaiting rows, or zero.
func (s *SQLTaskStore) AwaitingMaxPhase(ctx context.Context, ref talepreter.PageRef) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COALESCE(MAX(phase), 0) FROM %s
		WHERE tale_id=? AND tale_version_id=? AND chapter=? AND page=? AND phase>0 AND result=?`, s.commandsTable)
	var phase int
	err := s.db.QueryRowContext(ctx, q,
		ref.TaleID.String(), ref.TaleVersionID.String(), ref.Chapter, ref.Page, int(talepreter.OutcomeNone)).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return phase, nil
}

// MarkCommandResult records the execution outcome of one row.
func (s *SQLTaskStore) MarkCommandResult(ctx context.Context, cmd *talepreter.Command) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if cmd == nil {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET result=?, error=?, duration=?, operation_time=?
		WHERE tale_id=? AND tale_version_id=? AND chapter=? AND page=? AND phase=? AND idx=? AND sub_idx=?`, s.commandsTable)
	_, err := s.db.ExecContext(ctx, q,
		int(cmd.Result), cmd.Error, cmd.Duration.Milliseconds(), formatTime(cmd.OperationTime),
		cmd.TaleID.String(), cmd.TaleVersionID.String(), cmd.Chapter, cmd.Page, cmd.Phase, cmd.Index, cmd.SubIndex)
	return err
}

// SetTrigger inserts or replaces a trigger row.
func (s *SQLTaskStore) SetTrigger(ctx context.Context, trig *talepreter.Trigger) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if trig == nil {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(id, tale_id, tale_version_id, last_update, state, trigger_at, target, grain_type, grain_id, type, parameter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.triggersTable)
	_, err := s.db.ExecContext(ctx, q,
		trig.ID, trig.TaleID.String(), trig.TaleVersionID.String(),
		formatTime(time.Now().UTC()), int(trig.State), trig.TriggerAt,
		trig.Target, trig.GrainType, trig.GrainID, trig.Type, trig.Parameter)
	return err
}

// ActiveTriggersBefore returns set triggers due at or before the story date.
func (s *SQLTaskStore) ActiveTriggersBefore(ctx context.Context, taleID, versionID uuid.UUID, date int64) ([]talepreter.Trigger, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, tale_id, tale_version_id, last_update, state, trigger_at, target, grain_type, grain_id, type, parameter
		FROM %s WHERE tale_id=? AND tale_version_id=? AND state=? AND trigger_at<=?
		ORDER BY trigger_at ASC, id ASC`, s.triggersTable)
	rows, err := s.db.QueryContext(ctx, q, taleID.String(), versionID.String(), int(talepreter.TriggerSet), date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trigs []talepreter.Trigger
	for rows.Next() {
		var (
			trig              talepreter.Trigger
			tid, vid, updated string
			state             int
		)
		err := rows.Scan(&trig.ID, &tid, &vid, &updated, &state, &trig.TriggerAt,
			&trig.Target, &trig.GrainType, &trig.GrainID, &trig.Type, &trig.Parameter)
		if err != nil {
			return nil, err
		}
		trig.TaleID, _ = uuid.Parse(tid)
		trig.TaleVersionID, _ = uuid.Parse(vid)
		trig.State = talepreter.TriggerState(state)
		trig.LastUpdate = parseTime(updated)
		trigs = append(trigs, trig)
	}
	return trigs, rows.Err()
}

// UpdateTriggerState moves a trigger to a new state.
func (s *SQLTaskStore) UpdateTriggerState(ctx context.Context, taleID, versionID uuid.UUID, id string, state talepreter.TriggerState) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET state=?, last_update=? WHERE tale_id=? AND tale_version_id=? AND id=?`, s.triggersTable)
	_, err := s.db.ExecContext(ctx, q, int(state), formatTime(time.Now().UTC()), taleID.String(), versionID.String(), id)
	return err
}

// ShiftTrigger moves a set trigger to a new story date.
func (s *SQLTaskStore) ShiftTrigger(ctx context.Context, taleID, versionID uuid.UUID, id string, newTime int64) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET trigger_at=?, last_update=? WHERE tale_id=? AND tale_version_id=? AND id=? AND state=?`, s.triggersTable)
	_, err := s.db.ExecContext(ctx, q, newTime, formatTime(time.Now().UTC()), taleID.String(), versionID.String(), id, int(talepreter.TriggerSet))
	return err
}

// DeleteTrigger removes a trigger row.
func (s *SQLTaskStore) DeleteTrigger(ctx context.Context, taleID, versionID uuid.UUID, id string) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE tale_id=? AND tale_version_id=? AND id=?`, s.triggersTable)
	_, err := s.db.ExecContext(ctx, q, taleID.String(), versionID.String(), id)
	return err
}

// BackupTo copies every command and trigger row of a version into a new
// version in one transaction.
func (s *SQLTaskStore) BackupTo(ctx context.Context, taleID, versionID, newVersionID uuid.UUID) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	cq := fmt.Sprintf(`INSERT INTO %s
		(tale_id, tale_version_id, chapter, page, phase, idx, sub_idx, tag, target, data, result, error, duration, operation_time)
		SELECT tale_id, ?, chapter, page, phase, idx, sub_idx, tag, target, data, result, error, duration, operation_time
		FROM %s WHERE tale_id=? AND tale_version_id=?`, s.commandsTable, s.commandsTable)
	if _, err := tx.ExecContext(ctx, cq, newVersionID.String(), taleID.String(), versionID.String()); err != nil {
		return err
	}
	tq := fmt.Sprintf(`INSERT INTO %s
		(id, tale_id, tale_version_id, last_update, state, trigger_at, target, grain_type, grain_id, type, parameter)
		SELECT id, tale_id, ?, last_update, state, trigger_at, target, grain_type, grain_id, type, parameter
		FROM %s WHERE tale_id=? AND tale_version_id=?`, s.triggersTable, s.triggersTable)
	if _, err := tx.ExecContext(ctx, tq, newVersionID.String(), taleID.String(), versionID.String()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// Purge drops every row of a version, or of the whole tale when versionID is
// nil.
func (s *SQLTaskStore) Purge(ctx context.Context, taleID uuid.UUID, versionID *uuid.UUID) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	for _, table := range []string{s.commandsTable, s.triggersTable} {
		var err error
		if versionID == nil {
			q := fmt.Sprintf(`DELETE FROM %s WHERE tale_id=?`, table)
			_, err = s.db.ExecContext(ctx, q, taleID.String())
		} else {
			q := fmt.Sprintf(`DELETE FROM %s WHERE tale_id=? AND tale_version_id=?`, table)
			_, err = s.db.ExecContext(ctx, q, taleID.String(), versionID.String())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Maintain runs periodic storage upkeep, scheduled by the service host.
func (s *SQLTaskStore) Maintain(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("task store not configured")
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	return err
}

func scanCommand(rows *sql.Rows) (talepreter.Command, error) {
	var (
		cmd                talepreter.Command
		tid, vid, data, ts string
		result             int
		durationMs         int64
	)
	err := rows.Scan(&tid, &vid, &cmd.Chapter, &cmd.Page, &cmd.Phase, &cmd.Index, &cmd.SubIndex,
		&cmd.Tag, &cmd.Target, &data, &result, &cmd.Error, &durationMs, &ts)
	if err != nil {
		return cmd, err
	}
	cmd.TaleID, _ = uuid.Parse(tid)
	cmd.TaleVersionID, _ = uuid.Parse(vid)
	cmd.Result = talepreter.CommandOutcome(result)
	cmd.Duration = time.Duration(durationMs) * time.Millisecond
	cmd.OperationTime = parseTime(ts)
	if data != "" {
		_ = json.Unmarshal([]byte(data), &cmd.Data)
	}
	return cmd, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
