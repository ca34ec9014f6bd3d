package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talepreter/talepreter"
)

// InMemoryTaskStore is a thread safe in-memory TaskStore, used in tests and
// as a scratch backend.
type InMemoryTaskStore struct {
	mu       sync.RWMutex
	commands []talepreter.Command
	triggers map[triggerKey]talepreter.Trigger
}

type triggerKey struct {
	taleID    uuid.UUID
	versionID uuid.UUID
	id        string
}

// NewInMemoryTaskStore constructs an empty store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		triggers: make(map[triggerKey]talepreter.Trigger),
	}
}

func (s *InMemoryTaskStore) AppendCommands(_ context.Context, cmds []talepreter.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmds...)
	return nil
}

func (s *InMemoryTaskStore) DeletePageCommands(_ context.Context, ref talepreter.PageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.commands[:0]
	for _, cmd := range s.commands {
		if cmd.TaleID == ref.TaleID && cmd.TaleVersionID == ref.TaleVersionID &&
			cmd.Chapter == ref.Chapter && cmd.Page == ref.Page {
			continue
		}
		kept = append(kept, cmd)
	}
	s.commands = kept
	return nil
}

func (s *InMemoryTaskStore) AwaitingCommands(_ context.Context, ref talepreter.PageRef, phase int) ([]talepreter.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []talepreter.Command
	for _, cmd := range s.commands {
		if cmd.TaleID == ref.TaleID && cmd.TaleVersionID == ref.TaleVersionID &&
			cmd.Chapter == ref.Chapter && cmd.Page == ref.Page &&
			cmd.Phase == phase && cmd.Result == talepreter.OutcomeNone {
			out = append(out, cmd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].SubIndex < out[j].SubIndex
	})
	return out, nil
}

func (s *InMemoryTaskStore) AwaitingMaxPhase(_ context.Context, ref talepreter.PageRef) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	maxPhase := 0
	for _, cmd := range s.commands {
		if cmd.TaleID == ref.TaleID && cmd.TaleVersionID == ref.TaleVersionID &&
			cmd.Chapter == ref.Chapter && cmd.Page == ref.Page &&
			cmd.Phase > maxPhase && cmd.Result == talepreter.OutcomeNone {
			maxPhase = cmd.Phase
		}
	}
	return maxPhase, nil
}

func (s *InMemoryTaskStore) MarkCommandResult(_ context.Context, cmd *talepreter.Command) error {
	if cmd == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.commands {
		c := &s.commands[i]
		if c.TaleID == cmd.TaleID && c.TaleVersionID == cmd.TaleVersionID &&
			c.Chapter == cmd.Chapter && c.Page == cmd.Page &&
			c.Phase == cmd.Phase && c.Index == cmd.Index && c.SubIndex == cmd.SubIndex {
			c.Result = cmd.Result
			c.Error = cmd.Error
			c.Duration = cmd.Duration
			c.OperationTime = cmd.OperationTime
			return nil
		}
	}
	return nil
}

func (s *InMemoryTaskStore) SetTrigger(_ context.Context, trig *talepreter.Trigger) error {
	if trig == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trig
	cp.LastUpdate = time.Now().UTC()
	s.triggers[triggerKey{trig.TaleID, trig.TaleVersionID, trig.ID}] = cp
	return nil
}

func (s *InMemoryTaskStore) ActiveTriggersBefore(_ context.Context, taleID, versionID uuid.UUID, date int64) ([]talepreter.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []talepreter.Trigger
	for key, trig := range s.triggers {
		if key.taleID == taleID && key.versionID == versionID &&
			trig.State == talepreter.TriggerSet && trig.TriggerAt <= date {
			out = append(out, trig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerAt != out[j].TriggerAt {
			return out[i].TriggerAt < out[j].TriggerAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryTaskStore) UpdateTriggerState(_ context.Context, taleID, versionID uuid.UUID, id string, state talepreter.TriggerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := triggerKey{taleID, versionID, id}
	if trig, ok := s.triggers[key]; ok {
		trig.State = state
		trig.LastUpdate = time.Now().UTC()
		s.triggers[key] = trig
	}
	return nil
}

func (s *InMemoryTaskStore) ShiftTrigger(_ context.Context, taleID, versionID uuid.UUID, id string, newTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := triggerKey{taleID, versionID, id}
	if trig, ok := s.triggers[key]; ok && trig.State == talepreter.TriggerSet {
		trig.TriggerAt = newTime
		trig.LastUpdate = time.Now().UTC()
		s.triggers[key] = trig
	}
	return nil
}

func (s *InMemoryTaskStore) DeleteTrigger(_ context.Context, taleID, versionID uuid.UUID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, triggerKey{taleID, versionID, id})
	return nil
}

func (s *InMemoryTaskStore) BackupTo(_ context.Context, taleID, versionID, newVersionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range append([]talepreter.Command(nil), s.commands...) {
		if cmd.TaleID == taleID && cmd.TaleVersionID == versionID {
			cp := cmd
			cp.TaleVersionID = newVersionID
			s.commands = append(s.commands, cp)
		}
	}
	for key, trig := range s.triggers {
		if key.taleID == taleID && key.versionID == versionID {
			cp := trig
			cp.TaleVersionID = newVersionID
			s.triggers[triggerKey{taleID, newVersionID, key.id}] = cp
		}
	}
	return nil
}

func (s *InMemoryTaskStore) Purge(_ context.Context, taleID uuid.UUID, versionID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.commands[:0]
	for _, cmd := range s.commands {
		if cmd.TaleID == taleID && (versionID == nil || cmd.TaleVersionID == *versionID) {
			continue
		}
		kept = append(kept, cmd)
	}
	s.commands = kept
	for key := range s.triggers {
		if key.taleID == taleID && (versionID == nil || key.versionID == *versionID) {
			delete(s.triggers, key)
		}
	}
	return nil
}

// Commands returns a cloned command slice for assertions and debugging.
func (s *InMemoryTaskStore) Commands() []talepreter.Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]talepreter.Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Trigger returns one trigger by id for assertions, or nil.
func (s *InMemoryTaskStore) Trigger(taleID, versionID uuid.UUID, id string) *talepreter.Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if trig, ok := s.triggers[triggerKey{taleID, versionID, id}]; ok {
		cp := trig
		return &cp
	}
	return nil
}

type documentKey struct {
	taleID    uuid.UUID
	versionID uuid.UUID
}

// InMemoryDocumentStore keeps projection documents per tale version in
// memory. The document database of a full deployment sits behind the same
// interface.
type InMemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[documentKey]map[string]Document
}

// NewInMemoryDocumentStore constructs an empty store.
func NewInMemoryDocumentStore() *InMemoryDocumentStore {
	return &InMemoryDocumentStore{
		docs: make(map[documentKey]map[string]Document),
	}
}

func (s *InMemoryDocumentStore) InitializeVersion(_ context.Context, taleID, versionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := documentKey{taleID, versionID}
	if _, ok := s.docs[key]; !ok {
		s.docs[key] = make(map[string]Document)
	}
	return nil
}

func (s *InMemoryDocumentStore) BackupVersion(_ context.Context, taleID, sourceVersionID, targetVersionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.docs[documentKey{taleID, sourceVersionID}]
	dst := make(map[string]Document, len(src))
	for id, doc := range src {
		cp := doc
		cp.Body = append([]byte(nil), doc.Body...)
		dst[id] = cp
	}
	s.docs[documentKey{taleID, targetVersionID}] = dst
	return nil
}

func (s *InMemoryDocumentStore) PurgeTale(_ context.Context, taleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.docs {
		if key.taleID == taleID {
			delete(s.docs, key)
		}
	}
	return nil
}

func (s *InMemoryDocumentStore) PurgeVersion(_ context.Context, taleID, versionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentKey{taleID, versionID})
	return nil
}

func (s *InMemoryDocumentStore) Upsert(_ context.Context, taleID, versionID uuid.UUID, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := documentKey{taleID, versionID}
	if _, ok := s.docs[key]; !ok {
		s.docs[key] = make(map[string]Document)
	}
	doc.LastUpdate = time.Now().UTC()
	doc.Body = append([]byte(nil), doc.Body...)
	s.docs[key][doc.ID] = doc
	return nil
}

func (s *InMemoryDocumentStore) Get(_ context.Context, taleID, versionID uuid.UUID, id string, state DocumentState) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentKey{taleID, versionID}][id]
	if !ok || doc.State != state {
		return nil, nil
	}
	cp := doc
	cp.Body = append([]byte(nil), doc.Body...)
	return &cp, nil
}

func (s *InMemoryDocumentStore) Count(_ context.Context, taleID, versionID uuid.UUID, state DocumentState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, doc := range s.docs[documentKey{taleID, versionID}] {
		if doc.State == state {
			count++
		}
	}
	return count, nil
}
