package talepreter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerState is the lifecycle of a scheduled trigger.
type TriggerState int

const (
	TriggerSet TriggerState = iota
	TriggerTriggered
	TriggerFaulted
	// TriggerInvalid marks a trigger that can no longer fire, for example
	// because the entity it targets became immune to it after it was set.
	TriggerInvalid
)

func (s TriggerState) String() string {
	switch s {
	case TriggerSet:
		return "set"
	case TriggerTriggered:
		return "triggered"
	case TriggerFaulted:
		return "faulted"
	case TriggerInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Trigger is a deferred command scheduled against story time. TriggerAt uses
// the same counter as page dates, not wall clock time.
type Trigger struct {
	ID            string    `json:"id"`
	TaleID        uuid.UUID `json:"tale_id"`
	TaleVersionID uuid.UUID `json:"tale_version_id"`
	LastUpdate    time.Time `json:"last_update"`

	State     TriggerState `json:"state"`
	TriggerAt int64        `json:"trigger_at"`

	Target    string `json:"target"`
	GrainType string `json:"grain_type"`
	GrainID   string `json:"grain_id"`
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

func (t Trigger) String() string {
	return fmt.Sprintf("`TRIGGER`: %s `>>` %s `:` type: %s, id: %s, at: %d", t.Target, t.GrainType, t.Type, t.ID, t.TriggerAt)
}

// ToCommand renders the trigger back into command form so that firing it
// reuses the ordinary command execution path.
func (t Trigger) ToCommand(chapter, page int) Command {
	return Command{
		TaleID:        t.TaleID,
		TaleVersionID: t.TaleVersionID,
		Chapter:       chapter,
		Page:          page,
		Phase:         PhaseFirst,
		Tag:           TagTrigger,
		Target:        t.Target,
		Data: CommandData{
			Tag:    TagTrigger,
			Target: t.Target,
			NamedParameters: []NamedParameter{
				{Name: TriggerParamID, Value: t.ID},
				{Name: TriggerParamType, Value: t.Type},
				{Name: TriggerParamParameter, Value: t.Parameter},
				{Name: TriggerParamGrain, Value: t.GrainType},
				{Name: TriggerParamAt, Value: fmt.Sprintf("%d", t.TriggerAt)},
			},
		},
	}
}
