package talepreter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Phase markers. Positive phases run in ascending order between them.
const (
	PhaseFirst = 0
	PhaseLast  = -1
)

// TagTrigger marks a command that schedules or fires a trigger instead of
// mutating an entity directly.
const TagTrigger = "TRIGGER"

// Named parameter keys of a trigger command.
const (
	TriggerParamID        = "id"
	TriggerParamType      = "type"
	TriggerParamParameter = "parameter"
	TriggerParamGrain     = "grain"
	TriggerParamAt        = "at"
)

// NamedParameterType says how a named parameter applies to the value it
// targets on the entity.
type NamedParameterType int

const (
	ParamSet NamedParameterType = iota
	ParamAdd
	ParamRemove
	ParamReset
)

func (t NamedParameterType) String() string {
	switch t {
	case ParamSet:
		return "set"
	case ParamAdd:
		return "add"
	case ParamRemove:
		return "remove"
	case ParamReset:
		return "reset"
	default:
		return "unknown"
	}
}

// NamedParameter is a single key value argument of a command.
type NamedParameter struct {
	Type  NamedParameterType `json:"type"`
	Name  string             `json:"name"`
	Value string             `json:"value"`
}

// CommandData is a command as submitted, before placement and bookkeeping
// are attached. Tag and Target are mandatory, everything else is optional.
type CommandData struct {
	Tag             string           `json:"tag"`
	Target          string           `json:"target"`
	Parent          string           `json:"parent,omitempty"`
	NamedParameters []NamedParameter `json:"named_parameters,omitempty"`
	ArrayParameters []string         `json:"array_parameters,omitempty"`
	Comment         string           `json:"comment,omitempty"`
}

func (d CommandData) String() string {
	s := fmt.Sprintf("`%s`: %s", d.Tag, d.Target)
	if d.Parent != "" {
		s += " `>>` " + d.Parent
	}
	return s
}

// Param returns the value of the named parameter, if present.
func (d CommandData) Param(name string) (string, bool) {
	for _, p := range d.NamedParameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// CommandOutcome is the per command execution record kept on the row.
type CommandOutcome int

const (
	OutcomeNone CommandOutcome = iota
	OutcomeSuccess
	OutcomeError
)

func (o CommandOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	default:
		return "none"
	}
}

// Command is a persisted command row: the submitted data plus its placement
// inside the tale and the record of its last execution.
type Command struct {
	TaleID        uuid.UUID `json:"tale_id"`
	TaleVersionID uuid.UUID `json:"tale_version_id"`

	Chapter int `json:"chapter"`
	Page    int `json:"page"`
	Phase   int `json:"phase"`
	Index   int `json:"index"`
	// SubIndex orders commands that were expanded out of the same submitted
	// command during processing. Zero for commands submitted directly.
	SubIndex int `json:"sub_index"`

	Tag    string      `json:"tag"`
	Target string      `json:"target"`
	Data   CommandData `json:"data"`

	Result        CommandOutcome `json:"result"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
	OperationTime time.Time      `json:"operation_time"`
}

func (c Command) String() string {
	return fmt.Sprintf("%s.%s:[%d#%d.%d\\%s] %s", c.TaleID, c.TaleVersionID, c.Chapter, c.Page, c.Index, c.Tag, c.Target)
}

// IsTrigger reports whether the command targets the trigger state machine.
func (c Command) IsTrigger() bool { return c.Tag == TagTrigger }

// TriggerOf builds the trigger a TRIGGER command describes. It fails when a
// mandatory trigger parameter is missing or malformed.
func (c Command) TriggerOf() (*Trigger, error) {
	if !c.IsTrigger() {
		return nil, CommandValidation(c.Data.String(), "command is not a trigger")
	}
	id, ok := c.Data.Param(TriggerParamID)
	if !ok {
		return nil, CommandValidation(c.Data.String(), "trigger has no id set")
	}
	typ, ok := c.Data.Param(TriggerParamType)
	if !ok {
		return nil, CommandValidation(c.Data.String(), "trigger has no type set")
	}
	grain, ok := c.Data.Param(TriggerParamGrain)
	if !ok {
		return nil, CommandValidation(c.Data.String(), "trigger has no grain type set")
	}
	param, _ := c.Data.Param(TriggerParamParameter)
	atRaw, ok := c.Data.Param(TriggerParamAt)
	if !ok {
		return nil, CommandValidation(c.Data.String(), "trigger has no date set")
	}
	at, err := strconv.ParseInt(atRaw, 10, 64)
	if err != nil {
		return nil, CommandValidation(c.Data.String(), fmt.Sprintf("trigger date %q is not a number", atRaw))
	}
	return &Trigger{
		ID:            id,
		TaleID:        c.TaleID,
		TaleVersionID: c.TaleVersionID,
		State:         TriggerSet,
		TriggerAt:     at,
		Target:        c.Target,
		GrainType:     grain,
		GrainID:       c.Target,
		Type:          typ,
		Parameter:     param,
	}, nil
}
