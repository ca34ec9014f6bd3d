package talepreter

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidIdentity    = "TALE_INVALID_IDENTITY"
	ErrCodeGrainOperation     = "TALE_GRAIN_OPERATION"
	ErrCodeUnknownChild       = "TALE_UNKNOWN_CHILD"
	ErrCodeCommandValidation  = "TALE_COMMAND_VALIDATION"
	ErrCodeCommandProcessing  = "TALE_COMMAND_PROCESSING"
	ErrCodeCommandExecution   = "TALE_COMMAND_EXECUTION"
	ErrCodePhaseCompaction    = "TALE_PHASE_COMPACTION"
	ErrCodeDuplicateWork      = "TALE_DUPLICATE_WORK"
	ErrCodeOperationCancelled = "TALE_OPERATION_CANCELLED"
	ErrCodeOperationTimedout  = "TALE_OPERATION_TIMEDOUT"
)

var (
	ErrUnknownChild = apperrors.New("child is not registered on this actor", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownChild)
	ErrPhaseCompaction = apperrors.New("phase compaction lost or duplicated commands", apperrors.CategoryHandler).
				WithTextCode(ErrCodePhaseCompaction)
	ErrDuplicateWork = apperrors.New("an identical task is already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateWork)
)

// InvalidIdentity flags a caller supplied identity that cannot address any
// actor: an empty uuid, a negative chapter or page, and so on.
func InvalidIdentity(msg string) error {
	return apperrors.New(msg, apperrors.CategoryValidation).
		WithTextCode(ErrCodeInvalidIdentity)
}

// GrainOperation flags an operation invoked against an actor whose status
// does not permit it.
func GrainOperation(id, op, msg string) error {
	return apperrors.New(msg, apperrors.CategoryConflict).
		WithTextCode(ErrCodeGrainOperation).
		WithMetadata(map[string]any{"grain": id, "operation": op})
}

// CommandValidation flags a command rejected before any work ran on it.
func CommandValidation(command, msg string) error {
	return apperrors.New(msg, apperrors.CategoryBadInput).
		WithTextCode(ErrCodeCommandValidation).
		WithMetadata(map[string]any{"command": command})
}

// CommandProcessing wraps a failure while expanding a command during the
// process stage.
func CommandProcessing(command, msg string, source error) error {
	err := apperrors.New(msg, apperrors.CategoryHandler).
		WithTextCode(ErrCodeCommandProcessing).
		WithMetadata(map[string]any{"command": command})
	if source != nil {
		err.Source = source
	}
	return err
}

// CommandExecution wraps a failure while executing a command against its
// entity.
func CommandExecution(command, msg string, source error) error {
	err := apperrors.New(msg, apperrors.CategoryHandler).
		WithTextCode(ErrCodeCommandExecution).
		WithMetadata(map[string]any{"command": command})
	if source != nil {
		err.Source = source
	}
	return err
}

// ErrorCode extracts the text code from a structured error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// ErrorCommand extracts the command attached to a command error, or "".
func ErrorCommand(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		if cmd, ok := ge.Metadata["command"].(string); ok {
			return cmd
		}
	}
	return ""
}
