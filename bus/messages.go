// Package bus carries the messages between the coordination actors and the
// worker services: page work requests flowing down and command or operation
// status events flowing back up.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/talepreter/talepreter"
)

// Message is the contract every bus message implements.
type Message interface {
	Type() string
	Validate() error
}

// ResponseStatus is the coarse outcome a worker or actor reports in events.
type ResponseStatus int

const (
	ResponseNone ResponseStatus = iota
	ResponseSuccess
	ResponseFaulted
	ResponseTimeout
)

func (s ResponseStatus) String() string {
	switch s {
	case ResponseSuccess:
		return "success"
	case ResponseFaulted:
		return "faulted"
	case ResponseTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// ErrorInfo describes a failure inside an event payload.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Stack   string `json:"stack,omitempty"`
}

// ProcessPageRequest asks every worker service to process the commands of
// one page.
type ProcessPageRequest struct {
	Ref      talepreter.PageRef       `json:"ref"`
	TraceID  string                   `json:"trace_id"`
	Commands []talepreter.CommandData `json:"commands"`
}

func (ProcessPageRequest) Type() string { return "talepreter.page.process" }

func (m ProcessPageRequest) Validate() error { return m.Ref.Validate() }

// ExecutePageRequest asks every worker service to execute the processed
// commands of one page.
type ExecutePageRequest struct {
	Ref     talepreter.PageRef `json:"ref"`
	TraceID string             `json:"trace_id"`
}

func (ExecutePageRequest) Type() string { return "talepreter.page.execute" }

func (m ExecutePageRequest) Validate() error { return m.Ref.Validate() }

// CancelPageOperationRequest asks workers to abandon in flight work of a
// tale version.
type CancelPageOperationRequest struct {
	TaleID        uuid.UUID `json:"tale_id"`
	TaleVersionID uuid.UUID `json:"tale_version_id"`
}

func (CancelPageOperationRequest) Type() string { return "talepreter.page.cancel" }

func (m CancelPageOperationRequest) Validate() error {
	if m.TaleID == uuid.Nil {
		return talepreter.InvalidIdentity("tale id is empty")
	}
	if m.TaleVersionID == uuid.Nil {
		return talepreter.InvalidIdentity("tale version id is empty")
	}
	return nil
}

// ProcessCommandResponse reports the fate of a single command during the
// process stage. Only failures are published.
type ProcessCommandResponse struct {
	Ref           talepreter.PageRef `json:"ref"`
	Service       string             `json:"service"`
	Status        ResponseStatus     `json:"status"`
	Error         *ErrorInfo         `json:"error,omitempty"`
	Command       string             `json:"command"`
	OperationTime time.Time          `json:"operation_time"`
}

func (ProcessCommandResponse) Type() string { return "talepreter.command.processed" }

func (m ProcessCommandResponse) Validate() error { return m.Ref.Validate() }

// ExecuteCommandResponse reports the fate of a single command during the
// execute stage. Only failures are published.
type ExecuteCommandResponse struct {
	Ref           talepreter.PageRef `json:"ref"`
	Service       string             `json:"service"`
	Status        ResponseStatus     `json:"status"`
	Error         *ErrorInfo         `json:"error,omitempty"`
	Command       string             `json:"command"`
	OperationTime time.Time          `json:"operation_time"`
}

func (ExecuteCommandResponse) Type() string { return "talepreter.command.executed" }

func (m ExecuteCommandResponse) Validate() error { return m.Ref.Validate() }

// ProcessOperationResponse reports the settled process outcome of a page to
// outside observers.
type ProcessOperationResponse struct {
	Ref           talepreter.PageRef `json:"ref"`
	Status        ResponseStatus     `json:"status"`
	OperationTime time.Time          `json:"operation_time"`
}

func (ProcessOperationResponse) Type() string { return "talepreter.operation.processed" }

func (m ProcessOperationResponse) Validate() error { return m.Ref.Validate() }

// ExecuteOperationResponse reports the settled execute outcome of a page to
// outside observers.
type ExecuteOperationResponse struct {
	Ref           talepreter.PageRef `json:"ref"`
	Status        ResponseStatus     `json:"status"`
	OperationTime time.Time          `json:"operation_time"`
}

func (ExecuteOperationResponse) Type() string { return "talepreter.operation.executed" }

func (m ExecuteOperationResponse) Validate() error { return m.Ref.Validate() }

// WorkRoutingKey names the queue a worker service consumes page requests
// from.
func WorkRoutingKey(service string) string {
	return fmt.Sprintf("talepreter.work.%s", service)
}

// StatusRoutingKey names the per tale topic operation events are published
// on, so observers of one tale do not see traffic of another.
func StatusRoutingKey(taleID uuid.UUID) string {
	return fmt.Sprintf("talepreter.status.%s", taleID)
}

// ErrorInfoOf flattens an error into event payload form.
func ErrorInfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error(), Type: "error"}
	if code := talepreter.ErrorCode(err); code != "" {
		info.Type = code
	}
	return info
}
