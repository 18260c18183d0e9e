package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches engine errors by code so wrapped variants compare equal to the
// sentinel they were built from.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Detail returns a copy of sentinel with extra context appended to its message.
func Detail(sentinel *EngineError, format string, args ...any) *EngineError {
	return &EngineError{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// ---- Manifest errors (-32000 to -32009) ----

var (
	ErrManifestInvalid  = &EngineError{Code: -32000, Message: "manifest validation failed"}
	ErrManifestDecode   = &EngineError{Code: -32001, Message: "manifest could not be decoded"}
	ErrDomainNotFound   = &EngineError{Code: -32002, Message: "domain not found"}
	ErrWorkflowNotFound = &EngineError{Code: -32003, Message: "workflow not found"}
	ErrPrimitiveMissing = &EngineError{Code: -32004, Message: "primitive not found"}
)

// ---- Engine / reducer errors (-32010 to -32039) ----

var (
	ErrThreadNotFound      = &EngineError{Code: -32010, Message: "thread not found"}
	ErrThreadClosed        = &EngineError{Code: -32011, Message: "thread is closed"}
	ErrNotAwaiting         = &EngineError{Code: -32012, Message: "thread is not awaiting a response"}
	ErrCheckpointMismatch  = &EngineError{Code: -32013, Message: "response does not match the pending checkpoint"}
	ErrOptionNotOffered    = &EngineError{Code: -32014, Message: "option is not offered by the pending checkpoint"}
	ErrBatchApproveDenied  = &EngineError{Code: -32015, Message: "critical checkpoints cannot be batch-approved"}
	ErrCorruptLog          = &EngineError{Code: -32016, Message: "event log is inconsistent"}
	ErrRunawayThread       = &EngineError{Code: -32017, Message: "thread did not reach a suspension point"}
	ErrEmptyIntent         = &EngineError{Code: -32018, Message: "user text is empty"}
	ErrCompensationInvalid = &EngineError{Code: -32019, Message: "compensation response is invalid"}
)

// ---- Routing errors (-32040 to -32069) ----

var (
	ErrNoCandidates = &EngineError{Code: -32040, Message: "scorer returned no candidate domains"}
	ErrNoRoute      = &EngineError{Code: -32041, Message: "no execution mode matches the intent"}
	ErrScorerFailed = &EngineError{Code: -32042, Message: "confidence scorer failed"}
)

// ---- Executor / planner errors (-32070 to -32099) ----

var (
	ErrExecutorNotRegistered = &EngineError{Code: -32070, Message: "no executor registered for action kind"}
	ErrExecutorProtocol      = &EngineError{Code: -32071, Message: "executor returned an invalid response"}
	ErrSynthesizerFailed     = &EngineError{Code: -32072, Message: "plan synthesizer failed"}
	ErrSynthesizerMissing    = &EngineError{Code: -32073, Message: "no plan synthesizer configured"}
	ErrExecutorDuplicate     = &EngineError{Code: -32074, Message: "executor already registered for action kind"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit      = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery     = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite     = &EngineError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid  = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateEvent = &EngineError{Code: -32137, Message: "duplicate event sequence number"}
	ErrSeqConflict    = &EngineError{Code: -32138, Message: "append conflict: thread was modified concurrently"}
	ErrThreadExists   = &EngineError{Code: -32139, Message: "thread already exists"}
)
