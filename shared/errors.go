package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrAlreadyConfigured     = errors.New("session already configured")
	ErrNotActive             = errors.New("session is not active")
	ErrSessionEnded          = errors.New("session ended")
	ErrAlreadyDispatched     = errors.New("function call already dispatched")
	ErrUnknownCall           = errors.New("unknown function call id")
	ErrSinkAlreadySet        = errors.New("audio sink already set")
	ErrNoDispatcher          = errors.New("no function dispatcher provided")
	ErrUnknownBusiness       = errors.New("called number is not mapped to a business")
	ErrCallEnded             = errors.New("call ended by caller")
	ErrIdleTimeout           = errors.New("call idle for too long")
	ErrShuttingDown          = errors.New("server shutting down")
	ErrNoStreamStart         = errors.New("media stream closed before start")
)

// ProtocolError is a transport or session failure on the realtime voice API leg.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a failure on the telephony media-stream leg.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type FunctionNotFoundError struct {
	Name string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function %q not found", e.Name)
}

type PermissionDeniedError struct {
	Name       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("function %q requires permission %q", e.Name, e.Permission)
}

// ExecutionError wraps anything a function handler returned or panicked with.
type ExecutionError struct {
	Name string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %q: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidationError marks ambiguous or invalid voice input. Field names the
// offending argument so the conversation can ask a clarifying question.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation %s: %s", e.Field, e.Reason)
}

type GuardrailViolation struct {
	Violations []string
}

func (e *GuardrailViolation) Error() string {
	return fmt.Sprintf("guardrail violation: %v", e.Violations)
}
