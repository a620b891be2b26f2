package functions

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"

	"github.com/bt-bridge/salon-voice/shared"
)

type ErrorKind string

const (
	KindFunctionNotFound ErrorKind = "function_not_found"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindValidation       ErrorKind = "validation"
	KindGuardrail        ErrorKind = "guardrail"
	KindExecution        ErrorKind = "execution"
	KindTimeout          ErrorKind = "timeout"
)

type FunctionError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *FunctionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *FunctionError) Unwrap() error { return e.Err }

// Result is what a function call resolves to. Exactly one of Data (on
// success) or Error (on failure) is meaningful. VoiceResponse is always set
// and is safe to speak.
type Result struct {
	Success       bool
	Message       string
	VoiceResponse string
	Data          map[string]any
	Error         *FunctionError
}

func OK(message, voice string, data map[string]any) Result {
	return Result{Success: true, Message: message, VoiceResponse: voice, Data: data}
}

// Fail classifies err and picks the spoken fallback for it.
func Fail(err error) Result {
	fe := &FunctionError{Kind: kindOf(err), Err: err}
	var validation *shared.ValidationError
	if errors.As(err, &validation) {
		fe.Field = validation.Field
	}
	return Result{
		Message:       failureMessage(fe),
		VoiceResponse: shared.SpokenFallback(err),
		Error:         fe,
	}
}

// Clarify asks the caller about one field with a tailored sentence.
func Clarify(field, voice string, data map[string]any) Result {
	return Result{
		Message:       "clarification needed: " + field,
		VoiceResponse: voice,
		Data:          data,
		Error:         &FunctionError{Kind: KindValidation, Field: field},
	}
}

// TimedOut is sent in place of a result that did not arrive in time.
func TimedOut() Result {
	return Result{
		Message:       "the operation did not finish in time",
		VoiceResponse: shared.SpeechTimeout,
		Error:         &FunctionError{Kind: KindTimeout, Err: context.DeadlineExceeded},
	}
}

func kindOf(err error) ErrorKind {
	var (
		notFound   *shared.FunctionNotFoundError
		denied     *shared.PermissionDeniedError
		validation *shared.ValidationError
		guard      *shared.GuardrailViolation
	)
	switch {
	case errors.As(err, &notFound):
		return KindFunctionNotFound
	case errors.As(err, &denied):
		return KindPermissionDenied
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &guard):
		return KindGuardrail
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindExecution
}

// failureMessage is what the model reads; it names the problem without
// internal detail.
func failureMessage(fe *FunctionError) string {
	switch fe.Kind {
	case KindFunctionNotFound:
		return "unknown function"
	case KindPermissionDenied:
		return "not permitted in this call"
	case KindValidation:
		if fe.Field != "" {
			return "invalid or unclear value for " + fe.Field
		}
		return "invalid arguments"
	case KindGuardrail:
		return "request refused by content policy"
	case KindTimeout:
		return "the operation did not finish in time"
	}
	return "the operation failed"
}

func (r Result) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// MarshalJSON flattens Data next to the envelope fields:
// {success, message, voice_response, error_kind?, error_field?, ...data}.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+5)
	for k, v := range r.Data {
		out[k] = v
	}
	out["success"] = r.Success
	out["message"] = r.Message
	out["voice_response"] = r.VoiceResponse
	if r.Error != nil {
		out["error_kind"] = r.Error.Kind
		if r.Error.Field != "" {
			out["error_field"] = r.Error.Field
		}
	}
	return sonic.Marshal(out)
}
