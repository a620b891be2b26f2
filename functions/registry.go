// Package functions holds the tools the voice assistant may call. The
// registry authorizes, validates and guards every call before a handler
// sees it, and turns every outcome into a speakable Result.
package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
	"github.com/sethvargo/go-retry"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/bt-bridge/salon-voice/booking"
	"github.com/bt-bridge/salon-voice/guardrails"
	"github.com/bt-bridge/salon-voice/shared"
)

type Permission string

const (
	PermissionNone         Permission = ""
	PermissionBookingRead  Permission = "booking:read"
	PermissionBookingWrite Permission = "booking:write"
)

// DefaultPermissions are granted to an inbound caller.
var DefaultPermissions = []Permission{PermissionBookingRead, PermissionBookingWrite}

// SessionContext is what a handler knows about the call it serves.
type SessionContext struct {
	SessionID   string
	BusinessID  string
	CallerPhone string
	Booking     *booking.BookingContext

	permissions map[Permission]struct{}
}

func NewSessionContext(sessionID, businessID, callerPhone string, perms ...Permission) *SessionContext {
	sc := &SessionContext{
		SessionID:   sessionID,
		BusinessID:  businessID,
		CallerPhone: callerPhone,
		Booking:     booking.NewBookingContext(),
		permissions: make(map[Permission]struct{}, len(perms)),
	}
	for _, p := range perms {
		sc.permissions[p] = struct{}{}
	}
	return sc
}

func (s *SessionContext) Can(p Permission) bool {
	if p == PermissionNone {
		return true
	}
	_, ok := s.permissions[p]
	return ok
}

type Handler func(ctx context.Context, sc *SessionContext, args []byte) (Result, error)

type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
	Handler    Handler
	Permission Permission
	// ReadOnly handlers are retried once on failure.
	ReadOnly bool
}

// Tool is the advertised shape of a function.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Define builds a Definition whose parameters are reflected from T and whose
// handler receives the decoded arguments.
func Define[T any](name, description string, perm Permission, readOnly bool,
	fn func(ctx context.Context, sc *SessionContext, args T) (Result, error),
) (Definition, error) {
	params, err := SchemaFor[T]()
	if err != nil {
		return Definition{}, fmt.Errorf("reflecting parameters of %s: %w", name, err)
	}
	return Definition{
		Name:        name,
		Description: description,
		Parameters:  params,
		Permission:  perm,
		ReadOnly:    readOnly,
		Handler: func(ctx context.Context, sc *SessionContext, raw []byte) (Result, error) {
			var args T
			if err := sonic.Unmarshal(raw, &args); err != nil {
				return Result{}, &shared.ValidationError{Reason: "malformed arguments"}
			}
			return fn(ctx, sc, args)
		},
	}, nil
}

// SchemaFor reflects T into a JSON schema object without references.
func SchemaFor[T any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		Anonymous:                 true,
	}
	schema := reflector.Reflect(new(T))
	data, err := sonic.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out, nil
}

// ContentChecker screens free-text arguments.
type ContentChecker interface {
	CheckContent(text string) guardrails.Decision
}

type entry struct {
	def    Definition
	schema *gojsonschema.Schema
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	guard   ContentChecker
	logger  shared.LoggerAdapter
	backoff time.Duration
}

type RegistryOption func(*Registry)

func WithContentChecker(c ContentChecker) RegistryOption {
	return func(r *Registry) { r.guard = c }
}

func WithLogger(l shared.LoggerAdapter) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRetryBackoff sets the pause before a read-only handler is retried.
func WithRetryBackoff(d time.Duration) RegistryOption {
	return func(r *Registry) { r.backoff = d }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  shared.NewNopLogger(),
		backoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("function needs a name and a handler")
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return fmt.Errorf("compiling schema of %s: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("function %s already registered", def.Name)
	}
	r.entries[def.Name] = &entry{def: def, schema: schema}
	return nil
}

// Tools lists every registered function, sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		tools = append(tools, Tool{
			Type:        "function",
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  e.def.Parameters,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Execute runs one call through lookup, permission, schema validation and
// content checks before invoking the handler. It never returns a Go error;
// every failure is folded into the Result.
func (r *Registry) Execute(ctx context.Context, name string, args []byte, sc *SessionContext) Result {
	logger := r.logger.With(zap.String("function", name), zap.String("session_id", sc.SessionID))

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("function not found")
		return Fail(&shared.FunctionNotFoundError{Name: name})
	}
	if !sc.Can(e.def.Permission) {
		logger.Warn("permission denied", zap.String("permission", string(e.def.Permission)))
		return Fail(&shared.PermissionDeniedError{Name: name, Permission: string(e.def.Permission)})
	}

	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := validateArgs(e.schema, args); err != nil {
		logger.Info("arguments rejected", zap.Error(err))
		return Fail(err)
	}
	args, err := r.guardArgs(args)
	if err != nil {
		logger.Warn("arguments blocked by guardrails", zap.Error(err))
		return Fail(err)
	}

	res, err := r.invoke(ctx, e.def, sc, args)
	if err != nil {
		var validation *shared.ValidationError
		if errors.As(err, &validation) {
			logger.Info("handler needs clarification", zap.String("field", validation.Field))
			return Fail(err)
		}
		logger.Error("function failed", err)
		return Fail(&shared.ExecutionError{Name: name, Err: err})
	}
	if res.VoiceResponse == "" {
		res.VoiceResponse = shared.SpokenFallback(res.Err())
	}
	logger.Debug("function executed", zap.Bool("success", res.Success))
	return res
}

func (r *Registry) invoke(ctx context.Context, def Definition, sc *SessionContext, args []byte) (Result, error) {
	if !def.ReadOnly {
		return safeCall(ctx, def, sc, args)
	}
	var res Result
	backoff := retry.WithMaxRetries(1, retry.NewConstant(r.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		res, err = safeCall(ctx, def, sc, args)
		if err == nil || !retryable(err) {
			return err
		}
		r.logger.Debug("retrying read-only function", zap.String("function", def.Name), zap.Error(err))
		return retry.RetryableError(err)
	})
	return res, err
}

type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panicked: %v", p.value) }

func safeCall(ctx context.Context, def Definition, sc *SessionContext, args []byte) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return def.Handler(ctx, sc, args)
}

func retryable(err error) bool {
	var (
		validation *shared.ValidationError
		panicked   *panicError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &panicked):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, booking.ErrNotFound):
		return false
	}
	return true
}

func validateArgs(schema *gojsonschema.Schema, args []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &shared.ValidationError{Reason: "malformed arguments"}
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	return &shared.ValidationError{Field: fieldOf(first), Reason: first.Description()}
}

func fieldOf(e gojsonschema.ResultError) string {
	if p, ok := e.Details()["property"].(string); ok && p != "" {
		return p
	}
	if f := e.Field(); f != gojsonschema.STRING_CONTEXT_ROOT {
		return f
	}
	return ""
}

// guardArgs screens every string argument and returns the arguments with
// sanitized strings.
func (r *Registry) guardArgs(args []byte) ([]byte, error) {
	if r.guard == nil {
		return args, nil
	}
	var decoded map[string]any
	if err := sonic.Unmarshal(args, &decoded); err != nil {
		return nil, &shared.ValidationError{Reason: "malformed arguments"}
	}
	var violations []string
	changed := false
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			if t == "" {
				return t
			}
			d := r.guard.CheckContent(t)
			if !d.Allowed {
				violations = append(violations, d.Violations...)
				return t
			}
			if d.SanitizedText != t {
				changed = true
			}
			return d.SanitizedText
		case map[string]any:
			for k, item := range t {
				t[k] = walk(item)
			}
		case []any:
			for i, item := range t {
				t[i] = walk(item)
			}
		}
		return v
	}
	walk(decoded)
	if len(violations) > 0 {
		return nil, &shared.GuardrailViolation{Violations: violations}
	}
	if !changed {
		return args, nil
	}
	return sonic.Marshal(decoded)
}
