// Package guardrails gates conversational text in both directions. Checks run
// in a fixed order and stop at the first hard violation; soft findings only
// raise an informational risk score.
package guardrails

import (
	"context"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bt-bridge/salon-voice/normalize"
	"github.com/bt-bridge/salon-voice/shared"
	"go.uber.org/zap"
)

const (
	ViolationEmpty           = "too_short"
	ViolationTooLong         = "too_long"
	ViolationInvalidEncoding = "invalid_encoding"
	ViolationRateMinute      = "rate_limit_minute"
	ViolationRateHour        = "rate_limit_hour"
	ViolationRepetition      = "spam_repetition"
	ViolationSymbols         = "spam_symbols"

	maxRisk = 1.0
	// spam heuristics need a little text before they mean anything
	minSpamTokens = 4
	minSpamRunes  = 8
)

// Decision is the outcome of one validation. It is never mutated after it is
// returned.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Violations    []string `json:"violations,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	SanitizedText string   `json:"sanitized_text,omitempty"`
	RiskScore     float64  `json:"risk_score"`
}

// Err returns a *shared.GuardrailViolation for a blocked decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &shared.GuardrailViolation{Violations: append([]string(nil), d.Violations...)}
}

type Validator struct {
	cfg    shared.GuardrailConfig
	store  WindowStore
	now    func() time.Time
	logger shared.LoggerAdapter
}

type Option func(*Validator)

func WithStore(store WindowStore) Option {
	return func(v *Validator) {
		if store != nil {
			v.store = store
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func New(cfg shared.GuardrailConfig, opts ...Option) *Validator {
	v := &Validator{
		cfg:    cfg,
		now:    time.Now,
		logger: shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.store == nil {
		v.store = NewMemoryStore()
	}
	return v
}

// ValidateInbound gates caller transcript text and counts it against the
// session's rate limit.
func (v *Validator) ValidateInbound(ctx context.Context, sessionID, text string) Decision {
	d := v.validate(ctx, sessionID, text, true, true)
	v.log("inbound", sessionID, d)
	return d
}

// ValidateOutbound gates text the assistant is about to speak. Assistant
// speech is not rate limited and is not scored as spam.
func (v *Validator) ValidateOutbound(text string) Decision {
	d := v.validate(context.Background(), "", text, false, false)
	v.log("outbound", "", d)
	return d
}

// CheckContent runs every check except the rate limit. The dispatcher uses it
// for string arguments of tool calls.
func (v *Validator) CheckContent(text string) Decision {
	return v.validate(context.Background(), "", text, false, true)
}

// Forget releases a session's rate-limit window when its call ends.
func (v *Validator) Forget(ctx context.Context, sessionID string) {
	if err := v.store.Forget(ctx, sessionID); err != nil {
		v.logger.Error("releasing rate limit window", err, zap.String("session_id", sessionID))
	}
}

func (v *Validator) validate(ctx context.Context, sessionID, text string, rateLimited, spam bool) Decision {
	// (1) structural bounds
	if !utf8.ValidString(text) {
		return blocked(ViolationInvalidEncoding)
	}
	clean := sanitize(text)
	n := utf8.RuneCountInString(clean)
	if n < max(v.cfg.MinLength, 1) {
		return blocked(ViolationEmpty)
	}
	if v.cfg.MaxLength > 0 && n > v.cfg.MaxLength {
		return blocked(ViolationTooLong)
	}

	// (2) sliding-window rate limit
	if rateLimited {
		w, err := v.store.Allow(ctx, sessionID, v.now(), Limits{PerMinute: v.cfg.PerMinute, PerHour: v.cfg.PerHour})
		switch {
		case err != nil:
			// a broken shared store must not silence every live call
			v.logger.Error("rate limit store unavailable, allowing", err, zap.String("session_id", sessionID))
		case !w.Allowed && v.cfg.PerMinute > 0 && w.Minute >= v.cfg.PerMinute:
			return blocked(ViolationRateMinute)
		case !w.Allowed:
			return blocked(ViolationRateHour)
		}
	}

	// (3) blocked content
	folded := normalize.Fold(clean)
	for _, p := range blockedPatterns {
		if p.re.MatchString(folded) {
			return blocked("blocked:" + p.code)
		}
	}

	// (4) spam heuristics
	if spam {
		if code := v.spamViolation(clean, folded); code != "" {
			return blocked(code)
		}
	}

	d := Decision{Allowed: true, SanitizedText: clean}
	for _, p := range softPatterns {
		if p.find(clean) {
			d.Warnings = append(d.Warnings, p.code)
			d.RiskScore += p.weight
		}
	}
	d.RiskScore = min(d.RiskScore, maxRisk)
	return d
}

func (v *Validator) spamViolation(clean, folded string) string {
	tokens := normalize.Tokens(folded)
	if v.cfg.RepetitionRatio > 0 && len(tokens) >= minSpamTokens {
		unique := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			unique[t] = struct{}{}
		}
		repetition := 1 - float64(len(unique))/float64(len(tokens))
		if repetition > v.cfg.RepetitionRatio {
			return ViolationRepetition
		}
	}
	if v.cfg.SymbolRatio > 0 {
		var total, symbols int
		for _, r := range clean {
			if unicode.IsSpace(r) {
				continue
			}
			total++
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r) {
				symbols++
			}
		}
		if total >= minSpamRunes && float64(symbols)/float64(total) > v.cfg.SymbolRatio {
			return ViolationSymbols
		}
	}
	return ""
}

func (v *Validator) log(direction, sessionID string, d Decision) {
	switch {
	case !d.Allowed:
		v.logger.Warn("guardrail blocked text",
			zap.String("direction", direction),
			zap.String("session_id", sessionID),
			zap.Strings("violations", d.Violations),
		)
	case len(d.Warnings) > 0:
		v.logger.Info("guardrail warnings",
			zap.String("direction", direction),
			zap.String("session_id", sessionID),
			zap.Strings("warnings", d.Warnings),
			zap.Float64("risk_score", d.RiskScore),
		)
	}
}

func blocked(code string) Decision {
	return Decision{Allowed: false, Violations: []string{code}}
}
