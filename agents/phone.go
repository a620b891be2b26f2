// Package agents drives the conversation of a phone call: it connects the
// realtime client, screens what is said with the guardrails and runs the
// booking functions the assistant asks for.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/bridge"
	"github.com/bt-bridge/salon-voice/functions"
	"github.com/bt-bridge/salon-voice/guardrails"
	"github.com/bt-bridge/salon-voice/shared"
)

const greeting = "Bună ziua, ați sunat la salon. Sunt asistenta virtuală și vă pot ajuta cu o programare. Cu ce vă pot ajuta?"

const defaultInstructions = `Ești recepționera virtuală a unui salon de înfrumusețare din România.
Vorbește doar în limba română, cald, politicos și pe scurt: o idee pe frază, fără liste lungi.
Ajuți clienții să afle serviciile salonului și să facă o programare.
Pentru o programare ai nevoie de serviciu, zi, oră, numele clientului și numărul de telefon.
Folosește list_services și check_availability înainte să promiți ceva; nu inventa prețuri sau ore libere.
Când ai toate detaliile, apelează confirm_booking_details și citește-le clientului.
Apelează din nou confirm_booking_details cu confirmed=true doar după ce clientul a spus clar că sunt corecte,
apoi create_appointment. Dacă o funcție răspunde cu voice_response, spune acel text.
Nu discuta alte subiecte și nu cere niciodată parole, coduri sau date de card.`

type Option func(*PhoneAgent)

// WithDialer replaces the websocket dialer of every call.
func WithDialer(d realtime.Dialer) Option {
	return func(a *PhoneAgent) { a.dialer = d }
}

// WithPrinter echoes every conversation turn.
func WithPrinter(p *shared.Printer) Option {
	return func(a *PhoneAgent) { a.printer = p }
}

func WithClock(now func() time.Time) Option {
	return func(a *PhoneAgent) { a.now = now }
}

func WithPermissions(perms ...functions.Permission) Option {
	return func(a *PhoneAgent) { a.perms = perms }
}

// PhoneAgent opens one voice session per bridged call.
type PhoneAgent struct {
	logger   shared.LoggerAdapter
	cfg      shared.RealtimeConfig
	registry *functions.Registry
	guard    *guardrails.Validator
	printer  *shared.Printer
	dialer   realtime.Dialer
	now      func() time.Time
	perms    []functions.Permission
}

var _ bridge.Connector = (*PhoneAgent)(nil)

func NewPhoneAgent(logger shared.LoggerAdapter, cfg shared.RealtimeConfig, registry *functions.Registry, guard *guardrails.Validator, opts ...Option) (*PhoneAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if registry == nil {
		return nil, shared.ErrNoDispatcher
	}
	if guard == nil {
		return nil, errors.New("no guardrail validator provided")
	}
	a := &PhoneAgent{
		logger:   logger.With(zap.String("component", "phone-agent")),
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		now:      time.Now,
		perms:    functions.DefaultPermissions,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *PhoneAgent) instructions(meta realtime.CallMeta) string {
	base := a.cfg.Instructions
	if strings.TrimSpace(base) == "" {
		base = defaultInstructions
	}
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nData de azi: %s.", a.now().Format("2006-01-02 (Monday)"))
	if meta.From != "" {
		fmt.Fprintf(&b, "\nApelantul sună de pe numărul %s; confirmă-l înainte să-l folosești.", meta.From)
	}
	return b.String()
}

// Connect implements bridge.Connector.
func (a *PhoneAgent) Connect(ctx context.Context, session *realtime.CallSession, out bridge.Output) (bridge.Protocol, error) {
	meta := session.Meta()
	logger := a.logger.With(
		zap.String("session_id", session.ID()),
		zap.String("call_sid", meta.CallSID),
		zap.String("business_id", meta.BusinessID),
	)
	sc := functions.NewSessionContext(session.ID(), meta.BusinessID, meta.From, a.perms...)
	sc.Booking = session.Booking

	call := &Call{
		agent:   a,
		logger:  logger,
		session: session,
		out:     out,
		sc:      sc,
		loop:    make(chan struct{}),
	}
	opts := []realtime.Option{
		realtime.WithAudioSink(out),
		realtime.WithDispatcher(realtime.DispatcherFunc(call.dispatch)),
	}
	if a.dialer != nil {
		opts = append(opts, realtime.WithDialer(a.dialer))
	}
	client, err := realtime.NewClient(ctx, logger, a.cfg, session, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating realtime client: %w", err)
	}
	call.client = client

	if err := client.Connect(ctx); err != nil {
		client.Close(err)
		return nil, err
	}
	events, err := client.Listen(ctx)
	if err != nil {
		client.Close(err)
		return nil, err
	}
	err = client.ConfigureSession(ctx, realtime.SessionConfig{
		Instructions: a.instructions(meta),
		Tools:        a.registry.Tools(),
		Voice:        a.cfg.Voice,
	})
	if err != nil {
		client.Close(err)
		return nil, err
	}
	a.printMeta(meta)
	go call.run(events)
	return call, nil
}

func (a *PhoneAgent) printMeta(meta realtime.CallMeta) {
	if a.printer == nil {
		return
	}
	out, err := yaml.Marshal(map[string]any{
		"call_sid":    meta.CallSID,
		"from":        meta.From,
		"to":          meta.To,
		"business_id": meta.BusinessID,
	})
	if err != nil {
		a.logger.Error("marshaling call metadata", err)
		return
	}
	if err := a.printer.Writeln("📞 Incoming call", 0); err != nil {
		a.logger.Error("printing call header", err)
		return
	}
	if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing call metadata", err)
	}
}

// Call is the conversation of one bridged call.
type Call struct {
	agent   *PhoneAgent
	logger  shared.LoggerAdapter
	session *realtime.CallSession
	client  *realtime.Client
	out     bridge.Output
	sc      *functions.SessionContext
	loop    chan struct{}
}

var _ bridge.Protocol = (*Call)(nil)

func (c *Call) AppendAudio(pcm []byte) error { return c.client.AppendAudio(pcm) }

func (c *Call) Done() <-chan struct{} { return c.client.Done() }

func (c *Call) Err() error { return c.client.Err() }

// Close ends the voice session and releases the caller's rate-limit window.
func (c *Call) Close(cause error) realtime.SessionSummary {
	summary := c.client.Close(cause)
	<-c.loop
	c.agent.guard.Forget(context.Background(), c.session.ID())
	return summary
}

func (c *Call) run(events <-chan *realtime.Event) {
	defer close(c.loop)
	for {
		select {
		case <-c.client.Active():
			if err := c.client.Say(greeting); err != nil {
				c.logger.Warn("sending greeting failed", zap.Error(err))
			}
			c.drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Call) drain(events <-chan *realtime.Event) {
	for ev := range events {
		c.handle(ev)
	}
}

func (c *Call) handle(ev *realtime.Event) {
	switch p := ev.Param.(type) {
	case *realtime.SpeechParam:
		if ev.Type == realtime.EventSpeechStarted {
			c.out.Interrupt()
		}
	case *realtime.TranscriptParam:
		switch ev.Type {
		case realtime.EventInputTranscriptionDone:
			c.callerSaid(p.Transcript)
		case realtime.EventOutputAudioTranscriptDone:
			c.assistantSaid(p.Transcript)
		}
	case *realtime.ResponseParam:
		if status := p.Status(); status == "failed" {
			c.logger.Warn("response failed", zap.Any("response", p.Response))
		}
	}
}

func (c *Call) print(role realtime.Role, text string) {
	if c.agent.printer == nil {
		return
	}
	if err := c.agent.printer.Turn(c.session.ID(), string(role), text); err != nil {
		c.logger.Error("printing turn", err)
	}
}

// callerSaid screens a caller utterance. Blocked text cancels the response
// the server already started and speaks the refusal instead.
func (c *Call) callerSaid(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	decision := c.agent.guard.ValidateInbound(context.Background(), c.session.ID(), text)
	if !decision.Allowed {
		c.session.AppendTurn(realtime.RoleCaller, "[blocked]")
		c.logger.Warn("caller input blocked", zap.Strings("violations", decision.Violations))
		if err := c.client.CancelResponse(); err != nil {
			c.logger.Debug("cancelling response failed", zap.Error(err))
		}
		c.out.Interrupt()
		if err := c.client.Say(shared.SpokenFallback(decision.Err())); err != nil {
			c.logger.Warn("speaking guardrail fallback failed", zap.Error(err))
		}
		return
	}
	if len(decision.Warnings) > 0 {
		c.logger.Info("caller input flagged",
			zap.Strings("warnings", decision.Warnings),
			zap.Float64("risk", decision.RiskScore),
		)
	}
	c.session.AppendTurn(realtime.RoleCaller, decision.SanitizedText)
	c.print(realtime.RoleCaller, decision.SanitizedText)
}

// assistantSaid screens what the assistant spoke. Audio that already played
// cannot be taken back, so the rest of it is cut and an apology follows.
func (c *Call) assistantSaid(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	decision := c.agent.guard.ValidateOutbound(text)
	if !decision.Allowed {
		c.logger.Warn("assistant output blocked", zap.Strings("violations", decision.Violations))
		c.out.Interrupt()
		if err := c.client.Say(shared.SpeechGuardrailBlocked); err != nil {
			c.logger.Warn("speaking guardrail fallback failed", zap.Error(err))
		}
		return
	}
	c.session.AppendTurn(realtime.RoleAssistant, decision.SanitizedText)
	c.print(realtime.RoleAssistant, decision.SanitizedText)
}

func (c *Call) dispatch(ctx context.Context, call realtime.FunctionCall) functions.Result {
	start := time.Now()
	res := c.agent.registry.Execute(ctx, call.Name, call.Arguments, c.sc)
	fields := []zap.Field{
		zap.String("function", call.Name),
		zap.String("call_id", call.CallID),
		zap.Bool("success", res.Success),
		zap.Duration("took", time.Since(start)),
	}
	if err := res.Err(); err != nil {
		c.logger.Info("function call failed", append(fields, zap.Error(err))...)
	} else {
		c.logger.Debug("function call done", fields...)
	}
	c.session.AppendTurn(realtime.RoleSystem, fmt.Sprintf("%s → %s", call.Name, res.Message))
	return res
}
