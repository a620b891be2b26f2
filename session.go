package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/salon-voice/booking"
	"github.com/google/uuid"
)

// CallMeta identifies the phone call a session serves.
type CallMeta struct {
	CallSID    string
	StreamSID  string
	From       string
	To         string
	BusinessID string
	// Params are the custom stream parameters sent with the start event.
	Params map[string]string
}

type CallState int

const (
	CallConnecting CallState = iota
	CallConfiguring
	CallActive
	CallClosing
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallConfiguring:
		return "configuring"
	case CallActive:
		return "active"
	case CallClosing:
		return "closing"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Turn struct {
	Role Role      `yaml:"role"`
	Text string    `yaml:"text"`
	At   time.Time `yaml:"at"`
}

// CallSession is the state shared by the bridge and the protocol client of
// one call.
type CallSession struct {
	id      string
	meta    CallMeta
	started time.Time

	mu         sync.Mutex
	state      CallState
	transcript []Turn

	Booking *booking.BookingContext
}

func NewCallSession(meta CallMeta) *CallSession {
	return &CallSession{
		id:      uuid.NewString(),
		meta:    meta,
		started: time.Now(),
		state:   CallConnecting,
		Booking: booking.NewBookingContext(),
	}
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) Meta() CallMeta { return s.meta }

func (s *CallSession) Started() time.Time { return s.started }

func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session forward. Moving backwards is refused and
// reported as false.
func (s *CallSession) SetState(next CallState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next < s.state {
		return false
	}
	s.state = next
	return true
}

func (s *CallSession) AppendTurn(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Turn{Role: role, Text: text, At: time.Now()})
}

func (s *CallSession) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

type PendingState int

const (
	PendingAccumulating PendingState = iota
	PendingReady
	PendingDispatched
	PendingResolved
	PendingFailed
)

// PendingFunctionCall buffers the streamed arguments of one function call.
// Only the reader loop touches it.
type PendingFunctionCall struct {
	CallID string
	ItemID string
	Name   string
	State  PendingState

	args strings.Builder
}

func (p *PendingFunctionCall) Append(delta string) {
	if p.State != PendingAccumulating {
		return
	}
	p.args.WriteString(delta)
}

func (p *PendingFunctionCall) Arguments() string {
	return p.args.String()
}
