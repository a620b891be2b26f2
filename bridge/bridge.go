// Package bridge joins a telephony media stream to a realtime voice session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/shared"
	"github.com/bt-bridge/salon-voice/tools"
)

// frameBytes is one 20 ms media frame: one mu-law byte per sample.
var frameBytes = tools.FrameSamples(tools.TelephonyFrame, tools.TelephonyRate, 1)

// Conn is the telephony websocket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Output is what the voice side drives on the telephony leg.
type Output interface {
	realtime.AudioSink
	// Interrupt drops assistant audio not yet played to the caller.
	Interrupt()
}

// Protocol is a running voice session.
type Protocol interface {
	AppendAudio(pcm []byte) error
	Done() <-chan struct{}
	Err() error
	Close(cause error) realtime.SessionSummary
}

type Connector interface {
	Connect(ctx context.Context, session *realtime.CallSession, out Output) (Protocol, error)
}

type ConnectorFunc func(ctx context.Context, session *realtime.CallSession, out Output) (Protocol, error)

func (f ConnectorFunc) Connect(ctx context.Context, session *realtime.CallSession, out Output) (Protocol, error) {
	return f(ctx, session, out)
}

type Option func(*Bridge)

// WithBusinessResolver makes the called number authoritative for the
// business. A businessId stream parameter must agree with it.
func WithBusinessResolver(fn func(calledNumber string) (string, error)) Option {
	return func(b *Bridge) { b.resolve = fn }
}

type Bridge struct {
	logger    shared.LoggerAdapter
	cfg       shared.BridgeConfig
	connector Connector
	registry  *Registry
	resolve   func(string) (string, error)
}

func New(logger shared.LoggerAdapter, cfg shared.BridgeConfig, connector Connector, registry *Registry, opts ...Option) (*Bridge, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if connector == nil {
		return nil, errors.New("no connector provided")
	}
	if registry == nil {
		registry = NewRegistry(logger, cfg)
	}
	b := &Bridge{logger: logger, cfg: cfg, connector: connector, registry: registry}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bridge) Registry() *Registry { return b.registry }

// Serve runs one media stream to completion. It returns nil when the caller
// hangs up.
func (b *Bridge) Serve(ctx context.Context, conn Conn) error {
	meta, err := b.awaitStart(conn)
	if err != nil {
		conn.Close()
		return err
	}
	h, err := b.Start(ctx, conn, meta)
	if err != nil {
		return err
	}
	<-h.Done()
	if err := h.Err(); !errors.Is(err, shared.ErrCallEnded) {
		return err
	}
	return nil
}

func (b *Bridge) awaitStart(conn Conn) (realtime.CallMeta, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return realtime.CallMeta{}, shared.ErrNoStreamStart
			}
			return realtime.CallMeta{}, &shared.TransportError{Op: "read", Err: err}
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			b.logger.Warn("can not decode media stream message", zap.Error(err))
			continue
		}
		switch env.Event {
		case eventStart:
			if env.Start == nil {
				return realtime.CallMeta{}, &shared.TransportError{Op: "start", Err: errors.New("start event without payload")}
			}
			return env.Start.meta(), nil
		case eventStop:
			return realtime.CallMeta{}, shared.ErrNoStreamStart
		}
	}
}

// Start wires an already started media stream to a new voice session.
func (b *Bridge) Start(ctx context.Context, conn Conn, meta realtime.CallMeta) (*SessionHandle, error) {
	if b.resolve != nil {
		id, err := b.resolve(meta.To)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolving business for %s: %w", meta.To, err)
		}
		if meta.BusinessID != "" && meta.BusinessID != id {
			b.logger.Warn("stream business does not match called number",
				zap.String("to", meta.To),
				zap.String("claimed", meta.BusinessID),
				zap.String("business_id", id),
			)
			conn.Close()
			return nil, fmt.Errorf("stream claims business %q for %s: %w", meta.BusinessID, meta.To, shared.ErrUnknownBusiness)
		}
		meta.BusinessID = id
	}
	if meta.BusinessID == "" {
		conn.Close()
		return nil, shared.ErrUnknownBusiness
	}
	session := realtime.NewCallSession(meta)
	h := newHandle(ctx, b, conn, session)
	protocol, err := b.connector.Connect(h.ctx, session, h)
	if err != nil {
		h.cancel(err)
		h.closeTelephony(websocket.CloseInternalServerErr)
		return nil, err
	}
	h.protocol = protocol
	if err := b.registry.Register(h); err != nil {
		protocol.Close(err)
		h.cancel(err)
		h.closeTelephony(websocket.CloseInternalServerErr)
		return nil, err
	}
	h.logger.Info("call bridged",
		zap.String("from", meta.From),
		zap.String("to", meta.To),
		zap.String("business_id", meta.BusinessID),
	)
	h.run()
	return h, nil
}

type Stats struct {
	InboundFrames   uint64
	InboundDropped  uint64
	OutboundFrames  uint64
	OutboundDropped uint64
	Interruptions   uint64
}

// SessionHandle is one bridged call.
type SessionHandle struct {
	logger   shared.LoggerAdapter
	cfg      shared.BridgeConfig
	registry *Registry
	session  *realtime.CallSession
	conn     Conn
	protocol Protocol

	in  *tools.FrameQueue
	out *tools.FrameQueue

	framerMu sync.Mutex
	framer   *tools.Framer

	writeMu   sync.Mutex
	closeOnce sync.Once
	flushed   chan struct{}

	lastActivity  atomic.Int64
	inbound       atomic.Uint64
	outbound      atomic.Uint64
	interruptions atomic.Uint64

	summary realtime.SessionSummary
	err     error
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newHandle(ctx context.Context, b *Bridge, conn Conn, session *realtime.CallSession) *SessionHandle {
	ctx, cancel := context.WithCancelCause(ctx)
	h := &SessionHandle{
		logger: b.logger.With(
			zap.String("session_id", session.ID()),
			zap.String("call_sid", session.Meta().CallSID),
			zap.String("stream_sid", session.Meta().StreamSID),
		),
		cfg:      b.cfg,
		registry: b.registry,
		session:  session,
		conn:     conn,
		in:       tools.NewFrameQueue(b.cfg.InboundQueueFrames),
		out:      tools.NewFrameQueue(b.cfg.OutboundQueueFrames),
		framer:   tools.NewFramer(frameBytes, tools.MulawSilence),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.touch()
	return h
}

func (h *SessionHandle) ID() string { return h.session.ID() }

func (h *SessionHandle) Session() *realtime.CallSession { return h.session }

func (h *SessionHandle) Done() <-chan struct{} { return h.done }

// Err is why the call ended. It is only meaningful after Done.
func (h *SessionHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Summary is the voice session summary, available after Done.
func (h *SessionHandle) Summary() realtime.SessionSummary {
	<-h.done
	return h.summary
}

func (h *SessionHandle) Cancel(cause error) { h.cancel(cause) }

func (h *SessionHandle) Stats() Stats {
	return Stats{
		InboundFrames:   h.inbound.Load(),
		InboundDropped:  h.in.Dropped(),
		OutboundFrames:  h.outbound.Load(),
		OutboundDropped: h.out.Dropped(),
		Interruptions:   h.interruptions.Load(),
	}
}

func (h *SessionHandle) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *SessionHandle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// FeedInbound queues one caller frame of mu-law audio.
func (h *SessionHandle) FeedInbound(frame []byte) {
	if len(frame) == 0 {
		return
	}
	h.touch()
	if h.in.Push(frame) {
		h.logger.Trace("inbound queue full, dropped oldest frame")
	}
}

// WriteAudio takes assistant PCM16 at 24 kHz and queues it as telephony
// frames.
func (h *SessionHandle) WriteAudio(pcm []byte) error {
	if h.ctx.Err() != nil {
		return shared.ErrSessionEnded
	}
	mulaw := tools.RealtimeToMulaw(pcm)
	h.framerMu.Lock()
	frames := h.framer.Write(mulaw)
	h.framerMu.Unlock()
	for _, f := range frames {
		if h.out.Push(f) {
			h.logger.Trace("outbound queue full, dropped oldest frame")
		}
	}
	h.touch()
	return nil
}

func (h *SessionHandle) Interrupt() {
	h.framerMu.Lock()
	h.framer.Reset()
	h.framerMu.Unlock()
	cleared := h.out.Clear()
	h.interruptions.Add(1)
	if err := h.send(clearEnvelope(h.session.Meta().StreamSID)); err != nil {
		h.logger.Debug("sending clear failed", zap.Error(err))
	}
	h.logger.Debug("caller interrupted assistant", zap.Int("frames_cleared", cleared))
}

func (h *SessionHandle) send(data []byte, err error) error {
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &shared.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (h *SessionHandle) closeTelephony(code int) {
	h.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, "")
		_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout()))
		if err := h.conn.Close(); err != nil {
			h.logger.Debug("closing media stream", zap.Error(err))
		}
	})
}

func (h *SessionHandle) writeTimeout() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return 5 * time.Second
}

func (h *SessionHandle) run() {
	g, ctx := errgroup.WithContext(h.ctx)
	stopConn := context.AfterFunc(ctx, func() {
		h.closeTelephony(websocket.CloseNormalClosure)
	})
	stopProtocol := context.AfterFunc(ctx, func() {
		h.protocol.Close(context.Cause(ctx))
	})

	g.Go(func() error { return h.readTelephony(ctx) })
	g.Go(func() error { return h.pumpInbound(ctx) })
	g.Go(func() error { return h.writeOutbound(ctx) })
	g.Go(func() error { return h.watchProtocol(ctx) })

	go func() {
		err := g.Wait()
		if err == nil {
			err = context.Cause(h.ctx)
		}
		h.cancel(err)
		stopConn()
		stopProtocol()
		h.closeTelephony(websocket.CloseNormalClosure)
		h.in.Close()
		h.out.Close()
		h.summary = h.protocol.Close(err)
		h.err = err
		h.registry.Remove(h.ID())

		st := h.Stats()
		h.logger.Info("call ended",
			zap.NamedError("cause", err),
			zap.Uint64("inbound_frames", st.InboundFrames),
			zap.Uint64("inbound_dropped", st.InboundDropped),
			zap.Uint64("outbound_frames", st.OutboundFrames),
			zap.Uint64("outbound_dropped", st.OutboundDropped),
			zap.Uint64("interruptions", st.Interruptions),
		)
		close(h.done)
	}()
}

func (h *SessionHandle) readTelephony(ctx context.Context) error {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return shared.ErrCallEnded
			}
			return &shared.TransportError{Op: "read", Err: err}
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			h.logger.Warn("can not decode media stream message", zap.Error(err))
			continue
		}
		switch env.Event {
		case eventMedia:
			frame, ok, err := env.payload()
			if err != nil {
				h.logger.Warn("bad media frame", zap.Error(err))
				continue
			}
			if ok {
				h.FeedInbound(frame)
			}
		case eventMark:
			if env.Mark != nil {
				h.logger.Trace("mark played", zap.String("name", env.Mark.Name))
			}
		case eventStop:
			h.logger.Info("media stream stopped by caller")
			return shared.ErrCallEnded
		case eventConnected, eventStart:
		default:
			h.logger.Debug("ignoring media stream event", zap.String("event", env.Event))
		}
	}
}

func (h *SessionHandle) pumpInbound(ctx context.Context) error {
	for {
		frame, err := h.in.Pop(ctx)
		if err != nil {
			return nil
		}
		err = h.protocol.AppendAudio(tools.MulawToRealtime(frame))
		switch {
		case err == nil:
			h.inbound.Add(1)
		case errors.Is(err, shared.ErrNotActive):
			// caller audio before the session is configured is dropped
		case errors.Is(err, shared.ErrSessionEnded):
			return nil
		default:
			return err
		}
	}
}

func (h *SessionHandle) writeOutbound(ctx context.Context) error {
	streamSID := h.session.Meta().StreamSID
	for {
		frame, err := h.out.Pop(ctx)
		if errors.Is(err, tools.ErrQueueClosed) {
			if err := h.send(markEnvelope(streamSID, goodbyeMark)); err != nil {
				h.logger.Debug("sending goodbye mark failed", zap.Error(err))
			}
			close(h.flushed)
			return nil
		}
		if err != nil {
			return nil
		}
		if err := h.send(mediaEnvelope(streamSID, frame)); err != nil {
			return err
		}
		h.outbound.Add(1)
	}
}

// watchProtocol hangs up politely when the voice session ends on its own.
// Queued audio is played out and followed by a goodbye mark; the normal
// close frame is sent once the group context is cancelled.
func (h *SessionHandle) watchProtocol(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-h.protocol.Done():
	}
	if ctx.Err() != nil {
		return nil
	}
	cause := h.protocol.Err()
	if cause == nil {
		cause = shared.ErrSessionEnded
	}
	h.logger.Warn("voice session ended, hanging up", zap.Error(cause))

	h.framerMu.Lock()
	if rest := h.framer.Flush(); rest != nil {
		h.out.Push(rest)
	}
	h.framerMu.Unlock()
	h.out.Close()

	timeout := h.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.flushed:
	case <-timer.C:
		h.logger.Warn("outbound audio not flushed in time", zap.Int("frames_left", h.out.Len()))
	case <-ctx.Done():
	}
	return cause
}
