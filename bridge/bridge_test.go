package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/realtimetest"
	"github.com/bt-bridge/salon-voice/shared"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeProtocol struct {
	mu         sync.Mutex
	active     bool
	audio      [][]byte
	err        error
	closedWith error
	done       chan struct{}
	once       sync.Once
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{done: make(chan struct{})}
}

func (p *fakeProtocol) AppendAudio(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return shared.ErrSessionEnded
	default:
	}
	if !p.active {
		return shared.ErrNotActive
	}
	p.audio = append(p.audio, pcm)
	return nil
}

func (p *fakeProtocol) Done() <-chan struct{} { return p.done }

func (p *fakeProtocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProtocol) Close(cause error) realtime.SessionSummary {
	p.mu.Lock()
	if p.closedWith == nil {
		p.closedWith = cause
	}
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return realtime.SessionSummary{Outcome: "completed"}
}

func (p *fakeProtocol) end(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProtocol) setActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
}

func (p *fakeProtocol) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.audio...)
}

func (p *fakeProtocol) closeCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closedWith
}

type harness struct {
	bridge  *Bridge
	conn    *realtimetest.Conn
	proto   *fakeProtocol
	handle  *SessionHandle
	session *realtime.CallSession
	errc    chan error
}

func startParams(businessID string) map[string]any {
	params := map[string]any{ParamCallSID: "CA1", ParamFrom: "+40722123456", ParamTo: "+40310000000"}
	if businessID != "" {
		params[ParamBusinessID] = businessID
	}
	return map[string]any{
		"event":          "start",
		"sequenceNumber": "1",
		"streamSid":      "MZ1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	cfg := shared.DefaultConfig().Bridge
	cfg.FlushTimeout = time.Second
	h := &harness{
		conn:  realtimetest.NewConn(),
		proto: newFakeProtocol(),
		errc:  make(chan error, 1),
	}
	connected := make(chan struct{})
	connector := ConnectorFunc(func(_ context.Context, s *realtime.CallSession, out Output) (Protocol, error) {
		h.session = s
		h.handle = out.(*SessionHandle)
		close(connected)
		return h.proto, nil
	})
	logger := shared.NewNopLogger()
	b, err := New(logger, cfg, connector, NewRegistry(logger, cfg), opts...)
	require.NoError(t, err)
	h.bridge = b

	go func() { h.errc <- b.Serve(context.Background(), h.conn) }()
	require.NoError(t, h.conn.Push(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}))
	require.NoError(t, h.conn.Push(startParams("salon-1")))
	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("connector was not called")
	}
	require.Eventually(t, func() bool { return b.Registry().Count() == 1 }, waitFor, tick)
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("call did not end")
		return nil
	}
}

func pushMedia(t *testing.T, conn *realtimetest.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.Push(map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(frame)},
	}))
}

func silence(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = 0xFF
	}
	return f
}

func TestInboundAudioReachesProtocol(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "CA1", h.session.Meta().CallSID)
	assert.Equal(t, "MZ1", h.session.Meta().StreamSID)
	assert.Equal(t, "salon-1", h.session.Meta().BusinessID)
	assert.Equal(t, "+40722123456", h.session.Meta().From)

	h.proto.setActive()
	for range 3 {
		pushMedia(t, h.conn, silence(160))
	}
	require.Eventually(t, func() bool { return len(h.proto.frames()) == 3 }, waitFor, tick)
	for _, pcm := range h.proto.frames() {
		assert.Len(t, pcm, 960)
	}
	assert.EqualValues(t, 3, h.handle.Stats().InboundFrames)

	require.NoError(t, h.conn.Push(map[string]any{"event": "stop", "streamSid": "MZ1", "stop": map[string]any{"callSid": "CA1"}}))
	assert.NoError(t, h.wait(t))
	assert.ErrorIs(t, h.proto.closeCause(), shared.ErrCallEnded)
	assert.Equal(t, 0, h.bridge.Registry().Count())
}

func TestOutboundAudioIsFramed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.handle.WriteAudio(make([]byte, 1920)))

	require.Eventually(t, func() bool { return len(h.conn.SentOfType("media")) == 2 }, waitFor, tick)
	for _, m := range h.conn.SentOfType("media") {
		assert.Equal(t, "MZ1", m["streamSid"])
		payload, err := base64.StdEncoding.DecodeString(m["media"].(map[string]any)["payload"].(string))
		require.NoError(t, err)
		assert.Len(t, payload, 160)
	}
	assert.EqualValues(t, 2, h.handle.Stats().OutboundFrames)
	h.handle.Cancel(shared.ErrShuttingDown)
	assert.ErrorIs(t, h.wait(t), shared.ErrShuttingDown)
}

func TestInterruptClearsPlayback(t *testing.T) {
	h := newHarness(t)
	h.handle.Interrupt()
	require.Eventually(t, func() bool { return len(h.conn.SentOfType("clear")) == 1 }, waitFor, tick)
	assert.Equal(t, "MZ1", h.conn.SentOfType("clear")[0]["streamSid"])
	assert.EqualValues(t, 1, h.handle.Stats().Interruptions)
	h.handle.Cancel(shared.ErrShuttingDown)
	h.wait(t)
}

func TestProtocolEndFlushesAndHangsUp(t *testing.T) {
	h := newHarness(t)
	// 30ms of audio: one full frame plus a padded remainder
	require.NoError(t, h.handle.WriteAudio(make([]byte, 1440)))
	cause := &shared.ProtocolError{Op: "read", Err: errors.New("connection reset")}
	h.proto.end(cause)

	err := h.wait(t)
	var perr *shared.ProtocolError
	require.ErrorAs(t, err, &perr)

	sent := h.conn.Sent()
	require.GreaterOrEqual(t, len(sent), 3)
	last := sent[len(sent)-1]
	assert.Equal(t, "mark", last["event"])
	assert.Equal(t, goodbyeMark, last["mark"].(map[string]any)["name"])
	assert.Len(t, h.conn.SentOfType("media"), 2)
	assert.Contains(t, h.conn.Controls(), websocket.CloseMessage)
	assert.True(t, h.conn.Closed())
}

func TestIdleSweepReapsCall(t *testing.T) {
	h := newHarness(t)
	reg := h.bridge.Registry()
	assert.Equal(t, 0, reg.Sweep())

	reg.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, reg.Sweep())
	assert.ErrorIs(t, h.wait(t), shared.ErrIdleTimeout)
	assert.ErrorIs(t, h.proto.closeCause(), shared.ErrIdleTimeout)
	assert.Equal(t, 0, reg.Count())
}

func TestCancelAllAndWait(t *testing.T) {
	h := newHarness(t)
	reg := h.bridge.Registry()
	_, ok := reg.Get(h.handle.ID())
	require.True(t, ok)

	reg.CancelAll(shared.ErrShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, reg.Wait(ctx))
	assert.ErrorIs(t, h.wait(t), shared.ErrShuttingDown)
	_, ok = reg.Get(h.handle.ID())
	assert.False(t, ok)
}

func TestStartNeedsBusiness(t *testing.T) {
	logger := shared.NewNopLogger()
	cfg := shared.DefaultConfig().Bridge
	called := false
	connector := ConnectorFunc(func(context.Context, *realtime.CallSession, Output) (Protocol, error) {
		called = true
		return newFakeProtocol(), nil
	})
	b, err := New(logger, cfg, connector, nil)
	require.NoError(t, err)

	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(startParams("")))
	err = b.Serve(context.Background(), conn)
	assert.ErrorIs(t, err, shared.ErrUnknownBusiness)
	assert.False(t, called)
	assert.True(t, conn.Closed())
}

func TestStartResolvesBusinessFromCalledNumber(t *testing.T) {
	logger := shared.NewNopLogger()
	cfg := shared.DefaultConfig().Bridge
	sessions := make(chan *realtime.CallSession, 1)
	proto := newFakeProtocol()
	connector := ConnectorFunc(func(_ context.Context, s *realtime.CallSession, _ Output) (Protocol, error) {
		sessions <- s
		return proto, nil
	})
	resolver := func(to string) (string, error) {
		if to == "+40310000000" {
			return "salon-9", nil
		}
		return "", shared.ErrUnknownBusiness
	}
	b, err := New(logger, cfg, connector, nil, WithBusinessResolver(resolver))
	require.NoError(t, err)

	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(startParams("")))
	errc := make(chan error, 1)
	go func() { errc <- b.Serve(context.Background(), conn) }()

	s := <-sessions
	assert.Equal(t, "salon-9", s.Meta().BusinessID)
	require.NoError(t, conn.Push(map[string]any{"event": "stop"}))
	assert.NoError(t, <-errc)
}

func TestStartRefusesMismatchedBusiness(t *testing.T) {
	logger := shared.NewNopLogger()
	cfg := shared.DefaultConfig().Bridge
	called := false
	connector := ConnectorFunc(func(context.Context, *realtime.CallSession, Output) (Protocol, error) {
		called = true
		return newFakeProtocol(), nil
	})
	resolver := func(string) (string, error) { return "salon-9", nil }
	b, err := New(logger, cfg, connector, nil, WithBusinessResolver(resolver))
	require.NoError(t, err)

	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(startParams("other-tenant")))
	err = b.Serve(context.Background(), conn)
	assert.ErrorIs(t, err, shared.ErrUnknownBusiness)
	assert.False(t, called)
	assert.True(t, conn.Closed())
	assert.Zero(t, b.Registry().Count())
}

func TestStartAcceptsMatchingBusiness(t *testing.T) {
	logger := shared.NewNopLogger()
	cfg := shared.DefaultConfig().Bridge
	sessions := make(chan *realtime.CallSession, 1)
	connector := ConnectorFunc(func(_ context.Context, s *realtime.CallSession, _ Output) (Protocol, error) {
		sessions <- s
		return newFakeProtocol(), nil
	})
	resolver := func(string) (string, error) { return "salon-9", nil }
	b, err := New(logger, cfg, connector, nil, WithBusinessResolver(resolver))
	require.NoError(t, err)

	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(startParams("salon-9")))
	errc := make(chan error, 1)
	go func() { errc <- b.Serve(context.Background(), conn) }()

	s := <-sessions
	assert.Equal(t, "salon-9", s.Meta().BusinessID)
	require.NoError(t, conn.Push(map[string]any{"event": "stop"}))
	assert.NoError(t, <-errc)
}

func TestConnectFailureClosesStream(t *testing.T) {
	logger := shared.NewNopLogger()
	cfg := shared.DefaultConfig().Bridge
	boom := &shared.ProtocolError{Op: "connect", Err: errors.New("refused")}
	connector := ConnectorFunc(func(context.Context, *realtime.CallSession, Output) (Protocol, error) {
		return nil, boom
	})
	b, err := New(logger, cfg, connector, nil)
	require.NoError(t, err)

	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(startParams("salon-1")))
	assert.ErrorIs(t, b.Serve(context.Background(), conn), boom)
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, b.Registry().Count())
}

func TestStreamClosedBeforeStart(t *testing.T) {
	b, err := New(shared.NewNopLogger(), shared.DefaultConfig().Bridge, ConnectorFunc(
		func(context.Context, *realtime.CallSession, Output) (Protocol, error) { return newFakeProtocol(), nil },
	), nil)
	require.NoError(t, err)
	conn := realtimetest.NewConn()
	require.NoError(t, conn.Push(map[string]any{"event": "connected"}))
	conn.Close()
	assert.ErrorIs(t, b.Serve(context.Background(), conn), shared.ErrNoStreamStart)
}
