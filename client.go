package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/salon-voice/functions"
	"github.com/bt-bridge/salon-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/packages/param"
	oairt "github.com/openai/openai-go/v3/realtime"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	controlWriteTimeout = 5 * time.Second
	outboundBuffer      = 256
	eventBuffer         = 64
)

// Conn is the part of a websocket connection the client uses. Close and
// WriteControl may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

// rejectedError is a handshake the server refused; retrying will not help.
type rejectedError struct {
	Status int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.Status)
}

func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, rawURL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusTooManyRequests {
				return nil, &rejectedError{Status: resp.StatusCode}
			}
			return nil, err
		}
		return conn, nil
	}
}

// AudioSink receives assistant audio as PCM16LE at 24 kHz.
type AudioSink interface {
	WriteAudio(pcm []byte) error
}

type FunctionCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments []byte
}

// Dispatcher runs function calls. Dispatch should return once ctx is done;
// a result arriving after the deadline is discarded.
type Dispatcher interface {
	Dispatch(ctx context.Context, call FunctionCall) functions.Result
}

type DispatcherFunc func(ctx context.Context, call FunctionCall) functions.Result

func (f DispatcherFunc) Dispatch(ctx context.Context, call FunctionCall) functions.Result {
	return f(ctx, call)
}

type SessionConfig struct {
	Instructions string
	Tools        []functions.Tool
	Voice        string
}

// SessionSummary is logged once when the client closes.
type SessionSummary struct {
	SessionID  string        `yaml:"session_id"`
	CallSID    string        `yaml:"call_sid"`
	BusinessID string        `yaml:"business_id"`
	Duration   time.Duration `yaml:"duration"`
	Dispatched int64         `yaml:"calls_dispatched"`
	Resolved   int64         `yaml:"calls_resolved"`
	Failed     int64         `yaml:"calls_failed"`
	TimedOut   int64         `yaml:"calls_timed_out"`
	FramesIn   int64         `yaml:"audio_frames_in"`
	FramesOut  int64         `yaml:"audio_frames_out"`
	Turns      int           `yaml:"turns"`
	Outcome    string        `yaml:"outcome"`
	Cause      string        `yaml:"cause,omitempty"`
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func WithAudioSink(s AudioSink) Option {
	return func(c *Client) { c.sink = s }
}

func WithDispatcher(d Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

type counters struct {
	dispatched atomic.Int64
	resolved   atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
	framesIn   atomic.Int64
	framesOut  atomic.Int64
}

// Client speaks the realtime voice API over one websocket for one call.
type Client struct {
	logger  shared.LoggerAdapter
	cfg     shared.RealtimeConfig
	dial    Dialer
	session *CallSession

	mu         sync.Mutex
	conn       Conn
	sink       AudioSink
	dispatcher Dispatcher
	configured bool
	listening  bool
	inflight   map[string]struct{}

	// owned by the reader loop
	pending    map[string]*PendingFunctionCall
	dispatched map[string]struct{}

	out     chan []byte
	active  chan struct{}
	actOnce sync.Once
	stats   counters

	wg        sync.WaitGroup
	closeOnce sync.Once
	summary   SessionSummary

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, cfg shared.RealtimeConfig, session *CallSession, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if session == nil {
		return nil, shared.ErrClientNotInitialized
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c := &Client{
		logger: logger.With(
			zap.String("session_id", session.ID()),
			zap.String("call_sid", session.Meta().CallSID),
		),
		cfg:        cfg,
		session:    session,
		inflight:   make(map[string]struct{}),
		pending:    make(map[string]*PendingFunctionCall),
		dispatched: make(map[string]struct{}),
		out:        make(chan []byte, outboundBuffer),
		active:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = WebsocketDialer(cfg.HandshakeTimeout)
	}
	return c, nil
}

func (c *Client) Session() *CallSession { return c.session }

func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Active is closed once the server acknowledged the session configuration.
func (c *Client) Active() <-chan struct{} { return c.active }

// Err returns why the client ended, or nil while it runs.
func (c *Client) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

func (c *Client) SetAudioSink(s AudioSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		return shared.ErrSinkAlreadySet
	}
	c.sink = s
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the realtime API, retrying transport failures with
// exponential backoff, and starts the writer.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return &shared.ProtocolError{Op: "connect", Err: err}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	attempts := c.cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}
	base := c.cfg.ConnectBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(base))

	var conn Conn
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		cn, err := c.dial(ctx, endpoint, header)
		if err != nil {
			var rejected *rejectedError
			if errors.As(err, &rejected) {
				return err
			}
			c.logger.Warn("dialing realtime API failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = cn
		return nil
	})
	if err != nil {
		err = &shared.ProtocolError{Op: "connect", Err: err}
		c.cancel(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.session.SetState(CallConnecting)

	c.wg.Add(1)
	go c.writeLoop(conn)
	c.logger.Info("connected to realtime API", zap.String("model", c.cfg.Model))
	return nil
}

func (c *Client) writeLoop(conn Conn) {
	defer c.wg.Done()
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(&shared.ProtocolError{Op: "write", Err: err})
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				c.fail(&shared.ProtocolError{Op: "ping", Err: err})
				return
			}
		}
	}
}

func (c *Client) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Error("realtime session failed", err)
	c.cancel(err)
}

func (c *Client) send(event map[string]any) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %v: %w", event["type"], err)
	}
	if c.ctx.Err() != nil {
		return shared.ErrSessionEnded
	}
	select {
	case c.out <- data:
		return nil
	case <-c.ctx.Done():
		return shared.ErrSessionEnded
	}
}

func (c *Client) sessionPayload(sc SessionConfig) (map[string]any, error) {
	instructions := sc.Instructions
	if instructions == "" {
		instructions = c.cfg.Instructions
	}
	voice := sc.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}
	pcm := oairt.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &oairt.RealtimeAudioFormatsAudioPCMParam{
			Rate: 24000,
			Type: "audio/pcm",
		},
	}
	p := oairt.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(instructions),
		Model:        oairt.RealtimeSessionCreateRequestModel(c.cfg.Model),
		Audio: oairt.RealtimeAudioConfigParam{
			Input: oairt.RealtimeAudioConfigInputParam{
				TurnDetection: oairt.RealtimeAudioInputTurnDetectionUnionParam{
					OfSemanticVad: &oairt.RealtimeAudioInputTurnDetectionSemanticVadParam{
						CreateResponse:    param.NewOpt(true),
						InterruptResponse: param.NewOpt(true),
						Eagerness:         c.cfg.VADEagerness,
					},
				},
				Format: pcm,
				NoiseReduction: oairt.RealtimeAudioConfigInputNoiseReductionParam{
					Type: oairt.NoiseReductionType(c.cfg.NoiseReduction),
				},
				Transcription: oairt.AudioTranscriptionParam{
					Language: param.NewOpt(c.cfg.Language),
					Model:    oairt.AudioTranscriptionModel(c.cfg.TranscriptionModel),
				},
			},
			Output: oairt.RealtimeAudioConfigOutputParam{
				Speed:  param.NewOpt(c.cfg.Speed),
				Format: pcm,
				Voice:  oairt.RealtimeAudioConfigOutputVoice(voice),
			},
		},
	}
	if c.cfg.MaxOutputTokens > 0 {
		p.MaxOutputTokens = oairt.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(c.cfg.MaxOutputTokens),
		}
	}
	raw, err := p.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	session := map[string]any{}
	if err := sonic.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	session["type"] = "realtime"
	if len(sc.Tools) > 0 {
		session["tools"] = sc.Tools
		session["tool_choice"] = "auto"
	}
	return session, nil
}

// ConfigureSession sends the one session.update of this call. Audio is
// accepted once the server acknowledges it.
func (c *Client) ConfigureSession(ctx context.Context, sc SessionConfig) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return shared.ErrClientNotInitialized
	}
	if c.configured {
		c.mu.Unlock()
		return shared.ErrAlreadyConfigured
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	session, err := c.sessionPayload(sc)
	if err != nil {
		c.mu.Unlock()
		return &shared.ProtocolError{Op: "configure", Err: err}
	}
	// the acknowledgement may race the return of send
	c.configured = true
	c.session.SetState(CallConfiguring)
	c.mu.Unlock()

	// send can block on a full outbound queue and must not hold c.mu
	if err := c.send(sessionUpdateEvent(session)); err != nil {
		return err
	}
	c.logger.Debug("session update sent", zap.Int("tools", len(sc.Tools)))
	return nil
}

// Listen starts the reader loop. Audio deltas go to the sink and function
// calls to the dispatcher; everything else is delivered on the channel,
// which is closed when the loop exits.
func (c *Client) Listen(ctx context.Context) (<-chan *Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if c.dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	if c.listening {
		return nil, shared.ErrSessionAlreadyRunning
	}
	c.listening = true
	events := make(chan *Event, eventBuffer)
	c.wg.Add(1)
	go c.readLoop(ctx, c.conn, events)
	return events, nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn, events chan<- *Event) {
	defer c.wg.Done()
	defer close(events)
	defer func() {
		clear(c.pending)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(&shared.ProtocolError{Op: "read", Err: err})
			}
			return
		}
		event := new(Event)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Warn("can not decode event", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		c.logger.Trace("received event", zap.String("type", string(event.Type)), zap.String("event_id", event.ID))
		if !c.handle(event) {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// handle applies one event and reports whether it should be delivered.
func (c *Client) handle(event *Event) bool {
	switch p := event.Param.(type) {
	case *AudioDeltaParam:
		c.writeAudio(p)
		return false
	case *OutputItemParam:
		if callID, itemID, name, ok := p.FunctionCall(); ok && event.Type == EventOutputItemAdded {
			c.track(callID, itemID, name)
		}
	case *FunctionCallParam:
		if event.Type == EventFunctionCallArgumentsDelta {
			if pc := c.track(p.CallID, p.ItemID, p.Name); pc != nil {
				pc.Append(p.Delta)
			}
			return false
		}
		c.ready(p)
	case *SessionParam:
		if event.Type == EventSessionUpdated && c.session.State() == CallConfiguring {
			c.session.SetState(CallActive)
			c.actOnce.Do(func() { close(c.active) })
			c.logger.Info("session active")
		}
	case *ErrorParam:
		c.logger.Warn("realtime API error",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
			zap.String("event_id", p.EventID),
		)
	}
	return true
}

func (c *Client) writeAudio(p *AudioDeltaParam) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	pcm, err := p.PCM()
	if err != nil {
		c.logger.Warn("can not decode audio delta", zap.Error(err))
		return
	}
	if err := sink.WriteAudio(pcm); err != nil {
		c.logger.Debug("audio sink refused delta", zap.Error(err))
		return
	}
	c.stats.framesOut.Add(1)
}

// track returns the pending call for callID, creating it when new. Calls
// already dispatched yield nil.
func (c *Client) track(callID, itemID, name string) *PendingFunctionCall {
	if callID == "" {
		for _, pc := range c.pending {
			if pc.ItemID == itemID {
				return pc
			}
		}
		return nil
	}
	if _, done := c.dispatched[callID]; done {
		return nil
	}
	pc, ok := c.pending[callID]
	if !ok {
		pc = &PendingFunctionCall{CallID: callID, ItemID: itemID, Name: name}
		c.pending[callID] = pc
	}
	if pc.Name == "" {
		pc.Name = name
	}
	if pc.ItemID == "" {
		pc.ItemID = itemID
	}
	return pc
}

func (c *Client) ready(p *FunctionCallParam) {
	callID := p.CallID
	if callID == "" {
		if pc := c.track("", p.ItemID, ""); pc != nil {
			callID = pc.CallID
		}
	}
	if _, done := c.dispatched[callID]; done || callID == "" {
		c.logger.Warn("ignoring function call completion",
			zap.String("call_id", callID),
			zap.String("item_id", p.ItemID),
			zap.Error(shared.ErrAlreadyDispatched),
		)
		return
	}
	pc := c.track(callID, p.ItemID, p.Name)
	args := pc.Arguments()
	if p.Arguments != "" {
		args = p.Arguments
	}
	pc.State = PendingReady
	call := FunctionCall{CallID: pc.CallID, ItemID: pc.ItemID, Name: pc.Name, Arguments: []byte(args)}
	delete(c.pending, callID)
	c.dispatched[callID] = struct{}{}
	pc.State = PendingDispatched

	c.mu.Lock()
	c.inflight[callID] = struct{}{}
	dispatcher := c.dispatcher
	c.mu.Unlock()

	c.stats.dispatched.Add(1)
	c.logger.Debug("dispatching function call", zap.String("call_id", callID), zap.String("name", call.Name))
	c.wg.Add(1)
	go c.dispatch(dispatcher, call)
}

func (c *Client) dispatch(d Dispatcher, call FunctionCall) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FunctionTimeout)
	defer cancel()

	// untracked by c.wg so a handler ignoring ctx can not stall Close
	done := make(chan functions.Result, 1)
	go func() {
		done <- d.Dispatch(ctx, call)
	}()

	var (
		res      functions.Result
		timedOut bool
	)
	select {
	case res = <-done:
	case <-ctx.Done():
	}
	// a result racing the deadline counts as late
	if ctx.Err() != nil {
		if c.ctx.Err() != nil {
			return
		}
		res, timedOut = functions.TimedOut(), true
		c.logger.Warn("function call timed out",
			zap.String("call_id", call.CallID),
			zap.String("name", call.Name),
			zap.Duration("timeout", c.cfg.FunctionTimeout),
		)
	}
	if err := c.resolve(call.CallID, res, timedOut); err != nil && !errors.Is(err, shared.ErrSessionEnded) {
		c.logger.Error("resolving function call", err, zap.String("call_id", call.CallID))
	}
}

// ResolveFunctionCall sends the output of a dispatched call. Each call is
// resolved once; later attempts get ErrUnknownCall.
func (c *Client) ResolveFunctionCall(callID string, res functions.Result) error {
	return c.resolve(callID, res, false)
}

func (c *Client) resolve(callID string, res functions.Result, timedOut bool) error {
	c.mu.Lock()
	if _, ok := c.inflight[callID]; !ok {
		c.mu.Unlock()
		return shared.ErrUnknownCall
	}
	delete(c.inflight, callID)
	last := len(c.inflight) == 0
	c.mu.Unlock()

	switch {
	case timedOut:
		c.stats.timedOut.Add(1)
	case res.Success:
		c.stats.resolved.Add(1)
	default:
		c.stats.failed.Add(1)
	}
	output, err := res.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling result of %s: %w", callID, err)
	}
	if err := c.send(functionOutputEvent(callID, output)); err != nil {
		return err
	}
	// one response for a batch of parallel calls
	if !last {
		return nil
	}
	return c.send(responseCreateEvent(""))
}

// AppendAudio forwards caller audio (PCM16LE, 24 kHz).
func (c *Client) AppendAudio(pcm []byte) error {
	if c.session.State() != CallActive {
		return shared.ErrNotActive
	}
	if err := c.send(audioAppendEvent(pcm)); err != nil {
		return err
	}
	c.stats.framesIn.Add(1)
	return nil
}

func (c *Client) CancelResponse() error {
	return c.send(responseCancelEvent())
}

// Say makes the assistant speak text verbatim as its next response.
func (c *Client) Say(text string) error {
	if text == "" {
		return nil
	}
	return c.send(responseCreateEvent(
		"Spune clientului exact următorul text, fără să adaugi nimic: " + text,
	))
}

// Close ends the session and returns its summary. Later calls return the
// same summary.
func (c *Client) Close(cause error) SessionSummary {
	c.closeOnce.Do(func() {
		c.session.SetState(CallClosing)
		if cause == nil {
			cause = context.Canceled
		}
		c.cancel(cause)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
			if err := conn.Close(); err != nil {
				c.logger.Debug("closing realtime connection", zap.Error(err))
			}
		}
		c.wg.Wait()

		c.mu.Lock()
		clear(c.inflight)
		c.mu.Unlock()
		c.session.SetState(CallEnded)
		c.summary = c.summarize(context.Cause(c.ctx))
		c.logSummary()
	})
	return c.summary
}

func (c *Client) summarize(cause error) SessionSummary {
	meta := c.session.Meta()
	s := SessionSummary{
		SessionID:  c.session.ID(),
		CallSID:    meta.CallSID,
		BusinessID: meta.BusinessID,
		Duration:   time.Since(c.session.Started()).Round(time.Millisecond),
		Dispatched: c.stats.dispatched.Load(),
		Resolved:   c.stats.resolved.Load(),
		Failed:     c.stats.failed.Load(),
		TimedOut:   c.stats.timedOut.Load(),
		FramesIn:   c.stats.framesIn.Load(),
		FramesOut:  c.stats.framesOut.Load(),
		Turns:      len(c.session.Transcript()),
		Outcome:    "completed",
	}
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, shared.ErrCallEnded) {
		s.Outcome = "failed"
		s.Cause = cause.Error()
	}
	return s
}

func (c *Client) logSummary() {
	out, err := yaml.Marshal(c.summary)
	if err != nil {
		c.logger.Error("marshaling session summary", err)
		return
	}
	c.logger.Info("session summary",
		zap.String("outcome", c.summary.Outcome),
		zap.Int64("calls_dispatched", c.summary.Dispatched),
		zap.Duration("duration", c.summary.Duration),
		zap.ByteString("summary", out),
	)
}
