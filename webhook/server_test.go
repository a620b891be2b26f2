package webhook

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/bridge"
	"github.com/bt-bridge/salon-voice/shared"
)

const waitFor = 2 * time.Second

type stubProtocol struct {
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	cause error
}

func (p *stubProtocol) AppendAudio([]byte) error { return shared.ErrNotActive }
func (p *stubProtocol) Done() <-chan struct{}    { return p.done }
func (p *stubProtocol) Err() error               { return nil }

func (p *stubProtocol) Close(cause error) realtime.SessionSummary {
	p.mu.Lock()
	p.cause = cause
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return realtime.SessionSummary{Outcome: "completed"}
}

func (p *stubProtocol) closeCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

type fixture struct {
	server   *Server
	sessions chan *realtime.CallSession
	proto    *stubProtocol
}

func newFixture(t *testing.T, cfg shared.ServerConfig) fixture {
	t.Helper()
	f := fixture{
		sessions: make(chan *realtime.CallSession, 1),
		proto:    &stubProtocol{done: make(chan struct{})},
	}
	connector := bridge.ConnectorFunc(func(_ context.Context, s *realtime.CallSession, _ bridge.Output) (bridge.Protocol, error) {
		f.sessions <- s
		return f.proto, nil
	})
	businesses := shared.Config{Businesses: map[string]string{"+40310000000": "salon-1"}}
	logger := shared.NewNopLogger()
	b, err := bridge.New(logger, shared.DefaultConfig().Bridge, connector, nil, bridge.WithBusinessResolver(businesses.BusinessFor))
	require.NoError(t, err)
	f.server, err = NewServer(logger, cfg, b, businesses.BusinessFor)
	require.NoError(t, err)
	return f
}

func postCall(t *testing.T, h http.Handler, form url.Values) (*httptest.ResponseRecorder, twimlResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, PathIncoming, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp twimlResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func callForm(to, direction string) url.Values {
	return url.Values{
		"CallSid":    {"CA1"},
		"From":       {"+40722123456"},
		"To":         {to},
		"Direction":  {direction},
		"CallStatus": {"ringing"},
	}
}

func TestIncomingConnectsStream(t *testing.T) {
	cfg := shared.DefaultConfig().Server
	cfg.PublicHost = "voice.example.ro"
	f := newFixture(t, cfg)

	rec, resp := postCall(t, f.server.Handler(), callForm("+40310000000", "inbound"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<?xml"))

	require.NotNil(t, resp.Connect)
	assert.Nil(t, resp.Hangup)
	assert.Equal(t, "wss://voice.example.ro/voice/stream", resp.Connect.Stream.URL)
	params := map[string]string{}
	for _, p := range resp.Connect.Stream.Parameters {
		params[p.Name] = p.Value
	}
	assert.Equal(t, map[string]string{
		bridge.ParamCallSID:    "CA1",
		bridge.ParamFrom:       "+40722123456",
		bridge.ParamTo:         "+40310000000",
		bridge.ParamBusinessID: "salon-1",
	}, params)
}

func TestIncomingRejects(t *testing.T) {
	f := newFixture(t, shared.DefaultConfig().Server)
	tests := []struct {
		name string
		form url.Values
	}{
		{"unmapped number", callForm("+40219999999", "inbound")},
		{"outbound call", callForm("+40310000000", "outbound-api")},
		{"missing direction", callForm("+40310000000", "")},
		{"missing call sid", url.Values{"To": {"+40310000000"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := postCall(t, f.server.Handler(), tt.form)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Nil(t, resp.Connect)
			require.NotNil(t, resp.Say)
			assert.Equal(t, shared.SpeechCallRejected, resp.Say.Text)
			assert.Equal(t, "ro-RO", resp.Say.Language)
			assert.NotNil(t, resp.Hangup)
		})
	}
}

func TestIncomingFallsBackToRequestHost(t *testing.T) {
	f := newFixture(t, shared.DefaultConfig().Server)
	req := httptest.NewRequest(http.MethodPost, "http://bridge.local:8080"+PathIncoming,
		strings.NewReader(callForm("+40310000000", "inbound").Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var resp twimlResponse
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Connect)
	assert.Equal(t, "wss://bridge.local:8080/voice/stream", resp.Connect.Stream.URL)
}

func TestIncomingRequiresPost(t *testing.T) {
	f := newFixture(t, shared.DefaultConfig().Server)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathIncoming, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, shared.DefaultConfig().Server)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"`+shared.Version+`","active_sessions":0}`, rec.Body.String())
}

func TestStreamBridgesCall(t *testing.T) {
	f := newFixture(t, shared.DefaultConfig().Server)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(v map[string]any) {
		data, err := sonic.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
	send(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	send(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid": "MZ1",
			"callSid":   "CA1",
			"tracks":    []string{"inbound"},
			"customParameters": map[string]string{
				bridge.ParamCallSID: "CA1",
				bridge.ParamFrom:    "+40722123456",
				bridge.ParamTo:      "+40310000000",
			},
			"mediaFormat": map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})

	var session *realtime.CallSession
	select {
	case session = <-f.sessions:
	case <-time.After(waitFor):
		t.Fatal("call was not bridged")
	}
	assert.Equal(t, "salon-1", session.Meta().BusinessID)
	assert.Equal(t, "MZ1", session.Meta().StreamSID)
	require.Eventually(t, func() bool { return f.server.bridge.Registry().Count() == 1 }, waitFor, 5*time.Millisecond)

	send(map[string]any{"event": "stop", "streamSid": "MZ1", "stop": map[string]any{"callSid": "CA1"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return f.server.bridge.Registry().Count() == 0 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, f.proto.closeCause(), shared.ErrCallEnded)
}
