// Package webhook exposes the HTTP surface of the service: the inbound call
// webhook, the media stream endpoint and a health check.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/bridge"
	"github.com/bt-bridge/salon-voice/shared"
)

const (
	PathIncoming = "/voice/incoming"
	PathHealth   = "/healthz"

	directionInbound = "inbound"
)

// Resolver maps a called number to the business that owns it.
type Resolver func(calledNumber string) (string, error)

type Server struct {
	logger   shared.LoggerAdapter
	cfg      shared.ServerConfig
	bridge   *bridge.Bridge
	resolve  Resolver
	upgrader websocket.Upgrader
}

func NewServer(logger shared.LoggerAdapter, cfg shared.ServerConfig, b *bridge.Bridge, resolve Resolver) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if b == nil {
		return nil, errors.New("no bridge provided")
	}
	if resolve == nil {
		return nil, errors.New("no business resolver provided")
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = shared.DefaultConfig().Server.StreamPath
	}
	return &Server{
		logger:  logger.With(zap.String("component", "webhook")),
		cfg:     cfg,
		bridge:  b,
		resolve: resolve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the telephony provider does not send an Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathIncoming, s.Incoming)
	mux.HandleFunc(s.cfg.StreamPath, s.Stream)
	mux.HandleFunc(PathHealth, s.Health)
	return mux
}

// Incoming answers the call webhook with TwiML. Inbound calls to a known
// number are connected to the media stream; anything else hears an apology
// and is hung up on.
func (s *Server) Incoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("malformed call webhook", zap.Error(err))
		s.writeTwiML(w, rejectResponse(shared.SpeechCallRejected))
		return
	}
	meta := realtime.CallMeta{
		CallSID: strings.TrimSpace(r.PostForm.Get("CallSid")),
		From:    strings.TrimSpace(r.PostForm.Get("From")),
		To:      strings.TrimSpace(r.PostForm.Get("To")),
	}
	logger := s.logger.With(
		zap.String("call_sid", meta.CallSID),
		zap.String("from", meta.From),
		zap.String("to", meta.To),
	)
	direction := r.PostForm.Get("Direction")
	switch {
	case meta.CallSID == "" || meta.To == "":
		logger.Warn("call webhook without call sid or called number")
		s.writeTwiML(w, rejectResponse(shared.SpeechCallRejected))
		return
	case direction != directionInbound:
		logger.Info("rejecting non-inbound call", zap.String("direction", direction))
		s.writeTwiML(w, rejectResponse(shared.SpeechCallRejected))
		return
	}
	businessID, err := s.resolve(meta.To)
	if err != nil {
		logger.Warn("rejecting call to unmapped number", zap.Error(err))
		s.writeTwiML(w, rejectResponse(shared.SpeechCallRejected))
		return
	}
	meta.BusinessID = businessID

	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	logger.Info("connecting call", zap.String("business_id", businessID), zap.String("status", r.PostForm.Get("CallStatus")))
	s.writeTwiML(w, connectResponse(streamURL(host, s.cfg.StreamPath), meta))
}

func (s *Server) writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	body, err := resp.encode()
	if err != nil {
		s.logger.Error("encoding twiml", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Stream upgrades the media stream and bridges it until the call ends.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", zap.Error(err))
		return
	}
	// calls are ended through the registry on shutdown
	ctx := context.WithoutCancel(r.Context())
	if err := s.bridge.Serve(ctx, conn); err != nil {
		s.logger.Info("media stream ended", zap.Error(err), zap.String("remote", r.RemoteAddr))
	}
}

type health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"active_sessions"`
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	body, err := sonic.Marshal(health{Status: "ok", Version: shared.Version, Sessions: s.bridge.Registry().Count()})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
