package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	realtime "github.com/bt-bridge/salon-voice"
)

// Media-stream events.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventClear     = "clear"
)

const goodbyeMark = "goodbye"

type envelope struct {
	Event          string   `json:"event"`
	SequenceNumber string   `json:"sequenceNumber,omitempty"`
	StreamSID      string   `json:"streamSid,omitempty"`
	Start          *start   `json:"start,omitempty"`
	Media          *media   `json:"media,omitempty"`
	Mark           *mark    `json:"mark,omitempty"`
	Stop           *stopped `json:"stop,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mark struct {
	Name string `json:"name"`
}

type stopped struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Stream parameter names set by the inbound webhook.
const (
	ParamCallSID    = "callSid"
	ParamFrom       = "from"
	ParamTo         = "to"
	ParamBusinessID = "businessId"
)

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Event == "" {
		return env, fmt.Errorf("envelope without event")
	}
	return env, nil
}

// payload returns the mu-law bytes of an inbound media envelope.
func (e envelope) payload() ([]byte, bool, error) {
	if e.Media == nil {
		return nil, false, fmt.Errorf("media event without media")
	}
	if e.Media.Track != "" && e.Media.Track != "inbound" {
		return nil, false, nil
	}
	frame, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("decoding media payload: %w", err)
	}
	return frame, true, nil
}

func (s *start) meta() realtime.CallMeta {
	params := s.CustomParameters
	if params == nil {
		params = map[string]string{}
	}
	callSID := s.CallSID
	if callSID == "" {
		callSID = params[ParamCallSID]
	}
	return realtime.CallMeta{
		CallSID:    callSID,
		StreamSID:  s.StreamSID,
		From:       strings.TrimSpace(params[ParamFrom]),
		To:         strings.TrimSpace(params[ParamTo]),
		BusinessID: params[ParamBusinessID],
		Params:     params,
	}
}

func mediaEnvelope(streamSID string, frame []byte) ([]byte, error) {
	return sonic.Marshal(envelope{
		Event:     eventMedia,
		StreamSID: streamSID,
		Media:     &media{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

func markEnvelope(streamSID, name string) ([]byte, error) {
	return sonic.Marshal(envelope{Event: eventMark, StreamSID: streamSID, Mark: &mark{Name: name}})
}

func clearEnvelope(streamSID string) ([]byte, error) {
	return sonic.Marshal(envelope{Event: eventClear, StreamSID: streamSID})
}
