package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

// Server event types the client acts on. Anything else is decoded into a
// RawParam and passed through untouched.
const (
	EventError                      EventType = "error"
	EventSessionCreated             EventType = "session.created"
	EventSessionUpdated             EventType = "session.updated"
	EventSpeechStarted              EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped              EventType = "input_audio_buffer.speech_stopped"
	EventInputTranscriptionDone     EventType = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionFailed   EventType = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated            EventType = "response.created"
	EventResponseDone               EventType = "response.done"
	EventOutputItemAdded            EventType = "response.output_item.added"
	EventOutputItemDone             EventType = "response.output_item.done"
	EventOutputAudioDelta           EventType = "response.output_audio.delta"
	EventOutputAudioDone            EventType = "response.output_audio.done"
	EventOutputAudioTranscriptDone  EventType = "response.output_audio_transcript.done"
	EventFunctionCallArgumentsDelta EventType = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone  EventType = "response.function_call_arguments.done"
	EventRateLimitsUpdated          EventType = "rate_limits.updated"
)

// Client event types.
const (
	ClientSessionUpdate          EventType = "session.update"
	ClientInputAudioBufferAppend EventType = "input_audio_buffer.append"
	ClientInputAudioBufferClear  EventType = "input_audio_buffer.clear"
	ClientConversationItemCreate EventType = "conversation.item.create"
	ClientResponseCreate         EventType = "response.create"
	ClientResponseCancel         EventType = "response.cancel"
)

// Event is one decoded server message.
type Event struct {
	ID    string
	Type  EventType
	Param EventParam
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func newParam(t EventType) EventParam {
	switch t {
	case EventError:
		return new(ErrorParam)
	case EventSessionCreated, EventSessionUpdated:
		return new(SessionParam)
	case EventSpeechStarted, EventSpeechStopped:
		return new(SpeechParam)
	case EventInputTranscriptionDone:
		return new(TranscriptParam)
	case EventOutputAudioTranscriptDone:
		return new(TranscriptParam)
	case EventResponseCreated, EventResponseDone:
		return new(ResponseParam)
	case EventOutputItemAdded, EventOutputItemDone:
		return new(OutputItemParam)
	case EventOutputAudioDelta:
		return new(AudioDeltaParam)
	case EventFunctionCallArgumentsDelta, EventFunctionCallArgumentsDone:
		return new(FunctionCallParam)
	}
	return new(RawParam)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return errors.New("missing type")
	}
	e.Type = EventType(t)
	delete(raw, "type")
	// event_id is optional on some server events
	if v, ok := raw["event_id"].(string); ok {
		e.ID = v
	}
	delete(raw, "event_id")
	e.Param = newParam(e.Type)
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("type is empty")
	}
	out := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			out[k] = v
		}
	}
	out["type"] = e.Type
	if e.ID != "" {
		out["event_id"] = e.ID
	}
	return sonic.Marshal(out)
}

// MarshalYAML renders the event for trace logs.
func (e *Event) MarshalYAML() ([]byte, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func requireStr(m map[string]any, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return v, nil
}

// ErrorParam accepts the nested {"error": {...}} shape and the flattened one.
type ErrorParam struct {
	Type    string
	Code    string
	Message string
	EventID string
	Param   string
}

func (p *ErrorParam) New(m map[string]any) error {
	if nested, ok := m["error"].(map[string]any); ok {
		m = nested
	}
	msg, err := requireStr(m, "message")
	if err != nil {
		return err
	}
	p.Message = msg
	p.Type = str(m, "type")
	p.Code = str(m, "code")
	p.EventID = str(m, "event_id")
	p.Param = str(m, "param")
	return nil
}

func (p *ErrorParam) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"code":     p.Code,
			"message":  p.Message,
			"event_id": p.EventID,
			"param":    p.Param,
		},
	}
}

func (p *ErrorParam) Error() string {
	if p.Code == "" {
		return p.Message
	}
	return p.Code + ": " + p.Message
}

type SessionParam struct {
	Session map[string]any
}

func (p *SessionParam) New(m map[string]any) error {
	s, ok := m["session"].(map[string]any)
	if !ok {
		return errors.New("missing session")
	}
	p.Session = s
	return nil
}

func (p *SessionParam) Json() map[string]any {
	return map[string]any{"session": p.Session}
}

type SpeechParam struct {
	ItemID string
	// AudioMs is audio_start_ms or audio_end_ms depending on the event.
	AudioMs int
}

func (p *SpeechParam) New(m map[string]any) error {
	p.ItemID = str(m, "item_id")
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioMs = v
	} else if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioMs = v
	}
	return nil
}

func (p *SpeechParam) Json() map[string]any {
	return map[string]any{"item_id": p.ItemID, "audio_start_ms": p.AudioMs}
}

// TranscriptParam covers caller transcriptions and assistant audio transcripts.
type TranscriptParam struct {
	ItemID     string
	ResponseID string
	Transcript string
}

func (p *TranscriptParam) New(m map[string]any) error {
	t, err := requireStr(m, "transcript")
	if err != nil {
		return err
	}
	p.Transcript = t
	p.ItemID = str(m, "item_id")
	p.ResponseID = str(m, "response_id")
	return nil
}

func (p *TranscriptParam) Json() map[string]any {
	out := map[string]any{"item_id": p.ItemID, "transcript": p.Transcript}
	if p.ResponseID != "" {
		out["response_id"] = p.ResponseID
	}
	return out
}

type ResponseParam struct {
	Response map[string]any
}

func (p *ResponseParam) New(m map[string]any) error {
	r, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	p.Response = r
	return nil
}

func (p *ResponseParam) Json() map[string]any {
	return map[string]any{"response": p.Response}
}

func (p *ResponseParam) Status() string {
	return str(p.Response, "status")
}

type OutputItemParam struct {
	ResponseID string
	Item       map[string]any
}

func (p *OutputItemParam) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Item = item
	p.ResponseID = str(m, "response_id")
	return nil
}

func (p *OutputItemParam) Json() map[string]any {
	return map[string]any{"response_id": p.ResponseID, "item": p.Item}
}

// FunctionCall reports whether the item is a function call, with its ids.
func (p *OutputItemParam) FunctionCall() (callID, itemID, name string, ok bool) {
	if str(p.Item, "type") != "function_call" {
		return "", "", "", false
	}
	return str(p.Item, "call_id"), str(p.Item, "id"), str(p.Item, "name"), true
}

type AudioDeltaParam struct {
	ResponseID string
	ItemID     string
	Delta      string
}

func (p *AudioDeltaParam) New(m map[string]any) error {
	d, err := requireStr(m, "delta")
	if err != nil {
		return err
	}
	p.Delta = d
	p.ResponseID = str(m, "response_id")
	p.ItemID = str(m, "item_id")
	return nil
}

func (p *AudioDeltaParam) Json() map[string]any {
	return map[string]any{"response_id": p.ResponseID, "item_id": p.ItemID, "delta": p.Delta}
}

// PCM decodes the base64 delta into PCM16LE bytes.
func (p *AudioDeltaParam) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Delta)
}

// FunctionCallParam is shared by the arguments delta and done events. Delta
// is set on the former, Arguments on the latter.
type FunctionCallParam struct {
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Delta      string
	Arguments  string
}

func (p *FunctionCallParam) New(m map[string]any) error {
	p.ResponseID = str(m, "response_id")
	p.ItemID = str(m, "item_id")
	p.CallID = str(m, "call_id")
	p.Name = str(m, "name")
	p.Delta = str(m, "delta")
	p.Arguments = str(m, "arguments")
	if p.CallID == "" && p.ItemID == "" {
		return errors.New("missing call_id and item_id")
	}
	return nil
}

func (p *FunctionCallParam) Json() map[string]any {
	out := map[string]any{
		"response_id": p.ResponseID,
		"item_id":     p.ItemID,
		"call_id":     p.CallID,
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if p.Delta != "" {
		out["delta"] = p.Delta
	}
	if p.Arguments != "" {
		out["arguments"] = p.Arguments
	}
	return out
}

// RawParam keeps events the client does not interpret.
type RawParam struct {
	Fields map[string]any
}

func (p *RawParam) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *RawParam) Json() map[string]any {
	return p.Fields
}

// client events

func clientEvent(t EventType, fields map[string]any) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = t
	fields["event_id"] = "evt_" + uuid.NewString()
	return fields
}

func sessionUpdateEvent(session map[string]any) map[string]any {
	return clientEvent(ClientSessionUpdate, map[string]any{"session": session})
}

func audioAppendEvent(pcm []byte) map[string]any {
	return clientEvent(ClientInputAudioBufferAppend, map[string]any{
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func functionOutputEvent(callID string, output []byte) map[string]any {
	return clientEvent(ClientConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
}

// responseCreateEvent asks for a response; instructions, when set, override
// the session instructions for that one response.
func responseCreateEvent(instructions string) map[string]any {
	fields := map[string]any{}
	if instructions != "" {
		fields["response"] = map[string]any{"instructions": instructions}
	}
	return clientEvent(ClientResponseCreate, fields)
}

func responseCancelEvent() map[string]any {
	return clientEvent(ClientResponseCancel, nil)
}
