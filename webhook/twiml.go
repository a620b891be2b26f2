package webhook

import (
	"encoding/xml"
	"net/url"
	"strings"

	realtime "github.com/bt-bridge/salon-voice"
	"github.com/bt-bridge/salon-voice/bridge"
)

const sayLanguage = "ro-RO"

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Language string `xml:"language,attr"`
	Text     string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// streamURL builds the wss:// address of the media stream endpoint.
func streamURL(host, path string) string {
	u := url.URL{Scheme: "wss", Host: strings.TrimSuffix(host, "/"), Path: path}
	return u.String()
}

// connectResponse forwards the call audio to the stream endpoint. The call
// metadata travels as custom parameters of the start event.
func connectResponse(streamAt string, meta realtime.CallMeta) twimlResponse {
	return twimlResponse{Connect: &twimlConnect{Stream: twimlStream{
		URL: streamAt,
		Parameters: []twimlParameter{
			{Name: bridge.ParamCallSID, Value: meta.CallSID},
			{Name: bridge.ParamFrom, Value: meta.From},
			{Name: bridge.ParamTo, Value: meta.To},
			{Name: bridge.ParamBusinessID, Value: meta.BusinessID},
		},
	}}}
}

func rejectResponse(text string) twimlResponse {
	return twimlResponse{
		Say:    &twimlSay{Language: sayLanguage, Text: text},
		Hangup: &struct{}{},
	}
}

func (r twimlResponse) encode() ([]byte, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
