// Package realtime bridges one phone call to the OpenAI Realtime voice API
// over a websocket.
//
// A Client owns a single connection for a CallSession. It sends the session
// configuration once, forwards caller audio after the server acknowledges it,
// hands assistant audio to an AudioSink and dispatches streamed function
// calls, sending each result back exactly once.
package realtime
