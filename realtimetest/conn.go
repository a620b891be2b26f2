// Package realtimetest provides an in-memory websocket connection for tests
// of code built on the realtime client.
package realtimetest

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Conn plays the server side of a realtime connection. Tests push server
// events with Push and inspect what the client wrote with Sent.
type Conn struct {
	in     chan []byte
	failed chan error
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls []int
	gate     chan struct{}
}

func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case err := <-c.failed:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
		}
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

// HoldWrites stalls the client's message writes, as a slow network would,
// until release is called.
func (c *Conn) HoldWrites() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues a server event for the client to read.
func (c *Conn) Push(event map[string]any) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.in <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

// Fail makes the next read return err.
func (c *Conn) Fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Sent decodes every message the client wrote, in order.
func (c *Conn) Sent() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, data := range c.written {
		var m map[string]any
		if err := sonic.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Conn) SentOfType(eventType string) []map[string]any {
	var out []map[string]any
	for _, m := range c.Sent() {
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

// Controls lists the control frame types written, such as close and ping.
func (c *Conn) Controls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}
