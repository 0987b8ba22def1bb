// Package fakedriver is a test double for the upstream WebSocket camera
// driver. It exercises the real on-the-wire shape described in spec §6
// (start/stop commands, a filtered video-data subscription, base64
// frame payloads in a JSON envelope) over an actual WebSocket connection, so
// integration tests can drive the gateway end-to-end without depending
// on the real (out-of-scope) production driver.
package fakedriver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eufylive/stream-gateway/pkg/upstream"
)

// wireMessage is the JSON envelope exchanged between the fake service
// and its client. Buffer carries a base64-encoded frame payload,
// matching one of the two shapes DecodeFrameEvent normalizes.
type wireMessage struct {
	Type     string             `json:"type"`
	Serial   string             `json:"serial,omitempty"`
	Error    string             `json:"error,omitempty"`
	Buffer   string             `json:"buffer,omitempty"`
	Metadata *upstream.Metadata `json:"metadata,omitempty"`
}

// Service is the fake vendor-side endpoint: an http.Handler that
// upgrades to a WebSocket and answers start/stop commands according to
// test-configured behavior, and can push frame events to the connected
// client.
type Service struct {
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conn         *websocket.Conn
	onStart      func() error
	onStop       func() error
	startCalls   int
	stopCalls    int
}

// NewService creates a fake vendor service that accepts start/stop
// without error until reconfigured with SetStartBehavior/SetStopBehavior.
func NewService() *Service {
	return &Service{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		onStart:  func() error { return nil },
		onStop:   func() error { return nil },
	}
}

// SetStartBehavior overrides how the service answers start_livestream.
func (s *Service) SetStartBehavior(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = fn
}

// SetStopBehavior overrides how the service answers stop_livestream.
func (s *Service) SetStopBehavior(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = fn
}

// StartCalls and StopCalls report how many times each command was
// received, for assertions like spec §8's "start_livestream is invoked
// exactly once".
func (s *Service) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

func (s *Service) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// ServeHTTP upgrades the connection and answers commands until the
// socket closes.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "start":
			s.mu.Lock()
			s.startCalls++
			behavior := s.onStart
			s.mu.Unlock()

			resp := wireMessage{Type: "start_ack", Serial: msg.Serial}
			if err := behavior(); err != nil {
				resp.Error = err.Error()
			}
			conn.WriteJSON(resp) //nolint:errcheck

		case "stop":
			s.mu.Lock()
			s.stopCalls++
			behavior := s.onStop
			s.mu.Unlock()

			resp := wireMessage{Type: "stop_ack", Serial: msg.Serial}
			if err := behavior(); err != nil {
				resp.Error = err.Error()
			}
			conn.WriteJSON(resp) //nolint:errcheck
		}
	}
}

// PushFrame sends a livestream_video_data frame event to the connected
// client, base64-encoding the buffer the same way a JSON-speaking
// vendor driver would.
func (s *Service) PushFrame(serial string, buf []byte, meta *upstream.Metadata) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("fakedriver: no client connected")
	}
	return conn.WriteJSON(wireMessage{
		Type:     "frame",
		Serial:   serial,
		Buffer:   encodeBuffer(buf),
		Metadata: meta,
	})
}

// Client implements upstream.Commands and upstream.EventSubscriber
// against a Service over a real WebSocket connection.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan wireMessage
	handler upstream.FrameHandler
	serial  string
	closed  bool
}

// Dial connects to a running Service and starts its read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fakedriver: dial: %w", err)
	}
	c := &Client{conn: conn, pending: make(map[string]chan wireMessage)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "start_ack", "stop_ack":
			c.mu.Lock()
			ch, ok := c.pending[msg.Type+":"+msg.Serial]
			if ok {
				delete(c.pending, msg.Type+":"+msg.Serial)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}

		case "frame":
			c.mu.Lock()
			handler, serial := c.handler, c.serial
			c.mu.Unlock()
			if handler == nil || msg.Serial != serial {
				continue
			}
			ev, err := upstream.DecodeFrameEvent(upstream.RawFrameEvent{
				Serial:   msg.Serial,
				Buffer:   msg.Buffer,
				Metadata: msg.Metadata,
			})
			if err != nil {
				continue
			}
			handler(ev)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, reqType, serial string) error {
	key := reqType + "_ack:" + serial
	ch := make(chan wireMessage, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(wireMessage{Type: reqType, Serial: serial}); err != nil {
		return fmt.Errorf("fakedriver: write %s: %w", reqType, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartLivestream implements upstream.Commands.
func (c *Client) StartLivestream(ctx context.Context, serial string) error {
	return c.roundTrip(ctx, "start", serial)
}

// StopLivestream implements upstream.Commands.
func (c *Client) StopLivestream(ctx context.Context, serial string) error {
	return c.roundTrip(ctx, "stop", serial)
}

// SubscribeVideoData implements upstream.EventSubscriber. Only one
// subscription is supported at a time (this is a single-camera fake),
// matching the gateway's own at-most-one-camera-per-server scope.
func (c *Client) SubscribeVideoData(serial string, handler upstream.FrameHandler) (upstream.Unsubscribe, error) {
	c.mu.Lock()
	c.serial = serial
	c.handler = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

// Close tears down the underlying WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func encodeBuffer(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}
