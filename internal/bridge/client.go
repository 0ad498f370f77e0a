package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errClientClosed = errors.New("method channel closed")

// PushedEvent is an event received by a Client.
type PushedEvent struct {
	Event string
	Data  json.RawMessage
}

// Client calls the method channel of a running bridge.
type Client struct {
	conn *websocket.Conn

	events   chan PushedEvent
	outgoing chan []byte
	done     chan struct{}

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to a bridge. addr is a host:port or a ws:// or http:// URL.
func Dial(ctx context.Context, addr string) (*Client, error) {
	wsURL, err := channelURL(addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge: %w", err)
	}

	c := &Client{
		conn:     conn,
		events:   make(chan PushedEvent, 64),
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
		pending:  map[uint64]chan frame{},
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.events)
		_ = conn.Close()
	}()

	return c, nil
}

// Call invokes method and decodes the result into result, which may be nil.
// A failed call returns an *Error carrying the wire code.
func (c *Client) Call(ctx context.Context, method string, args any, result any) error {
	req := Request{ID: c.nextID.Add(1), Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	reply := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	select {
	case c.outgoing <- payload:
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns pushed engine events. The channel is closed with the client.
func (c *Client) Events() <-chan PushedEvent {
	return c.events
}

// Close shuts the connection and waits for the loops to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadlineSoon(),
		)
		_ = c.conn.Close()
	})
	c.wg.Wait()
	return c.waitErr()
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outgoing:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.setErr(fmt.Errorf("failed to send request: %w", err))
				c.shutdown()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(fmt.Errorf("failed to read bridge message: %w", err))
			c.shutdown()
			return
		}

		var msg frame
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		if msg.Event != "" {
			c.emit(PushedEvent{Event: msg.Event, Data: msg.Data})
			continue
		}

		c.pendingMu.Lock()
		reply, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			reply <- msg
		}
	}
}

func (c *Client) emit(event PushedEvent) {
	select {
	case c.events <- event:
	case <-c.done:
	default:
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) closedErr() error {
	if err := c.waitErr(); err != nil {
		return err
	}
	return errClientClosed
}

func (c *Client) waitErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}

	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func channelURL(addr string) (string, error) {
	base := strings.TrimSpace(addr)
	if base == "" {
		return "", errors.New("bridge address is empty")
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		base = "ws://" + base
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1/channel") {
		base += "/v1/channel"
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid bridge address: %w", err)
	}
	return parsed.String(), nil
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}
