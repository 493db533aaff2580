// ABOUTME: WebSocket client for the receiver control channel
// ABOUTME: Handles connection, request/response correlation and unsolicited messages
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPath is the control endpoint path on the receiver
	DefaultPath = "/control"
	// DefaultTimeout bounds each request
	DefaultTimeout = 5 * time.Second

	eventBuffer = 32
)

var (
	ErrNotConnected = errors.New("control channel not connected")
	ErrTimeout      = errors.New("control request timed out")
	ErrClosed       = errors.New("control channel closed")
)

// RemoteError is an error reply from the receiver
type RemoteError struct {
	Request string
	ErrorPayload
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: receiver error %s", e.Request, e.Code)
	}
	return fmt.Sprintf("%s: receiver error %s: %s", e.Request, e.Code, e.Message)
}

// Config holds client configuration
type Config struct {
	Addr    string // host:port of the receiver control endpoint
	Path    string
	Timeout time.Duration
}

// Client is a control channel connection
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex
	wmu    sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan Message

	events chan Message
	done   chan struct{}
	err    error

	connected bool
	log       *logrus.Entry
}

// NewClient creates a control client; call Connect to dial
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config:  config,
		pending: make(map[string]chan Message),
		events:  make(chan Message, eventBuffer),
		done:    make(chan struct{}),
		log:     logrus.WithFields(logrus.Fields{"component": "protocol", "addr": config.Addr}),
	}
}

// Connect dials the receiver and starts the message reader
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.Addr, Path: c.config.Path}
	c.log.Debugf("Connecting to %s", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: c.config.Timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readMessages()
	return nil
}

// Request sends a message and waits for the reply with the same ID. An
// error reply is returned as *RemoteError. reply may be nil.
func (c *Client) Request(ctx context.Context, msgType string, payload, reply interface{}) (Message, error) {
	id := uuid.NewString()
	msg, err := NewMessage(msgType, id, payload)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", msgType, err)
	}

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	var resp Message
	select {
	case resp = <-ch:
	case <-timer.C:
		return Message{}, fmt.Errorf("%s: %w", msgType, ErrTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, fmt.Errorf("%s: %w", msgType, c.Err())
	}

	if resp.Type == TypeError {
		remote := &RemoteError{Request: msgType}
		if err := resp.Decode(&remote.ErrorPayload); err != nil {
			return resp, err
		}
		return resp, remote
	}
	if reply != nil {
		if err := resp.Decode(reply); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Notify sends a message that expects no reply
func (c *Client) Notify(msgType string, payload interface{}) error {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
	return c.conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	var err error
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.done)
		c.Close()
	}()

	for {
		messageType, data, rerr := c.conn.ReadMessage()
		if rerr != nil {
			err = fmt.Errorf("%w: %v", ErrClosed, rerr)
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Warnf("Ignoring non-text control message (type %d)", messageType)
			continue
		}
		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes a reply to its waiter or queues an event
func (c *Client) handleJSONMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warnf("Failed to parse control message: %v", err)
		return
	}

	if msg.ID != "" {
		c.pmu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pmu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
				c.log.Debugf("Duplicate reply %s for request %s", msg.Type, msg.ID)
			}
			return
		}
		c.log.Debugf("Reply %s for unknown request %s", msg.Type, msg.ID)
		return
	}

	select {
	case c.events <- msg:
	default:
		c.log.Warnf("Event channel full, dropping %s", msg.Type)
	}
}

// Events delivers unsolicited receiver messages (health, error)
func (c *Client) Events() <-chan Message { return c.events }

// Done is closed when the connection is lost or closed
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	if c.err == nil {
		c.err = ErrClosed
	}
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.conn.Close()
	c.log.Debugf("Connection closed")
	return err
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
