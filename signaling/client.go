package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultDialTimeout bounds the relay websocket dial.
	DefaultDialTimeout = 10 * time.Second
	// writeTimeout bounds each outbound relay write.
	writeTimeout = 10 * time.Second
)

// ErrSignalingUnavailable indicates the relay could not be reached.
var ErrSignalingUnavailable = errors.New("signaling: relay unavailable")

// Client is a room-scoped connection to the signaling relay.
//
// It relays handshake payloads between devices that have no direct channel
// yet. The client does not retry: relay loss closes Done and retry policy
// belongs to the caller.
type Client struct {
	roomID     string
	deviceID   string
	deviceName string

	conn *websocket.Conn

	writeMu sync.Mutex

	messages chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Join dials the relay and subscribes to a room-scoped channel.
//
// The relay announces this device to the room and replays announcements of
// devices already present. Fails with ErrSignalingUnavailable when the relay
// cannot be reached.
func Join(ctx context.Context, relayURL, roomID, deviceID, deviceName string) (*Client, error) {
	if roomID == "" {
		return nil, errors.New("room ID is required")
	}
	if deviceID == "" {
		return nil, errors.New("device ID is required")
	}

	target, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	query := target.Query()
	query.Set("room", roomID)
	query.Set("device", deviceID)
	query.Set("name", deviceName)
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	client := &Client{
		roomID:     roomID,
		deviceID:   deviceID,
		deviceName: deviceName,
		conn:       conn,
		messages:   make(chan Message, 64),
		closed:     make(chan struct{}),
	}

	go client.readLoop()
	return client, nil
}

// RoomID returns the joined room code.
func (c *Client) RoomID() string {
	return c.roomID
}

// Messages returns handshake payloads addressed to this device or broadcast
// to the room. The channel is closed when the relay session ends.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Done is closed when the relay session has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal session error, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send relays a handshake payload to one peer. Best effort; there is no
// delivery guarantee and timeout/retry belongs to the caller.
func (c *Client) Send(to, msgType string, payload []byte) error {
	if to == "" {
		return errors.New("target device ID is required")
	}
	return c.write(Message{
		Type:    msgType,
		RoomID:  c.roomID,
		From:    c.deviceID,
		To:      to,
		Payload: payload,
	})
}

// Broadcast relays a message to every other device in the room.
func (c *Client) Broadcast(msgType string, payload []byte) error {
	return c.write(Message{
		Type:     msgType,
		RoomID:   c.roomID,
		From:     c.deviceID,
		FromName: c.deviceName,
		Payload:  payload,
	})
}

// Leave announces departure and closes the session. Idempotent.
func (c *Client) Leave() {
	select {
	case <-c.closed:
		return
	default:
	}
	_ = c.write(Message{
		Type:   TypeLeave,
		RoomID: c.roomID,
		From:   c.deviceID,
	})
	c.closeWithError(nil)
}

// Close terminates the relay session without a leave announcement.
func (c *Client) Close() {
	c.closeWithError(nil)
}

func (c *Client) write(msg Message) error {
	select {
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrSignalingUnavailable
	default:
	}

	raw, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.closeWithError(fmt.Errorf("%w: %v", ErrSignalingUnavailable, err))
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
			} else {
				c.closeWithError(fmt.Errorf("%w: %v", ErrSignalingUnavailable, err))
			}
			return
		}

		msg, err := Decode(raw)
		if err != nil {
			continue
		}
		if msg.From == c.deviceID {
			continue
		}
		if msg.To != "" && msg.To != c.deviceID {
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.errMu.Lock()
			c.closeErr = err
			c.errMu.Unlock()
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}
