package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pipeline/internal/util"
)

const welcomeTimeout = 10 * time.Second

// Client is one peer's connection to the relay. Handlers must be
// registered before Run.
type Client struct {
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex
	closed  atomic.Bool

	onUserConnected    func(peerID string)
	onSignalReceived   func(Envelope)
	onPeerDisconnected func()
}

// Dial connects to the relay at url and waits for the welcome carrying the
// id the relay assigned to this connection, e.g.:
//
//	ws://localhost:3001/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	deadline := time.Now().Add(welcomeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for welcome: %w", ErrDisconnected, err)
	}
	if msg.Event != EventWelcome || msg.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: expected welcome, got %q", ErrDisconnected, msg.Event)
	}
	conn.SetReadDeadline(time.Time{})

	util.LogDebug("relay connected: %s (id %s)", url, msg.PeerID)
	return &Client{conn: conn, id: msg.PeerID}, nil
}

// ID returns the relay-assigned id of this connection.
func (c *Client) ID() string { return c.id }

// OnUserConnected fires once for every other member of the room, whether
// it was there before JoinRoom or arrived afterwards.
func (c *Client) OnUserConnected(fn func(peerID string)) { c.onUserConnected = fn }

// OnSignalReceived fires for every blob relayed from another peer.
func (c *Client) OnSignalReceived(fn func(Envelope)) { c.onSignalReceived = fn }

// OnPeerDisconnected fires when the other peer leaves or the relay
// connection drops. The two are indistinguishable to the caller.
func (c *Client) OnPeerDisconnected(fn func()) { c.onPeerDisconnected = fn }

// JoinRoom asks the relay to add this connection to roomID. A full room is
// reported by Run as ErrRoomFull.
func (c *Client) JoinRoom(roomID string) error {
	return c.send(Message{Event: EventJoinRoom, RoomID: roomID})
}

// SendSignal relays signal to targetID.
func (c *Client) SendSignal(targetID string, signal json.RawMessage) error {
	return c.send(Message{Event: EventSendSignal, TargetID: targetID, Signal: signal})
}

func (c *Client) send(msg Message) error {
	if c.closed.Load() {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrDisconnected, msg.Event, err)
	}
	return nil
}

// Run reads relay events and dispatches them to the handlers until ctx is
// done, Close is called, or the connection fails. A failed connection fires
// OnPeerDisconnected and returns an error wrapping ErrDisconnected; a full
// room returns ErrRoomFull.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closed.Load() {
				return ctx.Err()
			}
			c.closed.Store(true)
			c.conn.Close()
			c.peerDisconnected()
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}

		switch msg.Event {
		case EventUserConnected:
			util.LogDebug("relay: peer %s joined", msg.PeerID)
			if c.onUserConnected != nil {
				c.onUserConnected(msg.PeerID)
			}

		case EventReceiveSignal:
			if c.onSignalReceived != nil {
				c.onSignalReceived(Envelope{SenderID: msg.SenderID, Signal: msg.Signal})
			}

		case EventUserDisconnected:
			util.LogDebug("relay: peer %s left", msg.PeerID)
			c.peerDisconnected()

		case EventError:
			if msg.Message == msgRoomFull {
				c.Close()
				return ErrRoomFull
			}
			util.LogWarning("relay error: %s", msg.Message)

		case EventWelcome:
		default:
			util.LogDebug("relay: ignoring event %q", msg.Event)
		}
	}
}

func (c *Client) peerDisconnected() {
	if c.onPeerDisconnected != nil {
		c.onPeerDisconnected()
	}
}

// Close shuts down the relay connection. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return errors.Join(ignoreClosed(err), c.conn.Close())
}

func ignoreClosed(err error) error {
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
