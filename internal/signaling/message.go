// Package signaling relays WebRTC negotiation blobs between the two members
// of a room over a WebSocket: the Client used by each peer and the Server
// relay they both dial.
package signaling

import (
	"encoding/json"
	"errors"
)

// EventType names a relay wire event.
type EventType string

const (
	// client -> relay
	EventJoinRoom   EventType = "join-room"
	EventSendSignal EventType = "send-signal"

	// relay -> client
	EventWelcome          EventType = "welcome"
	EventUserConnected    EventType = "user-connected"
	EventReceiveSignal    EventType = "receive-signal"
	EventUserDisconnected EventType = "user-disconnected"
	EventError            EventType = "error"
)

// RoomCapacity is the number of peers a room holds.
const RoomCapacity = 2

const msgRoomFull = "room is full"

var (
	// ErrDisconnected is returned once the relay connection is gone.
	ErrDisconnected = errors.New("signaling disconnected")

	// ErrRoomFull is returned when the relay refuses a join.
	ErrRoomFull = errors.New(msgRoomFull)
)

// Message is the JSON structure exchanged with the relay. Only the fields
// relevant to Event are set.
type Message struct {
	Event    EventType       `json:"event"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Envelope is a negotiation blob delivered from another room member. The
// relay never inspects Signal.
type Envelope struct {
	SenderID string
	Signal   json.RawMessage
}
