package session

import (
	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/protocol"
)

// Phase is the transfer phase of a session.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseWaitingAccept Phase = "WAITING_ACCEPT"
	PhaseTransferring  Phase = "TRANSFERRING"
	PhaseCompleted     Phase = "COMPLETED"
	PhaseError         Phase = "ERROR"
	PhaseRejected      Phase = "REJECTED"
)

// Connection is the peer-link sub-state.
type Connection string

const (
	Connecting   Connection = "CONNECTING"
	Connected    Connection = "CONNECTED"
	Disconnected Connection = "DISCONNECTED"
)

// Snapshot is a copy of the observable session state.
type Snapshot struct {
	Role        config.Role
	RoomID      string
	Phase       Phase
	Connection  Connection
	Progress    int
	PeerPresent bool
	RemotePeer  string

	// File is the selected file on the sender and the pending or current
	// offer on the receiver.
	File *protocol.FileMetadata

	// Location is where the last received file was stored.
	Location string

	// Err is the failure behind PhaseError.
	Err error
}

// Transferring reports whether a transfer is in flight over a live link.
func (s Snapshot) Transferring() bool {
	return s.Phase == PhaseTransferring && s.Connection != Disconnected
}

// EventKind says what caused a transition.
type EventKind string

const (
	EventState     EventKind = "state"
	EventConnected EventKind = "connected"
	EventOffer     EventKind = "offer"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventRejected  EventKind = "rejected"
	EventError     EventKind = "error"
	EventPeerLeft  EventKind = "peer-left"
)

// Event is delivered to observers after every transition.
type Event struct {
	Kind EventKind
	Prev Snapshot
	Next Snapshot
}

// Observer is called on the session goroutine and must not block.
type Observer func(Event)
