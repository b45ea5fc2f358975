package session

import (
	"encoding/json"

	"github.com/1ureka/pipeline/internal/signaling"
	"github.com/1ureka/pipeline/internal/transfer"
)

// event is anything the session loop consumes. Transport events carry the
// generation of the transport that produced them so callbacks from a
// replaced transport are ignored.
type event interface{ isEvent() }

// User commands. Each carries a reply channel the loop answers exactly once.
type (
	cmdSelectFile struct {
		src   *transfer.Source
		reply chan error
	}
	cmdAccept struct{ reply chan error }
	cmdReject struct{ reply chan error }
	cmdReset  struct{ reply chan error }
	cmdRetry  struct{ reply chan error }
)

// Signaling callbacks.
type (
	evUserConnected    struct{ peerID string }
	evRemoteSignal     struct{ env signaling.Envelope }
	evPeerDisconnected struct{}
)

// Transport callbacks.
type (
	evLocalSignal struct {
		gen uint64
		raw json.RawMessage
	}
	evLinkUp struct{ gen uint64 }
	evData   struct {
		gen    uint64
		data   []byte
		isText bool
	}
	evLinkDown struct {
		gen uint64
		err error // nil for an orderly close
	}
)

// Chunked sender reports.
type (
	evSendProgress struct {
		gen     uint64
		percent int
	}
	evSendDone struct {
		gen uint64
		err error
		// linkLost is set when the send failed because the link closed.
		linkLost bool
	}
)

func (cmdSelectFile) isEvent()      {}
func (cmdAccept) isEvent()          {}
func (cmdReject) isEvent()          {}
func (cmdReset) isEvent()           {}
func (cmdRetry) isEvent()           {}
func (evUserConnected) isEvent()    {}
func (evRemoteSignal) isEvent()     {}
func (evPeerDisconnected) isEvent() {}
func (evLocalSignal) isEvent()      {}
func (evLinkUp) isEvent()           {}
func (evData) isEvent()             {}
func (evLinkDown) isEvent()         {}
func (evSendProgress) isEvent()     {}
func (evSendDone) isEvent()         {}
