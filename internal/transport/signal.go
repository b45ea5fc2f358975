package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrBadSignal marks a signaling blob this adapter cannot apply.
var ErrBadSignal = errors.New("unsupported signal")

// SignalType identifies the kind of negotiation blob.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is the negotiation blob relayed between peers. The shape matches
// what browser peers built on simple-peer emit, so either side can be a
// browser:
//
//	{"type":"offer","sdp":"v=0..."}
//	{"type":"candidate","candidate":{"candidate":"...","sdpMid":"0","sdpMLineIndex":0}}
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ParseSignal decodes and validates a relayed blob.
func ParseSignal(raw json.RawMessage) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrBadSignal, err)
	}

	switch sig.Type {
	case SignalOffer, SignalAnswer:
		if sig.SDP == "" {
			return Signal{}, fmt.Errorf("%w: %s without sdp", ErrBadSignal, sig.Type)
		}
	case SignalCandidate:
		if sig.Candidate == nil {
			return Signal{}, fmt.Errorf("%w: candidate without payload", ErrBadSignal)
		}
	default:
		return Signal{}, fmt.Errorf("%w: type %q", ErrBadSignal, sig.Type)
	}
	return sig, nil
}

// Encode serializes the signal for relaying.
func (s Signal) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

func signalFromDescription(desc webrtc.SessionDescription) Signal {
	return Signal{Type: SignalType(desc.Type.String()), SDP: desc.SDP}
}

func (s Signal) description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if s.Type == SignalAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: s.SDP}
}
