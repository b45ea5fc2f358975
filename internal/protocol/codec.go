package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrDecode marks a brace-shaped payload that could not be parsed into a
// control message. Such payloads are still delivered as chunks.
var ErrDecode = errors.New("control frame decode failed")

// FrameKind tells control frames and chunks apart.
type FrameKind uint8

const (
	FrameChunk FrameKind = iota
	FrameControl
)

func (k FrameKind) String() string {
	if k == FrameControl {
		return "control"
	}
	return "chunk"
}

// Frame is one classified DataChannel payload.
type Frame struct {
	Kind    FrameKind
	Control Message // valid when Kind == FrameControl
	Chunk   []byte  // valid when Kind == FrameChunk
}

// Encode serializes a control message as UTF-8 JSON text.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode classifies a payload by sniffing its content: valid UTF-8 whose
// trimmed text is wrapped in braces and parses into a message with a known
// type is control; everything else is a chunk.
//
// This is a heuristic, not framing. A binary chunk that happens to be valid
// text of the form {"type":"HELLO"} is misclassified. Use Classify with
// strict set to avoid sniffing binary messages at all.
//
// The returned error wraps ErrDecode when a brace-shaped payload failed to
// parse; the frame is still a usable chunk in that case.
func Decode(payload []byte) (Frame, error) {
	chunk := Frame{Kind: FrameChunk, Chunk: payload}

	if !utf8.Valid(payload) {
		return chunk, nil
	}

	text := bytes.TrimSpace(payload)
	if len(text) < 2 || text[0] != '{' || text[len(text)-1] != '}' {
		return chunk, nil
	}

	var msg Message
	if err := json.Unmarshal(text, &msg); err != nil {
		return chunk, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !msg.Type.Known() {
		return chunk, fmt.Errorf("%w: unrecognized type %q", ErrDecode, msg.Type)
	}

	return Frame{Kind: FrameControl, Control: msg}, nil
}

// Classify decodes a DataChannel message. With strict set, messages the
// channel delivered as binary are chunks without inspection and only text
// messages are parsed; otherwise every payload goes through Decode.
func Classify(payload []byte, isText, strict bool) (Frame, error) {
	if strict && !isText {
		return Frame{Kind: FrameChunk, Chunk: payload}, nil
	}
	return Decode(payload)
}
