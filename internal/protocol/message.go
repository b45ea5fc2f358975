// Package protocol defines the application frames exchanged over the
// DataChannel: JSON control messages and raw binary file chunks.
package protocol

// MessageType tags a control message.
type MessageType string

const (
	TypeHello    MessageType = "HELLO"    // peer is live and has nothing queued
	TypeMetadata MessageType = "METADATA" // file offer
	TypeStatus   MessageType = "STATUS"   // receiver's answer to an offer
)

// Status is the receiver's decision carried by a STATUS message.
type Status string

const (
	StatusDownloadStarted  Status = "DOWNLOAD_STARTED"
	StatusDownloadRejected Status = "DOWNLOAD_REJECTED"
)

// FileMetadata describes an offered file. It is immutable once sent.
type FileMetadata struct {
	ID       string `json:"id"`   // unique per offer
	Name     string `json:"name"` // base name only
	Size     int64  `json:"size"` // bytes, >= 0
	MimeType string `json:"type"`
}

// Message is a control message. Payload is set only for METADATA and Status
// only for STATUS.
type Message struct {
	Type    MessageType   `json:"type"`
	Payload *FileMetadata `json:"payload,omitempty"`
	Status  Status        `json:"status,omitempty"`
}

// Hello builds a HELLO message.
func Hello() Message {
	return Message{Type: TypeHello}
}

// Metadata builds a METADATA message carrying a copy of meta.
func Metadata(meta FileMetadata) Message {
	return Message{Type: TypeMetadata, Payload: &meta}
}

// StatusMessage builds a STATUS message.
func StatusMessage(status Status) Message {
	return Message{Type: TypeStatus, Status: status}
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeHello, TypeMetadata, TypeStatus:
		return true
	}
	return false
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s == StatusDownloadStarted || s == StatusDownloadRejected
}
