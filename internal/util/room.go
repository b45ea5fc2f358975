package util

import (
	"strings"

	"github.com/google/uuid"
)

// RoomIDLength is the length of generated room identifiers.
const RoomIDLength = 8

// NewRoomID returns a random, fixed-length room identifier suitable for
// sharing out of band (the first segment of a random UUID).
func NewRoomID() string {
	return uuid.NewString()[:RoomIDLength]
}

// NormalizeRoomID trims whitespace and strips a share-link prefix so that
// both "a1b2c3d4" and "https://host/download/a1b2c3d4" yield the bare id.
func NormalizeRoomID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}
