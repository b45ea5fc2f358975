// Package transfer moves one file through a DataChannel: a chunked sender
// honoring backpressure and a chunked receiver writing into a sink.
package transfer

import "errors"

var (
	// ErrTransport marks a failure of the underlying channel. Terminal.
	ErrTransport = errors.New("transport failure")

	// ErrSource marks a local read failure or a file shorter than announced.
	ErrSource = errors.New("source read failure")

	// ErrSink marks a destination that could not be opened or written.
	// Opening failures are recoverable: the offer stays intact.
	ErrSink = errors.New("sink failure")

	// ErrProtocolViolation marks an offer or stream the peer got wrong: a
	// negative size, or more bytes than declared. Excess bytes are
	// discarded and the transfer still completes.
	ErrProtocolViolation = errors.New("protocol violation")
)
