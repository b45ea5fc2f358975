package transfer

import (
	"fmt"
	"io"

	"github.com/1ureka/pipeline/internal/protocol"
	"github.com/1ureka/pipeline/internal/util"
)

// Sink is a streaming destination for received bytes. Commit finalizes it;
// Abort discards whatever was written.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// SinkOpener opens a sink sized for an offer.
type SinkOpener interface {
	Open(meta protocol.FileMetadata) (Sink, error)
}

// Receiver accumulates chunks of one offered file into a sink.
type Receiver struct {
	meta     protocol.FileMetadata
	sink     Sink
	received int64
}

// Begin opens a sink for meta. On failure nothing is left behind and the
// error wraps ErrSink, or ErrProtocolViolation for a negative size.
func Begin(opener SinkOpener, meta protocol.FileMetadata) (*Receiver, error) {
	if meta.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrProtocolViolation, meta.Size)
	}
	sink, err := opener.Open(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrSink, meta.Name, err)
	}
	return &Receiver{meta: meta, sink: sink}, nil
}

// Consume appends chunk and returns the progress percentage. Bytes beyond
// the declared size are discarded and reported with an error wrapping
// ErrProtocolViolation, which callers may treat as a warning. A write
// failure wraps ErrSink.
func (r *Receiver) Consume(chunk []byte) (int, error) {
	var violation error
	if remaining := r.meta.Size - r.received; int64(len(chunk)) > remaining {
		violation = fmt.Errorf("%w: %d excess bytes discarded", ErrProtocolViolation, int64(len(chunk))-remaining)
		chunk = chunk[:remaining]
	}

	if len(chunk) > 0 {
		n, err := r.sink.Write(chunk)
		r.received += int64(n)
		util.Stats.AddRecv(n)
		if err != nil {
			return Percent(r.received, r.meta.Size), fmt.Errorf("%w: write: %w", ErrSink, err)
		}
	}

	return Percent(r.received, r.meta.Size), violation
}

// Done reports whether the declared size has been reached.
func (r *Receiver) Done() bool { return r.received >= r.meta.Size }

// Received returns the number of bytes written so far.
func (r *Receiver) Received() int64 { return r.received }

// Metadata returns the offer being received.
func (r *Receiver) Metadata() protocol.FileMetadata { return r.meta }

// Commit finalizes the sink.
func (r *Receiver) Commit() error {
	if err := r.sink.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrSink, err)
	}
	return nil
}

// Abort discards the partial output.
func (r *Receiver) Abort() error {
	return r.sink.Abort()
}

// Location returns where the sink stored the file, if it knows.
func (r *Receiver) Location() string {
	if l, ok := r.sink.(interface{ Path() string }); ok {
		return l.Path()
	}
	return ""
}
