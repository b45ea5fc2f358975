package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/util"
)

// Channel is the part of a transport the sender needs.
type Channel interface {
	Send(data []byte) error
	BufferedAmount() int
}

// Drainer is implemented by channels that can signal when their buffered
// amount has fallen below the low-water mark. The sender also polls, so a
// channel without it still works.
type Drainer interface {
	Drained() <-chan struct{}
}

// SenderOptions tunes piece size and backpressure. Zero values fall back to
// the config package defaults.
type SenderOptions struct {
	ChunkSize     int
	HighWaterMark int
	LowWaterMark  int
	PollInterval  time.Duration
}

func (o SenderOptions) withDefaults() SenderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = config.DefaultChunkSize
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = config.DefaultHighWaterMark
	}
	if o.LowWaterMark <= 0 {
		o.LowWaterMark = config.DefaultLowWaterMark
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	return o
}

// Sender pushes a file into a Channel in bounded pieces.
type Sender struct {
	ch   Channel
	opts SenderOptions
}

// NewSender creates a Sender writing to ch.
func NewSender(ch Channel, opts SenderOptions) *Sender {
	return &Sender{ch: ch, opts: opts.withDefaults()}
}

// Send reads exactly size bytes from r and writes them to the channel,
// reporting progress (0..100) whenever the percentage changes. Before each
// piece it waits while the channel holds more than the high-water mark,
// until the buffered amount drops below the low-water mark.
//
// A channel failure wraps ErrTransport, a short or failing reader wraps
// ErrSource, and cancellation returns ctx.Err().
func (s *Sender) Send(ctx context.Context, r io.Reader, size int64, onProgress func(int)) error {
	if onProgress == nil {
		onProgress = func(int) {}
	}

	last := -1
	report := func(p int) {
		if p != last {
			last = p
			onProgress(p)
		}
	}

	var sent int64
	for sent < size {
		if err := s.waitForDrain(ctx); err != nil {
			return err
		}

		n := int64(s.opts.ChunkSize)
		if remaining := size - sent; remaining < n {
			n = remaining
		}

		piece := make([]byte, n)
		if _, err := io.ReadFull(r, piece); err != nil {
			return fmt.Errorf("%w: read at offset %d: %w", ErrSource, sent, err)
		}

		if err := s.ch.Send(piece); err != nil {
			return fmt.Errorf("%w: send at offset %d: %w", ErrTransport, sent, err)
		}

		sent += n
		util.Stats.AddSent(int(n))
		report(Percent(sent, size))
	}

	report(100)
	return nil
}

// waitForDrain blocks while the channel is above the high-water mark and
// returns once it is below the low-water mark. It re-checks whenever the
// channel signals a drain and at every poll tick.
func (s *Sender) waitForDrain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ch.BufferedAmount() <= s.opts.HighWaterMark {
		return nil
	}

	var drained <-chan struct{}
	if d, ok := s.ch.(Drainer); ok {
		drained = d.Drained()
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	util.LogDebug("backpressure: buffered=%d, waiting for < %d", s.ch.BufferedAmount(), s.opts.LowWaterMark)
	for s.ch.BufferedAmount() >= s.opts.LowWaterMark {
		select {
		case <-drained:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Percent returns floor(100*done/total) clamped to [0, 100]. An empty total
// is complete by definition.
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	if done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}
