// Package transport adapts a pion PeerConnection and its single DataChannel
// into the capability surface the transfer session needs: initialize,
// apply relayed signals, send, buffered amount, and connect/data/error/close
// notifications.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/util"
)

var (
	// ErrClosed is returned by Send after the channel closed or failed.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected is returned by Send before the DataChannel opened.
	ErrNotConnected = errors.New("transport not connected")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("transport already initialized")
)

// Options configures a Peer.
type Options struct {
	STUNServers  []string
	Trickle      bool // relay candidates individually instead of one complete SDP
	MDNS         bool // gather .local candidates
	Loopback     bool // include loopback candidates (local testing)
	LowWaterMark int  // bufferedamountlow threshold feeding Drained
}

// OptionsFromConfig extracts the transport settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		STUNServers:  cfg.STUNServers,
		Trickle:      cfg.Trickle,
		MDNS:         cfg.MDNS,
		LowWaterMark: cfg.LowWaterMark,
	}
}

// Peer wraps a single PeerConnection + DataChannel pair. Handlers must be
// registered before Initialize. The close and error notifications are
// terminal: exactly one of them fires, once, and Send fails afterwards.
type Peer struct {
	api  *webrtc.API
	opts Options

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	initiator bool
	pending   []webrtc.ICECandidateInit // candidates received before the remote description

	onSignal  func(json.RawMessage)
	onConnect func()
	onData    func(data []byte, isText bool)
	onError   func(error)
	onClose   func()

	drainSignal chan struct{}
	done        chan struct{}

	connectOnce   sync.Once
	terminateOnce sync.Once
	terminated    atomic.Bool
}

// New creates an uninitialized Peer.
func New(opts Options) *Peer {
	if opts.LowWaterMark <= 0 {
		opts.LowWaterMark = config.DefaultLowWaterMark
	}
	return &Peer{
		api:         newAPI(opts),
		opts:        opts,
		drainSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnSignal registers the callback receiving blobs that must be relayed to
// the remote peer. The caller decides the relay target.
func (p *Peer) OnSignal(fn func(json.RawMessage)) { p.mu.Lock(); p.onSignal = fn; p.mu.Unlock() }

// OnConnect registers the callback fired once when the DataChannel opens.
func (p *Peer) OnConnect(fn func()) { p.mu.Lock(); p.onConnect = fn; p.mu.Unlock() }

// OnData registers the callback for every inbound message. isText reports
// whether the remote sent it as a string message.
func (p *Peer) OnData(fn func(data []byte, isText bool)) { p.mu.Lock(); p.onData = fn; p.mu.Unlock() }

// OnError registers the terminal error callback.
func (p *Peer) OnError(fn func(error)) { p.mu.Lock(); p.onError = fn; p.mu.Unlock() }

// OnClose registers the terminal close callback.
func (p *Peer) OnClose(fn func()) { p.mu.Lock(); p.onClose = fn; p.mu.Unlock() }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize creates the PeerConnection. The initiator creates the
// DataChannel and produces an offer through OnSignal; the joiner waits for
// an offer to arrive via Signal.
func (p *Peer) Initialize(isInitiator bool) error {
	p.mu.Lock()
	if p.pc != nil {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}

	pc, err := newPeerConnection(p.api, p.opts.STUNServers)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create PeerConnection: %w", err)
	}
	p.pc = pc
	p.initiator = isInitiator
	p.mu.Unlock()

	util.LogDebug("initializing WebRTC peer (initiator=%t, trickle=%t)", isInitiator, p.opts.Trickle)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.opts.Trickle {
			return
		}
		init := c.ToJSON()
		p.emitSignal(Signal{Type: SignalCandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.terminate(fmt.Errorf("%w: peer connection failed", ErrClosed))
		case webrtc.PeerConnectionStateClosed:
			p.terminate(nil)
		}
	})

	if !isInitiator {
		pc.OnDataChannel(p.bindChannel)
		return nil
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		return fmt.Errorf("create DataChannel: %w", err)
	}
	p.bindChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	return p.setLocalDescription(pc, offer)
}

// Close shuts down the DataChannel and PeerConnection without firing the
// close callback; the caller already knows.
func (p *Peer) Close() error {
	p.terminateOnce.Do(func() {
		p.terminated.Store(true)
		close(p.done)
	})

	p.mu.Lock()
	pc, dc := p.pc, p.dc
	p.mu.Unlock()

	var errs []error
	if dc != nil {
		errs = append(errs, dc.Close())
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}

// terminate fires exactly one terminal notification: onError when err is
// non-nil, onClose otherwise.
func (p *Peer) terminate(err error) {
	p.terminateOnce.Do(func() {
		p.terminated.Store(true)
		close(p.done)

		p.mu.Lock()
		onError, onClose := p.onError, p.onClose
		p.mu.Unlock()

		if err != nil {
			util.LogWarning("transport error: %v", err)
			if onError != nil {
				onError(err)
			}
			return
		}
		util.LogDebug("transport closed")
		if onClose != nil {
			onClose()
		}
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// Signal applies a blob relayed from the remote peer: an offer (answered
// through OnSignal), an answer, or an ICE candidate.
func (p *Peer) Signal(raw json.RawMessage) error {
	sig, err := ParseSignal(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	pc, initiator := p.pc, p.initiator
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: signal before Initialize", ErrNotConnected)
	}

	switch sig.Type {
	case SignalOffer:
		if initiator {
			return fmt.Errorf("%w: initiator received an offer", ErrBadSignal)
		}
		if err := pc.SetRemoteDescription(sig.description()); err != nil {
			return fmt.Errorf("SetRemoteDescription: %w", err)
		}
		p.flushCandidates(pc)

		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("CreateAnswer: %w", err)
		}
		return p.setLocalDescription(pc, answer)

	case SignalAnswer:
		if err := pc.SetRemoteDescription(sig.description()); err != nil {
			return fmt.Errorf("SetRemoteDescription: %w", err)
		}
		p.flushCandidates(pc)
		return nil

	case SignalCandidate:
		if pc.RemoteDescription() == nil {
			p.mu.Lock()
			p.pending = append(p.pending, *sig.Candidate)
			p.mu.Unlock()
			return nil
		}
		if err := pc.AddICECandidate(*sig.Candidate); err != nil {
			return fmt.Errorf("AddICECandidate: %w", err)
		}
	}
	return nil
}

// setLocalDescription applies desc and announces it. Without trickle the
// announcement waits until gathering completes so the SDP carries every
// candidate.
func (p *Peer) setLocalDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	var gathered <-chan struct{}
	if !p.opts.Trickle {
		gathered = webrtc.GatheringCompletePromise(pc)
	}

	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	if p.opts.Trickle {
		p.emitSignal(signalFromDescription(desc))
		return nil
	}

	go func() {
		select {
		case <-gathered:
		case <-p.done:
			return
		}
		if local := pc.LocalDescription(); local != nil {
			p.emitSignal(signalFromDescription(*local))
		}
	}()
	return nil
}

func (p *Peer) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			util.LogWarning("AddICECandidate (queued) failed: %v", err)
		}
	}
}

func (p *Peer) emitSignal(sig Signal) {
	if p.terminated.Load() {
		return
	}
	raw, err := sig.Encode()
	if err != nil {
		util.LogError("failed to encode %s signal: %v", sig.Type, err)
		return
	}

	p.mu.Lock()
	fn := p.onSignal
	p.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// ---------------------------------------------------------------------------
// DataChannel
// ---------------------------------------------------------------------------

// bindChannel wires the DataChannel callbacks: open gate, backpressure
// drain signal, inbound messages, and the terminal error/close events.
func (p *Peer) bindChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	if p.dc != nil {
		p.mu.Unlock()
		util.LogWarning("ignoring extra DataChannel %q", dc.Label())
		return
	}
	p.dc = dc
	p.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(uint64(p.opts.LowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case p.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		p.connectOnce.Do(func() {
			util.LogDebug("DataChannel %q open", dc.Label())
			p.mu.Lock()
			fn := p.onConnect
			p.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onData
		p.mu.Unlock()
		if fn != nil {
			fn(msg.Data, msg.IsString)
		}
	})

	dc.OnError(func(err error) {
		p.terminate(fmt.Errorf("DataChannel: %w", err))
	})

	dc.OnClose(func() {
		p.terminate(nil)
	})
}

func (p *Peer) channel() (*webrtc.DataChannel, error) {
	if p.terminated.Load() {
		return nil, ErrClosed
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, ErrNotConnected
	}
	return dc, nil
}

// Send transmits a binary message.
func (p *Peer) Send(data []byte) error {
	dc, err := p.channel()
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// SendText transmits a string message.
func (p *Peer) SendText(text string) error {
	dc, err := p.channel()
	if err != nil {
		return err
	}
	return dc.SendText(text)
}

// BufferedAmount returns the bytes queued on the DataChannel but not yet
// sent, or 0 when there is no channel.
func (p *Peer) BufferedAmount() int {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return 0
	}
	return int(dc.BufferedAmount())
}

// Drained delivers a value whenever the buffered amount falls below the
// low-water mark.
func (p *Peer) Drained() <-chan struct{} {
	return p.drainSignal
}

// Done is closed once the Peer is closed or failed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}
