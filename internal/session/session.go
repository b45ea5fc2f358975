// Package session runs one file-transfer session between two peers: it
// drives signaling and the peer transport, and owns the transfer state
// machine on a single goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/protocol"
	"github.com/1ureka/pipeline/internal/signaling"
	"github.com/1ureka/pipeline/internal/transfer"
	"github.com/1ureka/pipeline/internal/util"
)

var (
	ErrWrongRole      = errors.New("command not valid for this role")
	ErrNoOffer        = errors.New("no pending offer")
	ErrNoFile         = errors.New("no file selected")
	ErrBusy           = errors.New("transfer in progress")
	ErrClosed         = errors.New("session closed")
	ErrAlreadyRunning = errors.New("session already running")
)

const eventQueueSize = 256

// linkCloseGrace is how long a failed send waits for the link to report
// closing. The channel can refuse writes before its close callback runs.
var linkCloseGrace = time.Second

// Transport is the peer link the session drives. *transport.Peer
// implements it.
type Transport interface {
	Initialize(isInitiator bool) error
	Signal(raw json.RawMessage) error
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() int
	Drained() <-chan struct{}
	Done() <-chan struct{}
	OnSignal(func(json.RawMessage))
	OnConnect(func())
	OnData(func(data []byte, isText bool))
	OnError(func(error))
	OnClose(func())
	Close() error
}

// TransportFactory creates a fresh, uninitialized Transport.
type TransportFactory func() Transport

// Signaler is the relay connection. *signaling.Client implements it.
type Signaler interface {
	ID() string
	JoinRoom(roomID string) error
	SendSignal(targetID string, signal json.RawMessage) error
	OnUserConnected(func(peerID string))
	OnSignalReceived(func(signaling.Envelope))
	OnPeerDisconnected(func())
	Run(ctx context.Context) error
	Close() error
}

// Options configures a Session.
type Options struct {
	Role      config.Role
	Initiator bool // creates the room and the offer; waits for user-connected
	RoomID    string
	Config    *config.Config

	Signaler     Signaler
	NewTransport TransportFactory

	// Sink receives incoming files. Defaults to a DirOpener on
	// Config.DownloadDir.
	Sink transfer.SinkOpener

	Observers []Observer
}

// Session is one transfer session. All state below the loop marker is
// owned by the Run goroutine.
type Session struct {
	role      config.Role
	initiator bool
	roomID    string
	cfg       *config.Config
	signaler  Signaler
	factory   TransportFactory
	sink      transfer.SinkOpener
	observers []Observer

	events    chan event
	stop      chan struct{}
	done      chan struct{}
	running   atomic.Bool
	closeOnce sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	// loop-owned
	ctx         context.Context
	phase       Phase
	conn        Connection
	progress    int
	peerPresent bool
	remotePeer  string
	lastErr     error
	location    string

	tr    Transport
	trGen uint64

	file     *transfer.Source
	fileMeta *protocol.FileMetadata
	sendGen  uint64
	sendStop context.CancelFunc

	offer *protocol.FileMetadata
	recv  *transfer.Receiver
}

// New validates opts and creates a Session. Call Run to start it.
func New(opts Options) (*Session, error) {
	if opts.Role != config.RoleSender && opts.Role != config.RoleReceiver {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.Signaler == nil || opts.NewTransport == nil {
		return nil, errors.New("session requires a signaler and a transport factory")
	}
	if opts.RoomID == "" {
		return nil, errors.New("session requires a room id")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Sink == nil {
		opts.Sink = transfer.DirOpener{Dir: opts.Config.DownloadDir}
	}

	s := &Session{
		role:      opts.Role,
		initiator: opts.Initiator,
		roomID:    opts.RoomID,
		cfg:       opts.Config,
		signaler:  opts.Signaler,
		factory:   opts.NewTransport,
		sink:      opts.Sink,
		observers: opts.Observers,
		events:    make(chan event, eventQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		phase:     PhaseIdle,
		conn:      Connecting,
	}
	s.snap = s.snapshot()
	return s, nil
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// State returns the latest snapshot.
func (s *Session) State() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// SelectFile queues the file at path for sending. When the peer is already
// connected the offer goes out at once.
func (s *Session) SelectFile(path string) error {
	if s.role != config.RoleSender {
		return ErrWrongRole
	}
	src, err := transfer.OpenSource(path)
	if err != nil {
		return err
	}
	return s.command(func(reply chan error) event { return cmdSelectFile{src: src, reply: reply} })
}

// Accept opens the sink for the pending offer and tells the sender to start.
// A sink failure wraps transfer.ErrSink and keeps the offer.
func (s *Session) Accept() error {
	if s.role != config.RoleReceiver {
		return ErrWrongRole
	}
	return s.command(func(reply chan error) event { return cmdAccept{reply} })
}

// Reject declines the pending offer.
func (s *Session) Reject() error {
	if s.role != config.RoleReceiver {
		return ErrWrongRole
	}
	return s.command(func(reply chan error) event { return cmdReject{reply} })
}

// Reset aborts any transfer and returns to IDLE. The selected file is kept.
func (s *Session) Reset() error {
	return s.command(func(reply chan error) event { return cmdReset{reply} })
}

// Retry resets and offers the selected file again.
func (s *Session) Retry() error {
	if s.role != config.RoleSender {
		return ErrWrongRole
	}
	return s.command(func(reply chan error) event { return cmdRetry{reply} })
}

// Close stops the session and waits for Run to return.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	if s.running.CompareAndSwap(false, true) {
		close(s.done)
		return nil
	}
	<-s.done
	return nil
}

func (s *Session) command(build func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case s.events <- build(reply):
	case <-s.done:
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// post enqueues an event from a callback goroutine.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run joins the room and processes events until ctx is done, Close is
// called, or the relay refuses the room.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	s.signaler.OnUserConnected(func(id string) { s.post(evUserConnected{peerID: id}) })
	s.signaler.OnSignalReceived(func(env signaling.Envelope) { s.post(evRemoteSignal{env: env}) })
	s.signaler.OnPeerDisconnected(func() { s.post(evPeerDisconnected{}) })

	if err := s.signaler.JoinRoom(s.roomID); err != nil {
		s.shutdown()
		return fmt.Errorf("join room %s: %w", s.roomID, err)
	}
	util.LogDebug("joined room %s as %s %s (initiator=%t)", s.roomID, s.role, s.signaler.ID(), s.initiator)

	sigDone := make(chan error, 1)
	go func() { sigDone <- s.signaler.Run(ctx) }()

	if !s.initiator {
		s.startTransport(false)
	}

	var runErr error
loop:
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)

		case err := <-sigDone:
			sigDone = nil
			if errors.Is(err, signaling.ErrRoomFull) {
				runErr = fmt.Errorf("join room %s: %w", s.roomID, err)
				break loop
			}
			if err != nil && ctx.Err() == nil {
				util.LogWarning("signaling ended: %v", err)
			}

		case <-s.stop:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	s.shutdown()
	return runErr
}

// shutdown releases every resource and publishes a final disconnected
// snapshot so observers holding resources let go of them.
func (s *Session) shutdown() {
	s.stopSender()
	if s.recv != nil {
		if err := s.recv.Abort(); err != nil {
			util.LogWarning("discard partial file: %v", err)
		}
		s.recv = nil
	}
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	s.signaler.Close()

	if s.conn != Disconnected {
		prev := s.State()
		s.conn = Disconnected
		s.peerPresent = false
		s.emit(EventState, prev)
	}
	close(s.done)
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Role:        s.role,
		RoomID:      s.roomID,
		Phase:       s.phase,
		Connection:  s.conn,
		Progress:    s.progress,
		PeerPresent: s.peerPresent,
		RemotePeer:  s.remotePeer,
		Location:    s.location,
		Err:         s.lastErr,
	}
	meta := s.offer
	if s.role == config.RoleSender {
		meta = s.fileMeta
	}
	if meta != nil {
		m := *meta
		snap.File = &m
	}
	return snap
}

// emit publishes the current state and notifies observers.
func (s *Session) emit(kind EventKind, prev Snapshot) {
	next := s.snapshot()
	s.snapMu.Lock()
	s.snap = next
	s.snapMu.Unlock()

	for _, o := range s.observers {
		o(Event{Kind: kind, Prev: prev, Next: next})
	}
}
