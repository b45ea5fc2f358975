package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/pipeline/internal/config"
	"github.com/1ureka/pipeline/internal/protocol"
	"github.com/1ureka/pipeline/internal/transfer"
	"github.com/1ureka/pipeline/internal/util"
)

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case cmdSelectFile:
		ev.reply <- s.selectFile(ev.src)
	case cmdAccept:
		ev.reply <- s.accept()
	case cmdReject:
		ev.reply <- s.reject()
	case cmdReset:
		s.reset()
		ev.reply <- nil
	case cmdRetry:
		ev.reply <- s.retry()

	case evUserConnected:
		s.onUserConnected(ev.peerID)
	case evRemoteSignal:
		s.onRemoteSignal(ev)
	case evPeerDisconnected:
		s.peerGone(nil)

	case evLocalSignal:
		if ev.gen == s.trGen {
			s.relaySignal(ev)
		}
	case evLinkUp:
		if ev.gen == s.trGen {
			s.onLinkUp()
		}
	case evData:
		if ev.gen == s.trGen {
			s.onData(ev.data, ev.isText)
		}
	case evLinkDown:
		if ev.gen == s.trGen {
			s.peerGone(ev.err)
		}

	case evSendProgress:
		if ev.gen == s.sendGen && s.sendStop != nil && ev.percent != s.progress {
			prev := s.State()
			s.progress = ev.percent
			s.emit(EventProgress, prev)
		}
	case evSendDone:
		if ev.gen == s.sendGen {
			s.onSendDone(ev)
		}

	default:
		panic(fmt.Sprintf("session: unhandled event %T", ev))
	}
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// startTransport replaces the current transport with a fresh one. Events
// from the old transport carry an older generation and are dropped.
func (s *Session) startTransport(initiator bool) {
	if s.tr != nil {
		s.stopSender()
		s.tr.Close()
	}

	s.trGen++
	gen := s.trGen
	tr := s.factory()
	tr.OnSignal(func(raw json.RawMessage) { s.post(evLocalSignal{gen: gen, raw: raw}) })
	tr.OnConnect(func() { s.post(evLinkUp{gen: gen}) })
	tr.OnData(func(data []byte, isText bool) { s.post(evData{gen: gen, data: data, isText: isText}) })
	tr.OnError(func(err error) { s.post(evLinkDown{gen: gen, err: err}) })
	tr.OnClose(func() { s.post(evLinkDown{gen: gen}) })
	s.tr = tr

	prev := s.State()
	s.conn = Connecting
	if s.phase == PhaseTransferring {
		// A transfer cannot continue over a new link.
		s.abortTransfer()
		s.phase = PhaseIdle
		s.progress = 0
	}

	if err := tr.Initialize(initiator); err != nil {
		util.LogError("failed to initialize transport: %v", err)
		s.conn = Disconnected
		s.lastErr = fmt.Errorf("%w: %w", transfer.ErrTransport, err)
		s.phase = PhaseError
		s.emit(EventError, prev)
		return
	}
	s.emit(EventState, prev)
}

func (s *Session) onUserConnected(peerID string) {
	if !s.initiator {
		util.LogDebug("ignoring user-connected %s as joiner", peerID)
		return
	}
	util.LogInfo("peer %s joined the room", peerID)
	s.remotePeer = peerID
	s.peerPresent = true
	s.startTransport(true)
}

func (s *Session) onRemoteSignal(ev evRemoteSignal) {
	if !s.initiator && ev.env.SenderID != "" {
		if s.conn == Disconnected && ev.env.SenderID != s.remotePeer {
			// A new sender joined after the old one left.
			s.startTransport(false)
		}
		s.remotePeer = ev.env.SenderID
	}
	if s.tr == nil {
		util.LogDebug("dropping signal from %s: no transport", ev.env.SenderID)
		return
	}
	if err := s.tr.Signal(ev.env.Signal); err != nil {
		util.LogWarning("failed to apply signal from %s: %v", ev.env.SenderID, err)
	}
}

func (s *Session) relaySignal(ev evLocalSignal) {
	if s.remotePeer == "" {
		util.LogDebug("dropping local signal: remote peer unknown")
		return
	}
	if err := s.signaler.SendSignal(s.remotePeer, ev.raw); err != nil {
		util.LogWarning("failed to relay signal: %v", err)
	}
}

func (s *Session) onLinkUp() {
	prev := s.State()
	s.conn = Connected
	s.peerPresent = true
	s.emit(EventConnected, prev)
	util.LogSuccess("P2P link established")

	if s.file == nil {
		s.sendControl(protocol.Hello())
	}
}

// peerGone handles the remote side going away, whether the relay or the
// transport noticed first. A running sender is cancelled; the phase stays.
func (s *Session) peerGone(err error) {
	if err != nil {
		util.LogWarning("peer link lost: %v", err)
	}
	if s.conn == Disconnected && !s.peerPresent {
		return
	}

	s.stopSender()
	prev := s.State()
	s.conn = Disconnected
	s.peerPresent = false
	s.emit(EventPeerLeft, prev)
}

// ---------------------------------------------------------------------------
// Data channel
// ---------------------------------------------------------------------------

func (s *Session) sendControl(msg protocol.Message) {
	if s.tr == nil {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	if err := s.tr.SendText(string(data)); err != nil {
		util.LogWarning("failed to send %s: %v", msg.Type, err)
	}
}

func (s *Session) onData(data []byte, isText bool) {
	frame, err := protocol.Classify(data, isText, s.cfg.StrictFraming)
	if err != nil {
		util.LogDebug("%v", err)
	}

	if frame.Kind == protocol.FrameControl {
		s.onControl(frame.Control)
		return
	}
	s.onChunk(frame.Chunk)
}

func (s *Session) onControl(msg protocol.Message) {
	util.LogDebug("control frame: %s", msg.Type)

	switch msg.Type {
	case protocol.TypeHello:
		if s.role == config.RoleSender && s.file != nil &&
			(s.phase == PhaseIdle || s.phase == PhaseWaitingAccept) {
			s.offerFile()
		}

	case protocol.TypeMetadata:
		if s.role != config.RoleReceiver {
			util.LogWarning("ignoring METADATA as sender")
			return
		}
		if msg.Payload == nil {
			util.LogWarning("ignoring METADATA without payload")
			return
		}
		if msg.Payload.Size < 0 {
			util.LogWarning("ignoring METADATA with negative size %d", msg.Payload.Size)
			return
		}
		if s.phase == PhaseTransferring {
			util.LogWarning("ignoring METADATA during a transfer")
			return
		}
		meta := *msg.Payload
		prev := s.State()
		s.offer = &meta
		s.phase = PhaseIdle
		s.progress = 0
		s.lastErr = nil
		s.emit(EventOffer, prev)

	case protocol.TypeStatus:
		if s.role != config.RoleSender {
			util.LogWarning("ignoring STATUS as receiver")
			return
		}
		switch msg.Status {
		case protocol.StatusDownloadStarted:
			if s.file != nil && (s.phase == PhaseIdle || s.phase == PhaseWaitingAccept) {
				s.startSending()
			}
		case protocol.StatusDownloadRejected:
			if s.phase != PhaseTransferring {
				prev := s.State()
				s.phase = PhaseRejected
				s.emit(EventRejected, prev)
			}
		default:
			util.LogWarning("ignoring unknown status %q", msg.Status)
		}
	}
}

func (s *Session) onChunk(chunk []byte) {
	if s.role != config.RoleReceiver || s.phase != PhaseTransferring || s.recv == nil {
		util.LogDebug("dropping %d byte chunk in phase %s", len(chunk), s.phase)
		return
	}

	percent, err := s.recv.Consume(chunk)
	if err != nil {
		if !errors.Is(err, transfer.ErrProtocolViolation) {
			s.recv.Abort()
			s.recv = nil
			s.fail(err)
			return
		}
		util.LogWarning("%v", err)
	}

	if percent != s.progress {
		prev := s.State()
		s.progress = percent
		s.emit(EventProgress, prev)
	}
	if s.recv.Done() {
		s.finishReceive()
	}
}

// ---------------------------------------------------------------------------
// Sender side
// ---------------------------------------------------------------------------

func (s *Session) selectFile(src *transfer.Source) error {
	if s.phase == PhaseTransferring {
		return ErrBusy
	}

	meta := src.Metadata()
	prev := s.State()
	s.file = src
	s.fileMeta = &meta
	s.phase = PhaseIdle
	s.progress = 0
	s.lastErr = nil
	s.emit(EventState, prev)

	if s.conn == Connected {
		s.offerFile()
	}
	return nil
}

func (s *Session) offerFile() {
	meta := s.file.Metadata()
	prev := s.State()
	s.fileMeta = &meta
	s.phase = PhaseWaitingAccept
	s.emit(EventState, prev)
	s.sendControl(protocol.Metadata(meta))
}

func (s *Session) startSending() {
	prev := s.State()
	s.phase = PhaseTransferring
	s.progress = 0
	s.lastErr = nil
	s.emit(EventState, prev)

	ctx, cancel := context.WithCancel(s.ctx)
	s.sendGen++
	s.sendStop = cancel
	gen := s.sendGen
	src := s.file
	linkDone := s.tr.Done()
	sender := transfer.NewSender(s.tr, transfer.SenderOptions{
		ChunkSize:     s.cfg.ChunkSize,
		HighWaterMark: s.cfg.HighWaterMark,
		LowWaterMark:  s.cfg.LowWaterMark,
		PollInterval:  s.cfg.PollInterval,
	})

	util.Stats.StartTransfer()
	util.LogInfo("sending %s (%s)", src.Name, util.FormatBytes(float64(src.Size)))

	go func() {
		err := func() error {
			r, err := src.Open()
			if err != nil {
				return err
			}
			defer r.Close()
			return sender.Send(ctx, r, src.Size, func(p int) {
				s.post(evSendProgress{gen: gen, percent: p})
			})
		}()
		lost := errors.Is(err, transfer.ErrTransport) && linkClosing(ctx, linkDone)
		s.post(evSendDone{gen: gen, err: err, linkLost: lost})
	}()
}

// linkClosing reports whether done closes within linkCloseGrace.
func linkClosing(ctx context.Context, done <-chan struct{}) bool {
	timer := time.NewTimer(linkCloseGrace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) onSendDone(ev evSendDone) {
	s.sendStop = nil
	err := ev.err

	switch {
	case err == nil:
		prev := s.State()
		s.phase = PhaseCompleted
		s.progress = 100
		util.Stats.FinishTransfer()
		s.emit(EventCompleted, prev)
		util.LogSuccess("sent %s", s.fileMeta.Name)

	case errors.Is(err, context.Canceled):
		util.LogDebug("sender cancelled")

	case ev.linkLost || (errors.Is(err, transfer.ErrTransport) && !s.peerPresent):
		// The close notification may still be queued; the phase stays.
		util.LogDebug("sender stopped after peer left: %v", err)
		s.peerGone(nil)

	default:
		s.fail(err)
	}
}

// stopSender cancels a running sender. Its late reports are ignored.
func (s *Session) stopSender() {
	if s.sendStop == nil {
		return
	}
	s.sendStop()
	s.sendStop = nil
	s.sendGen++
}

func (s *Session) retry() error {
	if s.file == nil {
		return ErrNoFile
	}
	s.reset()
	if s.conn == Connected {
		s.offerFile()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Receiver side
// ---------------------------------------------------------------------------

func (s *Session) accept() error {
	if s.offer == nil {
		return ErrNoOffer
	}
	if s.phase == PhaseTransferring {
		return ErrBusy
	}

	recv, err := transfer.Begin(s.sink, *s.offer)
	if err != nil {
		util.LogError("%v", err)
		return err
	}

	prev := s.State()
	s.recv = recv
	s.phase = PhaseTransferring
	s.progress = 0
	s.lastErr = nil
	s.location = ""
	util.Stats.StartTransfer()
	s.emit(EventState, prev)

	s.sendControl(protocol.StatusMessage(protocol.StatusDownloadStarted))

	if recv.Done() {
		s.finishReceive()
	}
	return nil
}

func (s *Session) reject() error {
	if s.offer == nil {
		return ErrNoOffer
	}
	if s.phase == PhaseTransferring {
		return ErrBusy
	}

	s.sendControl(protocol.StatusMessage(protocol.StatusDownloadRejected))
	prev := s.State()
	s.offer = nil
	s.phase = PhaseRejected
	s.emit(EventRejected, prev)
	return nil
}

func (s *Session) finishReceive() {
	recv := s.recv
	s.recv = nil
	if err := recv.Commit(); err != nil {
		s.fail(err)
		return
	}

	prev := s.State()
	s.location = recv.Location()
	s.offer = nil
	s.phase = PhaseCompleted
	s.progress = 100
	util.Stats.FinishTransfer()
	s.emit(EventCompleted, prev)
	util.LogSuccess("received %s", recv.Metadata().Name)
}

// ---------------------------------------------------------------------------
// Shared
// ---------------------------------------------------------------------------

// abortTransfer stops whichever side of a transfer is active.
func (s *Session) abortTransfer() {
	s.stopSender()
	if s.recv != nil {
		if err := s.recv.Abort(); err != nil {
			util.LogWarning("discard partial file: %v", err)
		}
		s.recv = nil
	}
}

func (s *Session) reset() {
	s.abortTransfer()
	prev := s.State()
	s.phase = PhaseIdle
	s.progress = 0
	s.offer = nil
	s.lastErr = nil
	s.location = ""
	s.emit(EventState, prev)
}

func (s *Session) fail(err error) {
	util.LogError("transfer failed: %v", err)
	prev := s.State()
	s.lastErr = err
	s.phase = PhaseError
	s.emit(EventError, prev)
}
