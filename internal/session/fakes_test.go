package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/pipeline/internal/signaling"
	"github.com/1ureka/pipeline/internal/wakelock"
)

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

type fakeHub struct {
	mu    sync.Mutex
	next  int
	rooms map[string][]*fakeSignaler
}

func newFakeHub() *fakeHub {
	return &fakeHub{rooms: make(map[string][]*fakeSignaler)}
}

func (h *fakeHub) signaler() *fakeSignaler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	return &fakeSignaler{hub: h, id: "peer-" + string(rune('a'+h.next-1)), done: make(chan struct{})}
}

func (h *fakeHub) members(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

type fakeSignaler struct {
	hub  *fakeHub
	id   string
	room string

	onUser func(string)
	onSig  func(signaling.Envelope)
	onLeft func()

	done      chan struct{}
	closeOnce sync.Once
}

func (f *fakeSignaler) ID() string                                   { return f.id }
func (f *fakeSignaler) OnUserConnected(fn func(string))              { f.onUser = fn }
func (f *fakeSignaler) OnSignalReceived(fn func(signaling.Envelope)) { f.onSig = fn }
func (f *fakeSignaler) OnPeerDisconnected(fn func())                 { f.onLeft = fn }

func (f *fakeSignaler) JoinRoom(roomID string) error {
	f.hub.mu.Lock()
	members := f.hub.rooms[roomID]
	if len(members) >= signaling.RoomCapacity {
		f.hub.mu.Unlock()
		return signaling.ErrRoomFull
	}
	others := append([]*fakeSignaler(nil), members...)
	f.hub.rooms[roomID] = append(members, f)
	f.room = roomID
	f.hub.mu.Unlock()

	for _, o := range others {
		if o.onUser != nil {
			o.onUser(f.id)
		}
		if f.onUser != nil {
			f.onUser(o.id)
		}
	}
	return nil
}

func (f *fakeSignaler) SendSignal(targetID string, raw json.RawMessage) error {
	f.hub.mu.Lock()
	var target *fakeSignaler
	for _, m := range f.hub.rooms[f.room] {
		if m.id == targetID {
			target = m
		}
	}
	f.hub.mu.Unlock()

	if target == nil {
		return errors.New("unknown target")
	}
	if target.onSig != nil {
		target.onSig(signaling.Envelope{SenderID: f.id, Signal: raw})
	}
	return nil
}

func (f *fakeSignaler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.done:
	}
	return nil
}

func (f *fakeSignaler) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)

		f.hub.mu.Lock()
		var stay []*fakeSignaler
		for _, m := range f.hub.rooms[f.room] {
			if m != f {
				stay = append(stay, m)
			}
		}
		f.hub.rooms[f.room] = stay
		f.hub.mu.Unlock()

		for _, o := range stay {
			if o.onLeft != nil {
				o.onLeft()
			}
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

var errFakeClosed = errors.New("fake transport closed")

// closeNotifyDelay separates failing sends from the close callback when a
// link drops.
const closeNotifyDelay = 20 * time.Millisecond

// fakeNet pairs fakeTransports through the offer/answer they exchange.
// Each blob carries the id of the transport that produced it.
type fakeNet struct {
	mu    sync.Mutex
	next  int
	peers map[int]*fakeTransport

	// hold, when set, blocks binary sends until it is closed or the
	// transport drops.
	hold chan struct{}

	// sendErr, when set, fails binary sends while the link stays up.
	sendErr error
}

func newFakeNet() *fakeNet {
	return &fakeNet{peers: make(map[int]*fakeTransport)}
}

func (n *fakeNet) factory() TransportFactory {
	return func() Transport {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.next++
		t := &fakeTransport{net: n, id: n.next, dropped: make(chan struct{})}
		n.peers[t.id] = t
		return t
	}
}

func (n *fakeNet) lookup(id int) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *fakeNet) holdSends() {
	n.mu.Lock()
	n.hold = make(chan struct{})
	n.mu.Unlock()
}

func (n *fakeNet) failSends(err error) {
	n.mu.Lock()
	n.sendErr = err
	n.mu.Unlock()
}

// dropAll simulates both ends of every live link closing.
func (n *fakeNet) dropAll() {
	n.mu.Lock()
	peers := make([]*fakeTransport, 0, len(n.peers))
	for _, t := range n.peers {
		peers = append(peers, t)
	}
	n.mu.Unlock()

	for _, t := range peers {
		t.drop()
	}
}

type fakeBlob struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

type fakeTransport struct {
	net *fakeNet
	id  int

	mu        sync.Mutex
	remote    *fakeTransport
	open      bool
	closed    bool
	dropOnce  sync.Once
	dropped   chan struct{}
	onSignal  func(json.RawMessage)
	onConnect func()
	onData    func([]byte, bool)
	onError   func(error)
	onClose   func()
}

func (t *fakeTransport) OnSignal(fn func(json.RawMessage)) { t.onSignal = fn }
func (t *fakeTransport) OnConnect(fn func())               { t.onConnect = fn }
func (t *fakeTransport) OnData(fn func([]byte, bool))      { t.onData = fn }
func (t *fakeTransport) OnError(fn func(error))            { t.onError = fn }
func (t *fakeTransport) OnClose(fn func())                 { t.onClose = fn }
func (t *fakeTransport) BufferedAmount() int               { return 0 }
func (t *fakeTransport) Drained() <-chan struct{}          { return nil }
func (t *fakeTransport) Done() <-chan struct{}             { return t.dropped }

func (t *fakeTransport) emit(typ string) {
	raw, _ := json.Marshal(fakeBlob{Type: typ, ID: t.id})
	t.onSignal(raw)
}

func (t *fakeTransport) Initialize(isInitiator bool) error {
	if isInitiator {
		t.emit("offer")
	}
	return nil
}

func (t *fakeTransport) Signal(raw json.RawMessage) error {
	var blob fakeBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return err
	}
	other := t.net.lookup(blob.ID)
	if other == nil {
		return errors.New("unknown fake peer")
	}

	switch blob.Type {
	case "offer":
		t.mu.Lock()
		t.remote = other
		t.mu.Unlock()
		t.emit("answer")
	case "answer":
		t.mu.Lock()
		t.remote = other
		t.open = true
		t.mu.Unlock()

		other.mu.Lock()
		other.open = true
		other.mu.Unlock()

		t.onConnect()
		other.onConnect()
	}
	return nil
}

func (t *fakeTransport) peer() (*fakeTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errFakeClosed
	}
	if !t.open || t.remote == nil {
		return nil, errors.New("fake transport not connected")
	}
	return t.remote, nil
}

func (t *fakeTransport) Send(data []byte) error {
	remote, err := t.peer()
	if err != nil {
		return err
	}

	t.net.mu.Lock()
	hold, sendErr := t.net.hold, t.net.sendErr
	t.net.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if hold != nil {
		select {
		case <-hold:
		case <-t.dropped:
			return errFakeClosed
		}
	}

	remote.deliver(append([]byte(nil), data...), false)
	return nil
}

func (t *fakeTransport) SendText(text string) error {
	remote, err := t.peer()
	if err != nil {
		return err
	}
	remote.deliver([]byte(text), true)
	return nil
}

func (t *fakeTransport) deliver(data []byte, isText bool) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed && t.onData != nil {
		t.onData(data, isText)
	}
}

// drop fails blocked and future sends first and reports the close a moment
// later, the order a real channel teardown produces.
func (t *fakeTransport) drop() {
	t.dropOnce.Do(func() {
		t.mu.Lock()
		wasOpen := t.open && !t.closed
		t.closed = true
		t.mu.Unlock()

		close(t.dropped)
		if wasOpen && t.onClose != nil {
			time.AfterFunc(closeNotifyDelay, t.onClose)
		}
	})
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.dropOnce.Do(func() { close(t.dropped) })
	return nil
}

// ---------------------------------------------------------------------------
// Wake lock
// ---------------------------------------------------------------------------

type countingLocker struct {
	mu       sync.Mutex
	held     int
	acquired int
}

func (l *countingLocker) Acquire() (wakelock.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held++
	l.acquired++
	return wakelock.Handle(l.acquired), nil
}

func (l *countingLocker) Release(wakelock.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held--
	return nil
}

func (l *countingLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
