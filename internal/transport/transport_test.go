package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    SignalType
		wantErr bool
	}{
		{name: "offer", raw: `{"type":"offer","sdp":"v=0"}`, want: SignalOffer},
		{name: "answer", raw: `{"type":"answer","sdp":"v=0"}`, want: SignalAnswer},
		{name: "candidate", raw: `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}`, want: SignalCandidate},
		{name: "offer without sdp", raw: `{"type":"offer"}`, wantErr: true},
		{name: "candidate without payload", raw: `{"type":"candidate"}`, wantErr: true},
		{name: "renegotiate", raw: `{"type":"renegotiate"}`, wantErr: true},
		{name: "not json", raw: `offer`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := ParseSignal(json.RawMessage(tc.raw))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadSignal)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, sig.Type)
		})
	}
}

func TestSignalEncodeShape(t *testing.T) {
	raw, err := Signal{Type: SignalAnswer, SDP: "v=0"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(raw))
}

func TestSendBeforeInitialize(t *testing.T) {
	p := New(Options{})
	assert.ErrorIs(t, p.Send([]byte{1}), ErrNotConnected)
	assert.Zero(t, p.BufferedAmount())
	assert.Error(t, p.Signal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`)))
}

func TestInitializeTwice(t *testing.T) {
	p := New(Options{Loopback: true})
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Initialize(false))
	assert.ErrorIs(t, p.Initialize(false), ErrAlreadyInitialized)
}

func TestSendAfterClose(t *testing.T) {
	p := New(Options{Loopback: true})
	require.NoError(t, p.Initialize(false))
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Send([]byte{1}), ErrClosed)
	assert.ErrorIs(t, p.SendText("x"), ErrClosed)
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

type received struct {
	data   []byte
	isText bool
}

// linkPeers connects two loopback peers by feeding each one's signals to
// the other, the way the relay would.
func linkPeers(t *testing.T, trickle bool) (initiator, joiner *Peer, inbox chan received) {
	t.Helper()

	opts := Options{Loopback: true, Trickle: trickle}
	initiator = New(opts)
	joiner = New(opts)
	t.Cleanup(func() {
		initiator.Close()
		joiner.Close()
	})

	signalErrs := make(chan error, 64)
	initiator.OnSignal(func(raw json.RawMessage) {
		if err := joiner.Signal(raw); err != nil {
			signalErrs <- err
		}
	})
	joiner.OnSignal(func(raw json.RawMessage) {
		if err := initiator.Signal(raw); err != nil {
			signalErrs <- err
		}
	})

	connected := make(chan struct{}, 2)
	initiator.OnConnect(func() { connected <- struct{}{} })
	joiner.OnConnect(func() { connected <- struct{}{} })

	inbox = make(chan received, 16)
	joiner.OnData(func(data []byte, isText bool) {
		inbox <- received{data: append([]byte(nil), data...), isText: isText}
	})

	require.NoError(t, joiner.Initialize(false))
	require.NoError(t, initiator.Initialize(true))

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case err := <-signalErrs:
			t.Fatalf("signal failed: %v", err)
		case <-time.After(15 * time.Second):
			t.Fatal("peers did not connect")
		}
	}
	return initiator, joiner, inbox
}

func TestLoopbackPairCarriesTextAndBinary(t *testing.T) {
	for _, trickle := range []bool{false, true} {
		name := "complete-sdp"
		if trickle {
			name = "trickle"
		}
		t.Run(name, func(t *testing.T) {
			initiator, _, inbox := linkPeers(t, trickle)

			require.NoError(t, initiator.SendText(`{"type":"HELLO"}`))
			require.NoError(t, initiator.Send([]byte{0x7b, 0x00, 0x7d}))

			first := <-inbox
			assert.True(t, first.isText)
			assert.Equal(t, `{"type":"HELLO"}`, string(first.data))

			second := <-inbox
			assert.False(t, second.isText)
			assert.Equal(t, []byte{0x7b, 0x00, 0x7d}, second.data)
		})
	}
}

func TestRemoteCloseNotifiesOnce(t *testing.T) {
	initiator, joiner, _ := linkPeers(t, false)

	closed := make(chan struct{}, 4)
	errored := make(chan error, 4)
	joiner.OnClose(func() { closed <- struct{}{} })
	joiner.OnError(func(err error) { errored <- err })

	require.NoError(t, initiator.Close())

	select {
	case <-closed:
	case <-errored:
	case <-time.After(30 * time.Second):
		t.Fatal("joiner was not notified of the remote close")
	}

	assert.Eventually(t, func() bool {
		return joiner.Send([]byte{1}) != nil
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, len(closed)+len(errored), "terminal notification fired more than once")
}
