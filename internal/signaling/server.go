package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/pipeline/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const healthText = "pipeline relay is running\n"

// member is one WebSocket connection known to the relay.
type member struct {
	id   string
	conn *websocket.Conn
	room string

	writeMu sync.Mutex
}

func (m *member) send(msg Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(msg)
}

// Server is the signaling relay. It assigns ids, groups connections into
// rooms of RoomCapacity, and forwards blobs between members of the same
// room without looking at them.
type Server struct {
	mu      sync.Mutex
	members map[string]*member
	rooms   map[string]map[string]*member
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
	}
}

// Handler serves the WebSocket endpoint on /ws and a plain-text health
// check on /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, healthText)
	})
	return mux
}

// ListenAndServe runs the relay on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	util.LogInfo("relay listening on %s", listener.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAll()
		err := srv.Shutdown(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.members[m.id] = m
	s.mu.Unlock()

	util.LogDebug("relay: %s connected from %s", m.id, r.RemoteAddr)
	defer s.drop(m)

	if err := m.send(Message{Event: EventWelcome, PeerID: m.id}); err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Event {
		case EventJoinRoom:
			s.join(m, msg.RoomID)
		case EventSendSignal:
			s.forward(m, msg)
		default:
			m.send(Message{Event: EventError, Message: fmt.Sprintf("unknown event %q", msg.Event)})
		}
	}
}

// join moves m into roomID. Members already in the room learn about m, and
// m learns about each of them, so whichever side joins second the other
// still hears a user-connected.
func (s *Server) join(m *member, roomID string) {
	if roomID == "" {
		m.send(Message{Event: EventError, Message: "missing roomId"})
		return
	}

	s.mu.Lock()
	if m.room == roomID {
		s.mu.Unlock()
		return
	}
	room := s.rooms[roomID]
	if len(room) >= RoomCapacity {
		s.mu.Unlock()
		util.LogDebug("relay: %s refused, room %s is full", m.id, roomID)
		m.send(Message{Event: EventError, Message: msgRoomFull})
		return
	}

	left := s.leaveLocked(m)
	if room == nil {
		room = make(map[string]*member)
		s.rooms[roomID] = room
	}
	others := peersOf(room)
	room[m.id] = m
	m.room = roomID
	s.mu.Unlock()

	notifyLeft(left, m.id)
	util.LogDebug("relay: %s joined room %s", m.id, roomID)
	for _, o := range others {
		o.send(Message{Event: EventUserConnected, PeerID: m.id})
		m.send(Message{Event: EventUserConnected, PeerID: o.id})
	}
}

// forward delivers a blob to its target if both are in the same room.
func (s *Server) forward(from *member, msg Message) {
	s.mu.Lock()
	target, ok := s.members[msg.TargetID]
	sameRoom := ok && from.room != "" && target.room == from.room
	s.mu.Unlock()

	if !sameRoom {
		util.LogDebug("relay: dropping signal from %s to unknown target %q", from.id, msg.TargetID)
		return
	}
	target.send(Message{Event: EventReceiveSignal, SenderID: from.id, Signal: msg.Signal})
}

// drop removes a closed connection and notifies its room.
func (s *Server) drop(m *member) {
	s.mu.Lock()
	delete(s.members, m.id)
	left := s.leaveLocked(m)
	s.mu.Unlock()

	m.conn.Close()
	notifyLeft(left, m.id)
	util.LogDebug("relay: %s disconnected", m.id)
}

// leaveLocked removes m from its room, deleting the room when it empties,
// and returns the members that stay behind.
func (s *Server) leaveLocked(m *member) []*member {
	if m.room == "" {
		return nil
	}
	room := s.rooms[m.room]
	delete(room, m.id)
	if len(room) == 0 {
		delete(s.rooms, m.room)
	}
	m.room = ""
	return peersOf(room)
}

func peersOf(room map[string]*member) []*member {
	out := make([]*member, 0, len(room))
	for _, o := range room {
		out = append(out, o)
	}
	return out
}

func notifyLeft(members []*member, id string) {
	for _, o := range members {
		o.send(Message{Event: EventUserDisconnected, PeerID: id})
	}
}

// Rooms returns the number of non-empty rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	members := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	s.mu.Unlock()

	for _, m := range members {
		m.conn.Close()
	}
}
