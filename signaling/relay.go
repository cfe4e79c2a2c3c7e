package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay is a room-scoped pub/sub hub for handshake messages.
//
// It forwards addressed messages to their target and broadcasts the rest to
// every other device in the same room. It holds no state beyond the live
// roster and carries no business logic.
type Relay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*relayMember
}

type relayMember struct {
	deviceID   string
	deviceName string
	conn       *websocket.Conn
	writeMu    sync.Mutex
}

// NewRelay creates an empty relay hub.
func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*relayMember),
	}
}

// ServeHTTP upgrades a relay websocket session.
//
// Query parameters: room (required), device (required), name (optional).
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	roomID := req.URL.Query().Get("room")
	deviceID := req.URL.Query().Get("device")
	deviceName := req.URL.Query().Get("name")
	if roomID == "" || deviceID == "" {
		http.Error(w, "room and device are required", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	member := &relayMember{
		deviceID:   deviceID,
		deviceName: deviceName,
		conn:       conn,
	}

	existing := r.register(roomID, member)

	// Replay the current roster to the newcomer, then announce the newcomer.
	for _, other := range existing {
		member.send(Message{
			Type:     TypeAnnounce,
			RoomID:   roomID,
			From:     other.deviceID,
			FromName: other.deviceName,
		})
	}
	r.fanOut(roomID, member, Message{
		Type:     TypeAnnounce,
		RoomID:   roomID,
		From:     deviceID,
		FromName: deviceName,
	})

	r.readLoop(roomID, member)
}

func (r *Relay) readLoop(roomID string, member *relayMember) {
	defer func() {
		r.unregister(roomID, member)
		r.fanOut(roomID, member, Message{
			Type:   TypeLeave,
			RoomID: roomID,
			From:   member.deviceID,
		})
		_ = member.conn.Close()
	}()

	for {
		_, raw, err := member.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(raw)
		if err != nil {
			continue
		}
		// The relay trusts its session identity, not the message body.
		msg.RoomID = roomID
		msg.From = member.deviceID
		if msg.FromName == "" {
			msg.FromName = member.deviceName
		}

		if msg.Type == TypeLeave {
			return
		}

		if msg.To != "" {
			r.forward(roomID, msg)
			continue
		}
		r.fanOut(roomID, member, msg)
	}
}

func (r *Relay) register(roomID string, member *relayMember) []*relayMember {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*relayMember)
		r.rooms[roomID] = room
	}
	if prior, exists := room[member.deviceID]; exists {
		_ = prior.conn.Close()
	}

	existing := make([]*relayMember, 0, len(room))
	for _, other := range room {
		if other.deviceID != member.deviceID {
			existing = append(existing, other)
		}
	}
	room[member.deviceID] = member
	return existing
}

func (r *Relay) unregister(roomID string, member *relayMember) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return
	}
	if room[member.deviceID] == member {
		delete(room, member.deviceID)
	}
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Relay) forward(roomID string, msg Message) {
	r.mu.Lock()
	target := r.rooms[roomID][msg.To]
	r.mu.Unlock()
	if target == nil {
		return
	}
	target.send(msg)
}

func (r *Relay) fanOut(roomID string, sender *relayMember, msg Message) {
	r.mu.Lock()
	members := make([]*relayMember, 0, len(r.rooms[roomID]))
	for _, member := range r.rooms[roomID] {
		if member != sender {
			members = append(members, member)
		}
	}
	r.mu.Unlock()

	for _, member := range members {
		member.send(msg)
	}
}

func (m *relayMember) send(msg Message) {
	raw, err := Encode(msg)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = m.conn.WriteMessage(websocket.TextMessage, raw)
}
