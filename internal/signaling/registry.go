package signaling

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/peerstream/peerstream/internal/metrics"
	"github.com/peerstream/peerstream/internal/protocol"
)

// Conn is the server side of one client's message channel. Send is
// best-effort: a full send buffer drops the frame rather than blocking the
// event that produced it.
type Conn interface {
	ID() string
	Send(event string, payload any) bool
}

// ClientSet resolves live connections for routing and broadcast.
type ClientSet interface {
	Lookup(id string) (Conn, bool)
	Clients() []Conn
}

// Registry owns room membership and the stream directory. All mutations are
// serialized under one mutex so each channel event is a single atomic
// reaction; no client can observe a room or stream entry mid-update.
type Registry struct {
	log     zerolog.Logger
	clients ClientSet
	metrics *metrics.Metrics

	mu      sync.Mutex
	rooms   map[string]map[string]Conn // roomID -> connectionID -> conn
	streams map[string]string          // roomID -> streamer connectionID
	order   []string                   // roomIDs with live entries, by arrival
}

func NewRegistry(clients ClientSet, log zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		log:     log,
		clients: clients,
		metrics: m,
		rooms:   make(map[string]map[string]Conn),
		streams: make(map[string]string),
	}
}

// Join adds the connection to the room's membership set and notifies the
// other current members. Rejoining the same room changes nothing; joining a
// room with no streamer is not an error.
func (r *Registry) Join(c Conn, roomID string) {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[roomID] = members
	}
	if _, already := members[c.ID()]; already {
		r.mu.Unlock()
		return
	}
	members[c.ID()] = c

	others := make([]Conn, 0, len(members)-1)
	for id, member := range members {
		if id != c.ID() {
			others = append(others, member)
		}
	}
	r.mu.Unlock()

	r.log.Debug().Str("connection_id", c.ID()).Str("room_id", roomID).Msg("joined room")
	for _, member := range others {
		member.Send(protocol.EventUserJoined, protocol.UserJoinedPayload{ConnectionID: c.ID()})
	}
}

// StartStream records the connection as the room's streamer and announces the
// stream to every connected client, not just room members: the directory is a
// global discovery surface. A later start-stream for the same room silently
// replaces the entry (last writer wins); any connection that knows the room
// name can claim it. That is a known limitation of the protocol, kept as is.
func (r *Registry) StartStream(c Conn, roomID string) {
	r.mu.Lock()
	_, replaced := r.streams[roomID]
	r.streams[roomID] = c.ID()
	if !replaced {
		r.order = append(r.order, roomID)
	}
	active := len(r.streams)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.StreamsStarted.Inc()
		r.metrics.StreamsActive.Set(float64(active))
	}
	ev := r.log.Info().Str("connection_id", c.ID()).Str("room_id", roomID)
	if replaced {
		ev = ev.Bool("replaced", true)
	}
	ev.Msg("stream started")

	for _, client := range r.clients.Clients() {
		client.Send(protocol.EventStreamStarted, protocol.RoomPayload{RoomID: roomID})
	}
}

// DropConnection removes the connection from every room and ends any stream
// it owned, announcing each ended stream to all remaining clients. It must
// run as part of disconnect handling, before the disconnect is considered
// complete, so nobody observes a stale live entry.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	for roomID, members := range r.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}

	var ended []string
	for roomID, streamer := range r.streams {
		if streamer == connID {
			delete(r.streams, roomID)
			ended = append(ended, roomID)
		}
	}
	if len(ended) > 0 {
		kept := r.order[:0]
		for _, roomID := range r.order {
			if _, live := r.streams[roomID]; live {
				kept = append(kept, roomID)
			}
		}
		r.order = kept
	}
	active := len(r.streams)
	r.mu.Unlock()

	if len(ended) == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.StreamsActive.Set(float64(active))
	}
	for _, roomID := range ended {
		if r.metrics != nil {
			r.metrics.StreamsEnded.Inc()
		}
		r.log.Info().Str("connection_id", connID).Str("room_id", roomID).Msg("stream ended")
		for _, client := range r.clients.Clients() {
			client.Send(protocol.EventStreamEnded, protocol.RoomPayload{RoomID: roomID})
		}
	}
}

// Snapshot returns the rooms with live streams in arrival order. Sent to each
// client exactly once, at connect time.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Members returns the current membership size of a room.
func (r *Registry) Members(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}
