package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerstream/peerstream/internal/config"
	"github.com/peerstream/peerstream/internal/metrics"
	"github.com/peerstream/peerstream/internal/origin"
	"github.com/peerstream/peerstream/internal/protocol"
	"github.com/peerstream/peerstream/internal/ratelimit"
)

// Server owns the set of live message channels and wires each inbound event
// to the registry or the relay. One goroutine per connection reads events in
// arrival order, so per-channel processing is sequential; cross-channel
// interleaving is arbitrary and the registry mutex keeps each mutation atomic.
type Server struct {
	cfg     config.WebSocket
	log     zerolog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	registry *Registry
	relay    *Relay
}

func NewServer(cfg config.WebSocket, log zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.registry = NewRegistry(s, log, m)
	s.relay = NewRelay(s, log, m)
	return s
}

// Registry exposes the room/stream directory, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Lookup implements ClientSet.
func (s *Server) Lookup(id string) (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// Clients implements ClientSet.
func (s *Server) Clients() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// checkOrigin admits non-browser clients (no Origin header) and applies the
// same-host-or-allowlist policy to everything else.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, host, ok := origin.Normalize(header)
	if !ok {
		s.log.Warn().Str("origin", header).Msg("malformed origin rejected")
		return false
	}
	if !origin.Allowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
		s.log.Warn().Str("origin", normalized).Str("host", r.Host).Msg("origin rejected")
		return false
	}
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan []byte, s.sendBuffer()),
	}
	if rate := s.cfg.MaxMessagesPerSecond; rate > 0 {
		c.limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(rate), int64(rate))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
	}
	s.log.Info().Str("connection_id", c.id).Msg("client connected")

	go c.writePump()

	// The directory snapshot goes out exactly once, before any other event.
	c.Send(protocol.EventActiveStreams, protocol.ActiveStreamsPayload{Rooms: s.registry.Snapshot()})

	c.readPump()
}

// dropClient runs the full disconnect sequence: the connection is forgotten
// first so the relay stops routing to it, then the registry sweep announces
// any ended streams to the remaining clients.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	if present {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	if !present {
		return
	}

	s.registry.DropConnection(c.id)
	c.closeSend()

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
	s.log.Info().Str("connection_id", c.id).Msg("client disconnected")
}

// Close tears down every live connection. Used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) dispatch(c *client, data []byte) error {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return err
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		room, err := protocol.DecodeRoom(env.Data)
		if err != nil {
			return err
		}
		s.registry.Join(c, room.RoomID)
	case protocol.EventStartStream:
		room, err := protocol.DecodeRoom(env.Data)
		if err != nil {
			return err
		}
		s.registry.StartStream(c, room.RoomID)
	case protocol.EventSignal:
		sig, err := protocol.DecodeSignal(env.Data)
		if err != nil {
			return err
		}
		// The sender cannot speak for anyone else.
		sig.From = c.id
		s.relay.Relay(sig)
	default:
		s.log.Warn().Str("connection_id", c.id).Str("event", env.Event).Msg("unknown event ignored")
	}
	return nil
}

func (s *Server) sendBuffer() int {
	if s.cfg.SendBuffer <= 0 {
		return 256
	}
	return s.cfg.SendBuffer
}

func (s *Server) maxMessageSize() int64 {
	if s.cfg.MaxMessageSize <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageSize
}

func (s *Server) pongWait() time.Duration {
	if s.cfg.PongWait <= 0 {
		return 60 * time.Second
	}
	return s.cfg.PongWait
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 54 * time.Second
	}
	return s.cfg.PingInterval
}

func (s *Server) writeWait() time.Duration {
	if s.cfg.WriteWait <= 0 {
		return 10 * time.Second
	}
	return s.cfg.WriteWait
}

type client struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	limiter *ratelimit.TokenBucket

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool
}

func (c *client) ID() string { return c.id }

// Send enqueues a frame for the write pump. A full buffer drops the frame;
// a slow consumer must not stall the event that produced the send.
func (c *client) Send(event string, payload any) bool {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		c.srv.log.Error().Err(err).Str("event", event).Msg("marshal outbound event")
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.srv.log.Warn().Str("connection_id", c.id).Str("event", event).Msg("send buffer full, frame dropped")
		return false
	}
}

func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.srv.dropClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.srv.maxMessageSize())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.log.Warn().Err(err).Str("connection_id", c.id).Msg("websocket read failed")
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.log.Warn().Str("connection_id", c.id).Msg("message budget exceeded, closing connection")
			return
		}
		if err := c.srv.dispatch(c, data); err != nil {
			c.srv.log.Warn().Err(err).Str("connection_id", c.id).Msg("bad message, closing connection")
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeWait()))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
