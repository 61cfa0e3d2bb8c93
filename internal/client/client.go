// Package client implements the streaming and viewing endpoint: it owns the
// websocket to the signaling server, keeps the stream directory in sync, and
// drives peer sessions from the events the server delivers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerstream/peerstream/internal/media"
	"github.com/peerstream/peerstream/internal/peer"
	"github.com/peerstream/peerstream/internal/protocol"
)

// Role selects which side of a stream this endpoint is.
type Role string

const (
	RoleStreamer Role = "streamer"
	RoleViewer   Role = "viewer"
)

// Status reports coarse endpoint progress to the embedding program.
type Status string

const (
	StatusConnected      Status = "connected"
	StatusJoinedRoom     Status = "joined-room"
	StatusStreaming      Status = "streaming"
	StatusPeerConnected  Status = "peer-connected"
	StatusStreamReceived Status = "stream-received"
	StatusJoinTimeout    Status = "join-timeout"
	StatusDisconnected   Status = "disconnected"
)

// Options configures one endpoint.
type Options struct {
	ServerURL string
	Room      string
	Role      Role

	// Factory builds the peer transport for each session.
	Factory peer.TransportFactory

	// Source is the streamer's local media. Released on shutdown. Optional.
	Source media.Source

	RestartGrace time.Duration
	JoinTimeout  time.Duration

	Clock peer.Clock
	Log   zerolog.Logger

	// OnStatus receives progress updates. Called from the read loop and from
	// timer goroutines; implementations must not block.
	OnStatus func(Status)

	// OnDirectory receives the active-stream room list after every change.
	OnDirectory func(rooms []string)
}

// Client is one signaling endpoint. Dial then Run; Close tears everything
// down and is safe to call concurrently with Run.
type Client struct {
	opts Options
	log  zerolog.Logger

	registry   *peer.Registry
	supervisor *peer.Supervisor

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	directory []string

	closeOnce sync.Once
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = peer.RealClock{}
	}
	c := &Client{
		opts: opts,
		log:  opts.Log.With().Str("room", opts.Room).Str("role", string(opts.Role)).Logger(),
	}
	c.registry = peer.NewRegistry(peer.RegistryConfig{
		Factory:      opts.Factory,
		RestartGrace: opts.RestartGrace,
		Clock:        opts.Clock,
		Log:          c.log,
	})
	c.supervisor = peer.NewSupervisor(opts.Clock, opts.JoinTimeout, c.log, func() {
		c.status(StatusJoinTimeout)
	})
	return c
}

// Dial connects to the signaling server.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	c.conn = conn
	c.status(StatusConnected)
	return nil
}

// Run joins the room, announces the stream when acting as streamer, and
// processes server events until the connection drops or Close is called.
func (c *Client) Run() error {
	if err := c.send(protocol.EventJoinRoom, protocol.RoomPayload{RoomID: c.opts.Room}); err != nil {
		c.Close()
		return err
	}
	if c.opts.Role == RoleViewer {
		// The media deadline starts at join, not at first signal: a room with
		// no streamer must still time out.
		c.supervisor.Arm()
	}
	c.status(StatusJoinedRoom)

	if c.opts.Role == RoleStreamer {
		if err := c.send(protocol.EventStartStream, protocol.RoomPayload{RoomID: c.opts.Room}); err != nil {
			c.Close()
			return err
		}
		c.status(StatusStreaming)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return err
		}
		if err := c.dispatch(data); err != nil {
			c.log.Warn().Err(err).Msg("bad server event")
		}
	}
}

func (c *Client) dispatch(data []byte) error {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return err
	}

	switch env.Event {
	case protocol.EventActiveStreams:
		snap, err := protocol.DecodeActiveStreams(env.Data)
		if err != nil {
			return err
		}
		c.setDirectory(snap.Rooms)
	case protocol.EventStreamStarted:
		room, err := protocol.DecodeRoom(env.Data)
		if err != nil {
			return err
		}
		c.addToDirectory(room.RoomID)
	case protocol.EventStreamEnded:
		room, err := protocol.DecodeRoom(env.Data)
		if err != nil {
			return err
		}
		c.removeFromDirectory(room.RoomID)
	case protocol.EventUserJoined:
		joined, err := protocol.DecodeUserJoined(env.Data)
		if err != nil {
			return err
		}
		c.handleUserJoined(joined.ConnectionID)
	case protocol.EventSignal:
		sig, err := protocol.DecodeSignal(env.Data)
		if err != nil {
			return err
		}
		c.handleSignal(sig)
	default:
		c.log.Debug().Str("event", env.Event).Msg("unhandled event")
	}
	return nil
}

// handleUserJoined starts a fresh outbound session towards the new member. A
// member that left and came back gets a new session; the old one is replaced.
func (c *Client) handleUserJoined(remoteID string) {
	if c.opts.Role != RoleStreamer {
		return
	}
	if _, err := c.registry.EnsureSession(remoteID, true, c.sessionEvents(remoteID)); err != nil {
		c.log.Warn().Err(err).Str("remote_id", remoteID).Msg("session setup failed")
	}
}

// handleSignal routes negotiation data to the matching session. The first
// signal from an unknown sender creates the answering session on demand.
func (c *Client) handleSignal(sig protocol.SignalPayload) {
	s, ok := c.registry.Lookup(sig.From)
	if !ok {
		var err error
		s, err = c.registry.EnsureSession(sig.From, false, c.sessionEvents(sig.From))
		if err != nil {
			c.log.Warn().Err(err).Str("remote_id", sig.From).Msg("answering session setup failed")
			return
		}
	}
	if err := s.Signal(sig.Payload); err != nil {
		c.log.Warn().Err(err).Str("remote_id", sig.From).Msg("signal rejected, destroying session")
		s.Destroy()
	}
}

func (c *Client) sessionEvents(remoteID string) peer.Events {
	return peer.Events{
		Signal: func(payload json.RawMessage) {
			err := c.send(protocol.EventSignal, protocol.SignalPayload{To: remoteID, Payload: payload})
			if err != nil {
				c.log.Warn().Err(err).Str("remote_id", remoteID).Msg("outbound signal failed")
			}
		},
		Connected: func() {
			c.status(StatusPeerConnected)
		},
		Stream: func(track peer.RemoteTrack) {
			c.supervisor.Disarm()
			c.status(StatusStreamReceived)
		},
	}
}

// Close destroys every session, releases local media, and drops the
// signaling connection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.supervisor.Disarm()
		c.registry.DestroyAll()
		if c.opts.Source != nil {
			if err := c.opts.Source.Close(); err != nil {
				c.log.Warn().Err(err).Msg("release media source")
			}
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.status(StatusDisconnected)
		c.log.Info().Msg("client closed")
	})
}

// Sessions reports the number of live peer sessions.
func (c *Client) Sessions() int { return c.registry.Len() }

// Directory returns the rooms currently known to have a live stream.
func (c *Client) Directory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.directory))
	copy(out, c.directory)
	return out
}

func (c *Client) setDirectory(rooms []string) {
	c.mu.Lock()
	c.directory = append([]string(nil), rooms...)
	c.mu.Unlock()
	c.notifyDirectory()
}

func (c *Client) addToDirectory(room string) {
	c.mu.Lock()
	for _, r := range c.directory {
		if r == room {
			c.mu.Unlock()
			return
		}
	}
	c.directory = append(c.directory, room)
	c.mu.Unlock()
	c.notifyDirectory()
}

func (c *Client) removeFromDirectory(room string) {
	c.mu.Lock()
	kept := c.directory[:0]
	for _, r := range c.directory {
		if r != room {
			kept = append(kept, r)
		}
	}
	c.directory = kept
	c.mu.Unlock()
	c.notifyDirectory()
}

func (c *Client) notifyDirectory() {
	if c.opts.OnDirectory != nil {
		c.opts.OnDirectory(c.Directory())
	}
}

func (c *Client) status(s Status) {
	c.log.Debug().Str("status", string(s)).Msg("status change")
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Client) send(event string, payload any) error {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
