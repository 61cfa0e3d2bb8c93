package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateRestarting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions is the closed set of legal state changes. Closed is terminal.
var transitions = map[State]map[State]bool{
	StateNegotiating: {StateConnected: true, StateRestarting: true, StateClosed: true},
	StateConnected:   {StateRestarting: true, StateClosed: true},
	StateRestarting:  {StateConnected: true, StateClosed: true},
	StateClosed:      {},
}

// Events receives session lifecycle callbacks. Unset fields are skipped.
type Events struct {
	// Signal carries outbound negotiation payloads for the remote peer.
	Signal func(payload json.RawMessage)
	// Connected fires on every transition into Connected, including
	// recovery from a restart.
	Connected func()
	// Stream fires when the transport surfaces an inbound media track.
	Stream func(track RemoteTrack)
	// Closed fires exactly once, after the session is fully torn down.
	Closed func()
}

// SessionConfig carries the dependencies for one session.
type SessionConfig struct {
	RemoteID  string
	Initiator bool
	Factory   TransportFactory
	Events    Events

	// RestartGrace bounds how long a session may sit in Restarting before
	// it is destroyed.
	RestartGrace time.Duration

	Clock Clock
	Log   zerolog.Logger

	// onDestroy is the registry's removal hook. Destroy is the only caller.
	onDestroy func(s *Session)
}

// Session owns one peer transport and drives its lifecycle:
// Negotiating -> Connected <-> Restarting -> Closed. A disconnect while live
// triggers a single ICE restart attempt with a bounded grace window; if the
// transport does not come back in time the session destroys itself. Destroy
// is idempotent and is the only path that removes the session from its
// registry, so every teardown trigger converges on the same sequence.
type Session struct {
	remoteID  string
	initiator bool

	clock  Clock
	grace  time.Duration
	log    zerolog.Logger
	events Events

	onDestroy func(s *Session)

	mu           sync.Mutex
	state        State
	transport    Transport
	restartTimer Timer

	destroyOnce sync.Once
}

// NewSession builds the transport and starts the lifecycle in Negotiating.
// A factory failure leaves nothing to clean up.
func NewSession(cfg SessionConfig) (*Session, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	grace := cfg.RestartGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	s := &Session{
		remoteID:  cfg.RemoteID,
		initiator: cfg.Initiator,
		clock:     clock,
		grace:     grace,
		log:       cfg.Log.With().Str("remote_id", cfg.RemoteID).Bool("initiator", cfg.Initiator).Logger(),
		events:    cfg.Events,
		onDestroy: cfg.onDestroy,
		state:     StateNegotiating,
	}

	t, err := cfg.Factory(cfg.Initiator, TransportEvents{
		Signal:         s.handleSignal,
		Connect:        s.handleConnect,
		Stream:         s.handleStream,
		ICEStateChange: s.handleICEState,
		Error:          s.handleError,
		Close:          func() { s.Destroy() },
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.log.Debug().Msg("session negotiating")
	return s, nil
}

func (s *Session) RemoteID() string { return s.remoteID }

func (s *Session) Initiator() bool { return s.initiator }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Signal feeds negotiation data from the remote peer into the transport.
// Signals arriving after close are dropped; the remote side races teardown.
func (s *Session) Signal(payload json.RawMessage) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Signal(payload)
}

func (s *Session) handleSignal(payload json.RawMessage) {
	if s.State() == StateClosed {
		return
	}
	if s.events.Signal != nil {
		s.events.Signal(payload)
	}
}

func (s *Session) handleConnect() {
	s.mu.Lock()
	if !s.setStateLocked(StateConnected) {
		s.mu.Unlock()
		return
	}
	s.stopRestartTimerLocked()
	s.mu.Unlock()

	s.log.Info().Msg("peer connected")
	if s.events.Connected != nil {
		s.events.Connected()
	}
}

func (s *Session) handleStream(track RemoteTrack) {
	if s.State() == StateClosed {
		return
	}
	s.log.Info().Str("track_id", track.ID()).Str("kind", track.Kind()).Msg("remote stream received")
	if s.events.Stream != nil {
		s.events.Stream(track)
	}
}

func (s *Session) handleICEState(state ICEState) {
	switch state {
	case ICEConnected, ICECompleted:
		// ICE-level recovery counts as a connect: a restart that succeeds
		// reports it here, not necessarily through the Connect event.
		s.handleConnect()
	case ICEDisconnected, ICEFailed:
		s.beginRestart()
	}
}

func (s *Session) handleError(err error) {
	s.log.Warn().Err(err).Msg("transport error, destroying session")
	s.Destroy()
}

// beginRestart opens the single restart window: one RestartICE call and one
// grace timer. A drop reported while already Restarting changes nothing; the
// running window decides the outcome.
func (s *Session) beginRestart() {
	s.mu.Lock()
	t := s.transport
	if t == nil {
		// The factory emitted a state change before NewSession stored the
		// transport handle. There is nothing to restart yet; a drop on a
		// live transport reports again once construction is done.
		s.mu.Unlock()
		return
	}
	if s.state == StateRestarting || !s.setStateLocked(StateRestarting) {
		s.mu.Unlock()
		return
	}
	s.restartTimer = s.clock.AfterFunc(s.grace, s.restartExpired)
	s.mu.Unlock()

	s.log.Warn().Dur("grace", s.grace).Msg("transport dropped, attempting ice restart")
	if err := t.RestartICE(); err != nil {
		s.log.Warn().Err(err).Msg("ice restart failed")
		s.Destroy()
	}
}

// restartExpired decides the restart's outcome at the deadline by asking the
// transport where ICE actually is. A recovered transport is promoted even if
// its state-change callback raced the timer; teardown requires an actually
// failed transport, so a restart still in flight gets another grace window.
func (s *Session) restartExpired() {
	s.mu.Lock()
	if s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}

	switch t.ICEConnectionState() {
	case ICEConnected, ICECompleted:
		s.handleConnect()
	case ICEFailed:
		s.log.Warn().Msg("restart grace expired, destroying session")
		s.Destroy()
	default:
		s.mu.Lock()
		if s.state == StateRestarting {
			s.restartTimer = s.clock.AfterFunc(s.grace, s.restartExpired)
		}
		s.mu.Unlock()
		s.log.Debug().Dur("grace", s.grace).Msg("restart still in flight, extending grace")
	}
}

// setStateLocked applies a transition if the table allows it.
func (s *Session) setStateLocked(to State) bool {
	if !transitions[s.state][to] {
		return false
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", to).Msg("session state change")
	s.state = to
	return true
}

func (s *Session) stopRestartTimerLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// Destroy tears the session down: terminal state, timer canceled, transport
// destroyed, registry entry removed, Closed callback fired. Safe to call from
// any goroutine, any number of times, in any state.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.stopRestartTimerLocked()
		t := s.transport
		s.transport = nil
		s.mu.Unlock()

		if t != nil {
			_ = t.Destroy()
		}
		if s.onDestroy != nil {
			s.onDestroy(s)
		}
		s.log.Info().Msg("session closed")
		if s.events.Closed != nil {
			s.events.Closed()
		}
	})
}
