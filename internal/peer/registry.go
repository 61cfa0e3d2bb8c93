package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRegistryClosed is returned by EnsureSession after DestroyAll.
var ErrRegistryClosed = errors.New("peer registry closed")

// RegistryConfig carries the shared dependencies for every session the
// registry creates.
type RegistryConfig struct {
	Factory      TransportFactory
	RestartGrace time.Duration
	Clock        Clock
	Log          zerolog.Logger
}

// Registry maps remote connection ids to live sessions. It guarantees at most
// one session per remote: creating over an existing entry destroys the old
// session first. Entries leave the map only through Session.Destroy, so a
// session that tore itself down (restart expiry, transport close) is gone by
// the time anyone looks it up.
type Registry struct {
	cfg RegistryConfig

	// ensureMu serializes destroy-then-create, so concurrent EnsureSession
	// calls for the same id cannot each leave a live session behind. It is
	// never held while mu is needed by teardown paths.
	ensureMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// EnsureSession returns a fresh session for the remote, destroying any
// session already registered under the same id. The stale session's full
// teardown runs before the replacement is created, and concurrent calls
// serialize so exactly one replacement survives.
func (r *Registry) EnsureSession(remoteID string, initiator bool, events Events) (*Session, error) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	old := r.sessions[remoteID]
	r.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	s, err := NewSession(SessionConfig{
		RemoteID:     remoteID,
		Initiator:    initiator,
		Factory:      r.cfg.Factory,
		Events:       events,
		RestartGrace: r.cfg.RestartGrace,
		Clock:        r.cfg.Clock,
		Log:          r.cfg.Log,
		onDestroy:    r.remove,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Destroy()
		return nil, ErrRegistryClosed
	}
	r.sessions[remoteID] = s
	r.mu.Unlock()
	return s, nil
}

// Lookup returns the live session for the remote, if any.
func (r *Registry) Lookup(remoteID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[remoteID]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove drops the entry if it still points at this exact session. A
// replacement registered under the same id is left alone.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.remoteID]; ok && cur == s {
		delete(r.sessions, s.remoteID)
	}
	r.mu.Unlock()
}

// DestroyAll tears down every session and rejects further creation. The
// session set is snapshotted first; each Destroy re-enters remove under its
// own lock acquisition.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	r.closed = true
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		s.Destroy()
	}
}
