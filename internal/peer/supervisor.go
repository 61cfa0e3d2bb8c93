package peer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor watches for a viewer that joined a live room but never received
// media. Arm starts the deadline; Disarm cancels it. Expiry only reports
// through the callback, it never touches sessions or transports, so the
// caller decides what a timeout means.
type Supervisor struct {
	clock     Clock
	timeout   time.Duration
	log       zerolog.Logger
	onTimeout func()

	mu    sync.Mutex
	gen   uint64
	timer Timer
}

func NewSupervisor(clock Clock, timeout time.Duration, log zerolog.Logger, onTimeout func()) *Supervisor {
	if clock == nil {
		clock = RealClock{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Supervisor{
		clock:     clock,
		timeout:   timeout,
		log:       log,
		onTimeout: onTimeout,
	}
}

// Arm starts (or restarts) the deadline.
func (s *Supervisor) Arm() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.timeout, func() { s.fire(gen) })
	s.mu.Unlock()
}

// Disarm cancels a pending deadline. A deadline that already fired stays
// fired; Disarm does not retract the callback.
func (s *Supervisor) Disarm() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.mu.Unlock()
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	stale := gen != s.gen
	if !stale {
		s.timer = nil
	}
	s.mu.Unlock()
	if stale {
		return
	}

	s.log.Warn().Dur("timeout", s.timeout).Msg("no media before deadline")
	if s.onTimeout != nil {
		s.onTimeout()
	}
}
