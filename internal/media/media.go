// Package media defines the capture contract for the streaming side and the
// fallback policy for acquiring a source.
package media

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrCapabilityDenied marks a source that the environment refuses to provide
// (missing device, rejected permission). It triggers fallback rather than a
// hard failure.
var ErrCapabilityDenied = errors.New("capture capability denied")

// Source is an acquired set of local media tracks. Close releases the
// underlying capture resources; it must be safe to call more than once.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Acquirer opens one kind of capture source.
type Acquirer func() (Source, error)

// AcquireWithFallback tries the primary source and, when the environment
// denies it, the fallback. Any other primary failure is terminal: a broken
// device is not the same as an absent one.
func AcquireWithFallback(primary, fallback Acquirer, log zerolog.Logger) (Source, error) {
	src, err := primary()
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, ErrCapabilityDenied) || fallback == nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	log.Warn().Err(err).Msg("primary capture denied, trying fallback")
	src, err = fallback()
	if err != nil {
		return nil, fmt.Errorf("acquire fallback media: %w", err)
	}
	return src, nil
}

// StaticSource wraps pre-built tracks, typically sample tracks fed by an
// encoder loop or a test fixture.
type StaticSource struct {
	tracks []webrtc.TrackLocal
	closer func() error
}

// NewStaticSource builds a Source over existing tracks. closer may be nil.
func NewStaticSource(tracks []webrtc.TrackLocal, closer func() error) *StaticSource {
	return &StaticSource{tracks: tracks, closer: closer}
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *StaticSource) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c()
}
