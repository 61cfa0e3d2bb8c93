package signaling

import (
	"github.com/rs/zerolog"

	"github.com/peerstream/peerstream/internal/metrics"
	"github.com/peerstream/peerstream/internal/protocol"
)

// Relay routes negotiation envelopes between exactly two connections. It is
// stateless per call: no buffering, no retry, no backpressure. A target that
// is not connected at routing time means the envelope is dropped silently;
// the peer transport layer already tolerates loss, so the sender is not told.
type Relay struct {
	log     zerolog.Logger
	clients ClientSet
	metrics *metrics.Metrics
}

func NewRelay(clients ClientSet, log zerolog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{log: log, clients: clients, metrics: m}
}

// Relay delivers {from, payload} to the live channel for env.To, unchanged.
func (r *Relay) Relay(env protocol.SignalPayload) {
	target, ok := r.clients.Lookup(env.To)
	if !ok {
		if r.metrics != nil {
			r.metrics.SignalsDropped.Inc()
		}
		r.log.Debug().Str("to", env.To).Str("from", env.From).Msg("signal target not connected, dropped")
		return
	}

	target.Send(protocol.EventSignal, protocol.SignalPayload{
		To:      env.To,
		From:    env.From,
		Payload: env.Payload,
	})
	if r.metrics != nil {
		r.metrics.SignalsRelayed.Inc()
	}
}
