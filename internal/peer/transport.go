package peer

import "encoding/json"

// ICEState is the transport's view of ICE connectivity, reduced to the
// values the session lifecycle reacts to.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// RemoteTrack is an inbound media track surfaced by the transport.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// TransportEvents receives transport callbacks. Unset fields are skipped.
// Callbacks may arrive from transport-internal goroutines at any time until
// Destroy returns.
type TransportEvents struct {
	// Signal carries locally generated negotiation data (descriptions,
	// candidates) that must reach the remote peer.
	Signal func(payload json.RawMessage)
	// Connect fires when the transport reaches a connected state, including
	// reconnects after an ICE restart.
	Connect func()
	// Stream fires once per inbound media track.
	Stream func(track RemoteTrack)
	// ICEStateChange reports ICE connectivity transitions.
	ICEStateChange func(state ICEState)
	// Error reports a fatal transport failure.
	Error func(err error)
	// Close fires when the transport shuts down on its own.
	Close func()
}

// Transport is one negotiated peer-to-peer connection. Implementations must
// tolerate calls after Destroy.
type Transport interface {
	// Signal feeds negotiation data received from the remote peer.
	Signal(payload json.RawMessage) error
	// RestartICE begins a new ICE negotiation on the live connection.
	RestartICE() error
	ICEConnectionState() ICEState
	Destroy() error
}

// TransportFactory builds the transport for a new session. The events struct
// must be fully wired before the factory returns; transports may emit
// (notably Signal) during construction.
type TransportFactory func(initiator bool, events TransportEvents) (Transport, error)
