// Package protocol defines the wire contract between clients and the
// signaling server. Every frame on the socket is an Envelope carrying a named
// event and an event-specific JSON payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Event names. These are the wire contract; renaming one is a breaking change.
const (
	EventJoinRoom      = "join-room"
	EventUserJoined    = "user-joined"
	EventStartStream   = "start-stream"
	EventStreamStarted = "stream-started"
	EventStreamEnded   = "stream-ended"
	EventActiveStreams = "active-streams"
	EventSignal        = "signal"
)

// Envelope frames a single event on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload carries a room name for join-room, start-stream,
// stream-started and stream-ended.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// UserJoinedPayload identifies the connection that joined a room.
type UserJoinedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// ActiveStreamsPayload is the one-shot directory snapshot sent on connect.
type ActiveStreamsPayload struct {
	Rooms []string `json:"rooms"`
}

// SignalPayload is the negotiation envelope. Payload is opaque to the server;
// it is produced and consumed only by the peer transport on each end.
type SignalPayload struct {
	To      string          `json:"to"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes a wire frame. Unknown fields and trailing data are
// rejected so protocol drift fails loudly instead of being half-ignored.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Marshal frames an event and its payload for the wire.
func Marshal(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeRoom extracts and validates a room payload.
func DecodeRoom(data json.RawMessage) (RoomPayload, error) {
	var p RoomPayload
	if err := decodeStrict(data, &p); err != nil {
		return RoomPayload{}, err
	}
	if p.RoomID == "" {
		return RoomPayload{}, fmt.Errorf("missing roomId")
	}
	return p, nil
}

// DecodeSignal extracts and validates a signal payload. The inner negotiation
// payload is left opaque but must be present.
func DecodeSignal(data json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	if err := decodeStrict(data, &p); err != nil {
		return SignalPayload{}, err
	}
	if p.To == "" {
		return SignalPayload{}, fmt.Errorf("signal missing to")
	}
	if len(p.Payload) == 0 {
		return SignalPayload{}, fmt.Errorf("signal missing payload")
	}
	return p, nil
}

// DecodeUserJoined extracts a user-joined payload.
func DecodeUserJoined(data json.RawMessage) (UserJoinedPayload, error) {
	var p UserJoinedPayload
	if err := decodeStrict(data, &p); err != nil {
		return UserJoinedPayload{}, err
	}
	if p.ConnectionID == "" {
		return UserJoinedPayload{}, fmt.Errorf("user-joined missing connectionId")
	}
	return p, nil
}

// DecodeActiveStreams extracts the directory snapshot.
func DecodeActiveStreams(data json.RawMessage) (ActiveStreamsPayload, error) {
	var p ActiveStreamsPayload
	if err := decodeStrict(data, &p); err != nil {
		return ActiveStreamsPayload{}, err
	}
	return p, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
