package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PionConfig configures the webrtc-backed transport factory.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// LoggerFactory routes pion's internal logging. Optional.
	LoggerFactory logging.LoggerFactory

	// LocalTracks supplies the media to send, called once per transport.
	// Nil means receive-only.
	LocalTracks func() []webrtc.TrackLocal

	Log zerolog.Logger
}

// signalMessage is the negotiation payload exchanged through the relay:
// either a session description or a single trickled candidate.
type signalMessage struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// NewPionFactory returns a TransportFactory backed by pion PeerConnections.
// The initiator side offers (and re-offers on ICE restart); the other side
// answers. Candidates trickle as separate signal payloads.
func NewPionFactory(cfg PionConfig) TransportFactory {
	return func(initiator bool, events TransportEvents) (Transport, error) {
		se := webrtc.SettingEngine{}
		if cfg.LoggerFactory != nil {
			se.LoggerFactory = cfg.LoggerFactory
		}
		api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		t := &pionTransport{
			pc:        pc,
			initiator: initiator,
			events:    events,
			log:       cfg.Log,
		}

		if cfg.LocalTracks != nil {
			for _, track := range cfg.LocalTracks() {
				sender, err := pc.AddTrack(track)
				if err != nil {
					_ = pc.Close()
					return nil, fmt.Errorf("add track: %w", err)
				}
				go drainRTCP(sender)
			}
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			init := c.ToJSON()
			t.emitSignal(signalMessage{Candidate: &init})
		})

		pc.OnNegotiationNeeded(func() {
			if !t.initiator {
				return
			}
			if err := t.sendOffer(nil); err != nil {
				t.log.Warn().Err(err).Msg("offer failed")
				t.emitError(err)
			}
		})

		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			if events.ICEStateChange != nil {
				events.ICEStateChange(mapICEState(state))
			}
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				if events.Connect != nil {
					events.Connect()
				}
			case webrtc.PeerConnectionStateClosed:
				if events.Close != nil {
					events.Close()
				}
			}
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go drainRTP(track)
			if events.Stream != nil {
				events.Stream(pionTrack{track})
			}
		})

		return t, nil
	}
}

type pionTransport struct {
	pc        *webrtc.PeerConnection
	initiator bool
	events    TransportEvents
	log       zerolog.Logger

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func (t *pionTransport) Signal(payload json.RawMessage) error {
	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	switch {
	case msg.Candidate != nil:
		return t.addCandidate(*msg.Candidate)
	case msg.Type == "offer":
		return t.acceptOffer(msg.SDP)
	case msg.Type == "answer":
		return t.acceptAnswer(msg.SDP)
	default:
		return fmt.Errorf("unsupported signal %q", msg.Type)
	}
}

// addCandidate buffers candidates that race ahead of the remote description.
func (t *pionTransport) addCandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if t.pc.RemoteDescription() == nil {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) acceptOffer(sdp string) error {
	if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	t.emitSignal(signalMessage{Type: "answer", SDP: answer.SDP})
	return nil
}

func (t *pionTransport) acceptAnswer(sdp string) error {
	return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (t *pionTransport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	return nil
}

func (t *pionTransport) sendOffer(opts *webrtc.OfferOptions) error {
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	t.emitSignal(signalMessage{Type: "offer", SDP: offer.SDP})
	return nil
}

func (t *pionTransport) RestartICE() error {
	return t.sendOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (t *pionTransport) ICEConnectionState() ICEState {
	return mapICEState(t.pc.ICEConnectionState())
}

func (t *pionTransport) Destroy() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}

func (t *pionTransport) emitSignal(msg signalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Error().Err(err).Msg("marshal signal")
		return
	}
	if t.events.Signal != nil {
		t.events.Signal(data)
	}
}

func (t *pionTransport) emitError(err error) {
	if t.events.Error != nil {
		t.events.Error(err)
	}
}

func mapICEState(state webrtc.ICEConnectionState) ICEState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return ICENew
	case webrtc.ICEConnectionStateChecking:
		return ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEFailed
	default:
		return ICEClosed
	}
}

type pionTrack struct {
	t *webrtc.TrackRemote
}

func (p pionTrack) ID() string   { return p.t.ID() }
func (p pionTrack) Kind() string { return p.t.Kind().String() }

// drainRTP keeps SRTP flowing for tracks nobody consumes directly.
func drainRTP(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
