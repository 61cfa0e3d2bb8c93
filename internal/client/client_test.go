package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/peerstream/peerstream/internal/client"
	"github.com/peerstream/peerstream/internal/config"
	"github.com/peerstream/peerstream/internal/metrics"
	"github.com/peerstream/peerstream/internal/peer"
	"github.com/peerstream/peerstream/internal/protocol"
	"github.com/peerstream/peerstream/internal/signaling"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := signaling.NewServer(config.WebSocket{}, zerolog.Nop(), metrics.New())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) peer.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &fakeTimer{when: c.now.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return tm
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, tm := range c.timers {
		if !tm.stopped() && !tm.when.After(c.now) {
			due = append(due, tm)
		} else {
			kept = append(kept, tm)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	for _, tm := range due {
		tm.f()
	}
}

type fakeTimer struct {
	mu   sync.Mutex
	when time.Time
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.done
	t.done = true
	return !was
}

func (t *fakeTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

type fakeTransport struct {
	events peer.TransportEvents

	mu        sync.Mutex
	inbound   []json.RawMessage
	destroyed bool
}

func (f *fakeTransport) Signal(payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, payload)
	return nil
}

func (f *fakeTransport) RestartICE() error { return nil }

func (f *fakeTransport) ICEConnectionState() peer.ICEState { return peer.ICENew }

func (f *fakeTransport) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeTransport) inboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound)
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) build(initiator bool, events peer.TransportEvents) (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{events: events}
	f.created = append(f.created, tr)
	return tr, nil
}

// waitForTransport polls until the factory has built n transports.
func (f *fakeFactory) waitForTransport(t *testing.T, n int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.created) >= n {
			tr := f.created[n-1]
			f.mu.Unlock()
			return tr
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport %d never created", n)
	return nil
}

type statusRec struct {
	ch chan client.Status
}

func newStatusRec() *statusRec {
	return &statusRec{ch: make(chan client.Status, 64)}
}

func (r *statusRec) record(s client.Status) {
	select {
	case r.ch <- s:
	default:
	}
}

func (r *statusRec) wait(t *testing.T, want client.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %q never reported", want)
		}
	}
}

func (r *statusRec) expectNone(t *testing.T, bad client.Status, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s := <-r.ch:
			if s == bad {
				t.Fatalf("unexpected status %q", bad)
			}
		case <-deadline:
			return
		}
	}
}

func startClient(t *testing.T, ts *httptest.Server, role client.Role, f *fakeFactory, clk peer.Clock, rec *statusRec) *client.Client {
	t.Helper()
	c := client.New(client.Options{
		ServerURL:    wsURL(ts),
		Room:         "default-room",
		Role:         role,
		Factory:      f.build,
		RestartGrace: 10 * time.Second,
		JoinTimeout:  15 * time.Second,
		Clock:        clk,
		Log:          zerolog.Nop(),
		OnStatus:     rec.record,
	})
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _ = c.Run() }()
	t.Cleanup(c.Close)
	return c
}

// rawPeer is a bare websocket participant for driving the server directly.
func rawPeer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial raw peer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rawSend(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func rawExpect(t *testing.T, c *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	for {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

func TestStreamerNegotiatesWithJoiningViewer(t *testing.T) {
	ts := startServer(t)

	streamerFactory := &fakeFactory{}
	streamerRec := newStatusRec()
	startClient(t, ts, client.RoleStreamer, streamerFactory, nil, streamerRec)
	streamerRec.wait(t, client.StatusStreaming)

	viewerFactory := &fakeFactory{}
	viewerRec := newStatusRec()
	startClient(t, ts, client.RoleViewer, viewerFactory, nil, viewerRec)
	viewerRec.wait(t, client.StatusJoinedRoom)

	// The viewer's join reaches the streamer, which opens an initiating
	// session towards it.
	streamerTr := streamerFactory.waitForTransport(t, 1)

	// The streamer's transport emits an offer; it must land in the viewer's
	// lazily created answering session.
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	streamerTr.events.Signal(offer)

	viewerTr := viewerFactory.waitForTransport(t, 1)
	deadline := time.Now().Add(5 * time.Second)
	for viewerTr.inboundCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	viewerTr.mu.Lock()
	got := append([]json.RawMessage(nil), viewerTr.inbound...)
	viewerTr.mu.Unlock()
	if len(got) != 1 || string(got[0]) != string(offer) {
		t.Fatalf("viewer inbound=%v, want the offer unchanged", got)
	}

	// The answer travels back over the same path.
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	viewerTr.events.Signal(answer)

	deadline = time.Now().Add(5 * time.Second)
	for streamerTr.inboundCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	streamerTr.mu.Lock()
	back := append([]json.RawMessage(nil), streamerTr.inbound...)
	streamerTr.mu.Unlock()
	if len(back) != 1 || string(back[0]) != string(answer) {
		t.Fatalf("streamer inbound=%v, want the answer unchanged", back)
	}
}

func TestPeerConnectedStatus(t *testing.T) {
	ts := startServer(t)

	streamerFactory := &fakeFactory{}
	streamerRec := newStatusRec()
	startClient(t, ts, client.RoleStreamer, streamerFactory, nil, streamerRec)
	streamerRec.wait(t, client.StatusStreaming)

	viewerFactory := &fakeFactory{}
	viewerRec := newStatusRec()
	startClient(t, ts, client.RoleViewer, viewerFactory, nil, viewerRec)

	tr := streamerFactory.waitForTransport(t, 1)
	tr.events.Connect()
	streamerRec.wait(t, client.StatusPeerConnected)
}

func TestViewerJoinTimeout(t *testing.T) {
	ts := startServer(t)

	clk := newFakeClock()
	factory := &fakeFactory{}
	rec := newStatusRec()
	startClient(t, ts, client.RoleViewer, factory, clk, rec)
	rec.wait(t, client.StatusJoinedRoom)

	clk.Advance(15 * time.Second)
	rec.wait(t, client.StatusJoinTimeout)
}

func TestViewerStreamReceivedCancelsTimeout(t *testing.T) {
	ts := startServer(t)

	// A bare streamer drives the server directly so the test controls the
	// signal timing.
	streamer := rawPeer(t, ts)
	rawExpect(t, streamer, protocol.EventActiveStreams)
	rawSend(t, streamer, protocol.EventJoinRoom, protocol.RoomPayload{RoomID: "default-room"})

	clk := newFakeClock()
	factory := &fakeFactory{}
	rec := newStatusRec()
	startClient(t, ts, client.RoleViewer, factory, clk, rec)
	rec.wait(t, client.StatusJoinedRoom)

	joined, err := protocol.DecodeUserJoined(rawExpect(t, streamer, protocol.EventUserJoined))
	if err != nil {
		t.Fatalf("decode user-joined: %v", err)
	}
	rawSend(t, streamer, protocol.EventSignal, protocol.SignalPayload{
		To:      joined.ConnectionID,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	tr := factory.waitForTransport(t, 1)
	tr.events.Stream(fakeTrack{})
	rec.wait(t, client.StatusStreamReceived)

	// The disarmed deadline stays quiet.
	clk.Advance(time.Minute)
	rec.expectNone(t, client.StatusJoinTimeout, 200*time.Millisecond)
}

func TestDirectoryTracksStreamLifecycle(t *testing.T) {
	ts := startServer(t)

	factory := &fakeFactory{}
	rec := newStatusRec()
	c := startClient(t, ts, client.RoleViewer, factory, nil, rec)
	rec.wait(t, client.StatusJoinedRoom)

	streamer := rawPeer(t, ts)
	rawExpect(t, streamer, protocol.EventActiveStreams)
	rawSend(t, streamer, protocol.EventStartStream, protocol.RoomPayload{RoomID: "other-room"})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d := c.Directory(); len(d) == 1 && d[0] == "other-room" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d := c.Directory(); len(d) != 1 || d[0] != "other-room" {
		t.Fatalf("directory=%v, want [other-room]", d)
	}

	_ = streamer.Close()

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Directory()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("directory=%v after stream end, want empty", c.Directory())
}

func TestCloseDestroysSessionsAndMedia(t *testing.T) {
	ts := startServer(t)

	streamerFactory := &fakeFactory{}
	streamerRec := newStatusRec()
	streamer := startClient(t, ts, client.RoleStreamer, streamerFactory, nil, streamerRec)
	streamerRec.wait(t, client.StatusStreaming)

	viewerFactory := &fakeFactory{}
	viewerRec := newStatusRec()
	startClient(t, ts, client.RoleViewer, viewerFactory, nil, viewerRec)

	tr := streamerFactory.waitForTransport(t, 1)
	deadline := time.Now().Add(5 * time.Second)
	for streamer.Sessions() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if streamer.Sessions() != 1 {
		t.Fatalf("sessions=%d, want 1", streamer.Sessions())
	}

	streamer.Close()
	streamer.Close()

	tr.mu.Lock()
	destroyed := tr.destroyed
	tr.mu.Unlock()
	if !destroyed {
		t.Fatalf("transport survived close")
	}
	if streamer.Sessions() != 0 {
		t.Fatalf("sessions=%d after close, want 0", streamer.Sessions())
	}
	streamerRec.wait(t, client.StatusDisconnected)
}

type fakeTrack struct{}

func (fakeTrack) ID() string   { return "t1" }
func (fakeTrack) Kind() string { return "video" }
