package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

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

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.when.After(c.now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeTimer struct {
	when    time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

type fakeTransport struct {
	events TransportEvents

	mu        sync.Mutex
	inbound   []json.RawMessage
	restarts  int
	destroyed bool
	state     ICEState
}

func (t *fakeTransport) Signal(payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = append(t.inbound, payload)
	return nil
}

func (t *fakeTransport) RestartICE() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return nil
}

func (t *fakeTransport) ICEConnectionState() ICEState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed = true
	return nil
}

func (t *fakeTransport) restartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *fakeTransport) isDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *fakeTransport) setState(st ICEState) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

// reportICEState mimics a live transport: the queryable state and the
// callback change together.
func (t *fakeTransport) reportICEState(st ICEState) {
	t.setState(st)
	t.events.ICEStateChange(st)
}

// fakeFactory records the transport handed to each new session.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
	fail    error

	// onBuild runs before the factory returns, with events already wired.
	onBuild func(t *fakeTransport)
}

func (f *fakeFactory) build(initiator bool, events TransportEvents) (Transport, error) {
	f.mu.Lock()
	if f.fail != nil {
		f.mu.Unlock()
		return nil, f.fail
	}
	t := &fakeTransport{events: events, state: ICENew}
	f.created = append(f.created, t)
	hook := f.onBuild
	f.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.created...)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newTestSession(t *testing.T, clk Clock, f *fakeFactory, events Events) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		RemoteID:     "remote-1",
		Initiator:    true,
		Factory:      f.build,
		Events:       events,
		RestartGrace: 10 * time.Second,
		Clock:        clk,
		Log:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestSession_ConnectTransition(t *testing.T) {
	f := &fakeFactory{}
	var connected counter
	s := newTestSession(t, newFakeClock(), f, Events{Connected: connected.inc})

	if s.State() != StateNegotiating {
		t.Fatalf("state=%v, want negotiating", s.State())
	}

	f.last().events.Connect()

	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if connected.get() != 1 {
		t.Fatalf("connected callbacks=%d, want 1", connected.get())
	}
}

func TestSession_RestartRecovery(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	var connected counter
	s := newTestSession(t, clk, f, Events{Connected: connected.inc})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)

	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}
	if tr.restartCount() != 1 {
		t.Fatalf("restarts=%d, want 1", tr.restartCount())
	}

	// Just inside the grace window the session is still alive.
	clk.Advance(9 * time.Second)
	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}

	tr.events.Connect()
	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if connected.get() != 2 {
		t.Fatalf("connected callbacks=%d, want 2", connected.get())
	}

	// The canceled grace timer must not tear down the recovered session.
	clk.Advance(time.Minute)
	if s.State() != StateConnected {
		t.Fatalf("state=%v after recovery, want connected", s.State())
	}
}

func TestSession_ICEReconnectEndsRestart(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	var connected counter
	s := newTestSession(t, clk, f, Events{Connected: connected.inc})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)
	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}

	// Recovery reported through the ICE state, without a Connect event.
	tr.reportICEState(ICEConnected)

	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if connected.get() != 2 {
		t.Fatalf("connected callbacks=%d, want 2", connected.get())
	}
	clk.Advance(time.Minute)
	if s.State() != StateConnected {
		t.Fatalf("state=%v after recovery, want connected", s.State())
	}
}

func TestSession_GraceExpiryChecksTransportState(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	s := newTestSession(t, clk, f, Events{})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)

	// The transport recovered but its state-change callback lost the race
	// against the deadline: the deadline check must see the recovery.
	tr.setState(ICEConnected)
	clk.Advance(10 * time.Second)

	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if tr.isDestroyed() {
		t.Fatalf("recovered transport destroyed at grace expiry")
	}
}

func TestSession_GraceExtendedWhileRecovering(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	s := newTestSession(t, clk, f, Events{})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)

	// Still disconnected at the deadline: not failed yet, so not torn down.
	clk.Advance(10 * time.Second)
	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}

	// Once the transport settles on failed, the next deadline is final.
	tr.setState(ICEFailed)
	clk.Advance(10 * time.Second)
	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if !tr.isDestroyed() {
		t.Fatalf("failed transport not destroyed")
	}
}

func TestSession_TransportEventDuringConstruction(t *testing.T) {
	f := &fakeFactory{
		onBuild: func(tr *fakeTransport) { tr.reportICEState(ICEDisconnected) },
	}
	s := newTestSession(t, newFakeClock(), f, Events{})
	tr := f.last()

	// The drop arrived before the transport handle existed; nothing to
	// restart yet.
	if s.State() != StateNegotiating {
		t.Fatalf("state=%v, want negotiating", s.State())
	}
	if tr.restartCount() != 0 {
		t.Fatalf("restarts=%d during construction, want 0", tr.restartCount())
	}

	// A drop on the live transport still opens the restart window.
	tr.reportICEState(ICEDisconnected)
	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}
	if tr.restartCount() != 1 {
		t.Fatalf("restarts=%d, want 1", tr.restartCount())
	}
}

func TestSession_RestartGraceExpiry(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	var closed counter
	s := newTestSession(t, clk, f, Events{Closed: closed.inc})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEFailed)

	clk.Advance(10 * time.Second)

	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if !tr.isDestroyed() {
		t.Fatalf("transport not destroyed on grace expiry")
	}
	if closed.get() != 1 {
		t.Fatalf("closed callbacks=%d, want 1", closed.get())
	}
}

func TestSession_SecondDropDuringRestartIsIgnored(t *testing.T) {
	clk := newFakeClock()
	f := &fakeFactory{}
	s := newTestSession(t, clk, f, Events{})
	tr := f.last()

	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)
	clk.Advance(5 * time.Second)
	tr.reportICEState(ICEFailed)

	if tr.restartCount() != 1 {
		t.Fatalf("restarts=%d, want 1", tr.restartCount())
	}

	// The original window still applies: 5 more seconds reach the deadline.
	clk.Advance(5 * time.Second)
	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
}

func TestSession_RestartAllowedWhileNegotiating(t *testing.T) {
	f := &fakeFactory{}
	s := newTestSession(t, newFakeClock(), f, Events{})
	tr := f.last()

	tr.reportICEState(ICEDisconnected)

	if s.State() != StateRestarting {
		t.Fatalf("state=%v, want restarting", s.State())
	}
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	var closed counter
	s := newTestSession(t, newFakeClock(), f, Events{Closed: closed.inc})
	tr := f.last()

	s.Destroy()
	s.Destroy()
	tr.events.Close()

	if closed.get() != 1 {
		t.Fatalf("closed callbacks=%d, want 1", closed.get())
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
}

func TestSession_ClosedIsTerminal(t *testing.T) {
	f := &fakeFactory{}
	var connected counter
	s := newTestSession(t, newFakeClock(), f, Events{Connected: connected.inc})
	tr := f.last()

	s.Destroy()
	tr.events.Connect()
	tr.reportICEState(ICEDisconnected)

	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if connected.get() != 0 {
		t.Fatalf("connected callbacks=%d, want 0", connected.get())
	}
	if tr.restartCount() != 0 {
		t.Fatalf("restarts=%d after close, want 0", tr.restartCount())
	}
}

func TestSession_SignalAfterCloseIsDropped(t *testing.T) {
	f := &fakeFactory{}
	s := newTestSession(t, newFakeClock(), f, Events{})
	tr := f.last()

	s.Destroy()

	if err := s.Signal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`)); err != nil {
		t.Fatalf("signal after close: %v", err)
	}
	tr.mu.Lock()
	n := len(tr.inbound)
	tr.mu.Unlock()
	if n != 0 {
		t.Fatalf("transport received %d signals after close, want 0", n)
	}
}

func TestSession_FactoryFailure(t *testing.T) {
	wantErr := errors.New("no transport")
	f := &fakeFactory{fail: wantErr}

	_, err := NewSession(SessionConfig{
		RemoteID: "remote-1",
		Factory:  f.build,
		Clock:    newFakeClock(),
		Log:      zerolog.Nop(),
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v, want %v", err, wantErr)
	}
}
