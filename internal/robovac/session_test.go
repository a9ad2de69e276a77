package robovac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarrant/robovac-bridge/internal/tuya"
)

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	getErr     error
	setErr     error
	dps        map[string]any
	getCalls   int
	setCalls   []map[string]any
	events     chan tuya.Event
	closed     bool
}

func newFakeTransport(dps map[string]any) *fakeTransport {
	return &fakeTransport{dps: dps, events: make(chan tuya.Event, 8)}
}

func (f *fakeTransport) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeTransport) Get(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make(map[string]any, len(f.dps))
	for k, v := range f.dps {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTransport) Set(_ context.Context, dps map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, dps)
	return nil
}

func (f *fakeTransport) Events() <-chan tuya.Event {
	return f.events
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeTransport) sets() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.setCalls...)
}

func testIdentity() Identity {
	return Identity{DeviceID: "dev1", LocalKey: "0123456789abcdef", Host: "192.168.1.50"}
}

func newTestSession(t *testing.T, transport Transport) *Session {
	t.Helper()
	session, err := NewSession(SessionOptions{
		Identity: testIdentity(),
		NewTransport: func(string, int) Transport {
			return transport
		},
		Discover: func(context.Context, string, time.Duration) (string, error) {
			t.Fatalf("discovery must not run with a configured address")
			return "", nil
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

func TestNewSessionRequiresIdentity(t *testing.T) {
	factoryCalls := 0
	_, err := NewSession(SessionOptions{
		Identity: Identity{DeviceID: "", LocalKey: "key"},
		NewTransport: func(string, int) Transport {
			factoryCalls++
			return nil
		},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if factoryCalls != 0 {
		t.Fatalf("no transport must be built before validation passes")
	}

	_, err = NewSession(SessionOptions{Identity: Identity{DeviceID: "dev1", LocalKey: ""}})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for empty local key, got %v", err)
	}
}

func TestQueryReturnsCachedSnapshotWithinWindow(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(55)})
	session := newTestSession(t, transport)

	base := time.Now()
	session.now = func() time.Time { return base }

	state, err := session.Query(context.Background(), false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state.Battery != 55 {
		t.Fatalf("battery = %d, want 55", state.Battery)
	}
	if transport.gets() != 1 {
		t.Fatalf("get calls = %d, want 1", transport.gets())
	}

	// 10s later the snapshot is still fresh.
	session.now = func() time.Time { return base.Add(10 * time.Second) }
	state, err = session.Query(context.Background(), false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state.Battery != 55 {
		t.Fatalf("battery = %d, want 55", state.Battery)
	}
	if transport.gets() != 1 {
		t.Fatalf("cached query must not read the transport, got %d reads", transport.gets())
	}

	// Past the window a fresh read happens.
	session.now = func() time.Time { return base.Add(31 * time.Second) }
	if _, err := session.Query(context.Background(), false); err != nil {
		t.Fatalf("query: %v", err)
	}
	if transport.gets() != 2 {
		t.Fatalf("stale query must read the transport, got %d reads", transport.gets())
	}
}

func TestQueryForceAlwaysReads(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(80)})
	session := newTestSession(t, transport)

	for i := 0; i < 3; i++ {
		if _, err := session.Query(context.Background(), true); err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
	}
	if transport.gets() != 3 {
		t.Fatalf("get calls = %d, want 3", transport.gets())
	}
}

func TestCommandDeliversAllFieldsInOneMessage(t *testing.T) {
	transport := newFakeTransport(nil)
	session := newTestSession(t, transport)

	fields := map[string]any{
		DPWorkMode:   string(WorkModeAuto),
		DPCleanSpeed: string(CleanSpeedMax),
		DPPlayPause:  true,
	}
	if err := session.Command(context.Background(), fields); err != nil {
		t.Fatalf("command: %v", err)
	}

	sets := transport.sets()
	if len(sets) != 1 {
		t.Fatalf("set calls = %d, want a single multi-field write", len(sets))
	}
	for code, want := range fields {
		if got, ok := sets[0][code]; !ok || got != want {
			t.Errorf("field %s = %v, want %v", code, got, want)
		}
	}
}

func TestGoHomeSkipsWhenDocked(t *testing.T) {
	for _, status := range []WorkStatus{WorkStatusCompleted, WorkStatusCharging} {
		transport := newFakeTransport(map[string]any{DPWorkStatus: string(status)})
		session := newTestSession(t, transport)

		if err := session.GoHome(context.Background()); err != nil {
			t.Fatalf("%s: go home: %v", status, err)
		}
		if len(transport.sets()) != 0 {
			t.Errorf("%s: expected no commands, got %d", status, len(transport.sets()))
		}
	}
}

func TestGoHomeCommandsWhenActive(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPWorkStatus: string(WorkStatusRunning)})
	session := newTestSession(t, transport)

	if err := session.GoHome(context.Background()); err != nil {
		t.Fatalf("go home: %v", err)
	}
	sets := transport.sets()
	if len(sets) != 1 {
		t.Fatalf("expected exactly one command, got %d", len(sets))
	}
	if on, ok := sets[0][DPGoHome].(bool); !ok || !on {
		t.Fatalf("expected go-home data point, got %v", sets[0])
	}
}

func TestGoHomeForcesStatusRefresh(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPWorkStatus: string(WorkStatusCharging)})
	session := newTestSession(t, transport)

	// Prime the cache with an active status, then flip the device to
	// charging. GoHome must see the fresh status, not the cache.
	transport.mu.Lock()
	transport.dps[DPWorkStatus] = string(WorkStatusRunning)
	transport.mu.Unlock()
	if _, err := session.Query(context.Background(), false); err != nil {
		t.Fatalf("prime query: %v", err)
	}
	transport.mu.Lock()
	transport.dps[DPWorkStatus] = string(WorkStatusCharging)
	transport.mu.Unlock()

	if err := session.GoHome(context.Background()); err != nil {
		t.Fatalf("go home: %v", err)
	}
	if len(transport.sets()) != 0 {
		t.Fatalf("expected no commands after forced refresh, got %d", len(transport.sets()))
	}
}

func TestConnectionErrorPropagates(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.connectErr = errors.New("connection refused")
	session := newTestSession(t, transport)

	_, err := session.Query(context.Background(), true)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if err := session.Command(context.Background(), map[string]any{DPPlayPause: true}); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error on command, got %v", err)
	}
}

func TestReadFailureIsUnreachable(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.getErr = errors.New("read timeout")
	session := newTestSession(t, transport)

	_, err := session.Query(context.Background(), true)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestWriteFailureIsCommandError(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.setErr = errors.New("write refused")
	session := newTestSession(t, transport)

	err := session.Command(context.Background(), map[string]any{DPPlayPause: true})
	if !errors.Is(err, ErrCommand) {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestDiscoveryResolvesUnknownAddress(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(42)})
	var dialedHost string
	session, err := NewSession(SessionOptions{
		Identity: Identity{DeviceID: "dev1", LocalKey: "0123456789abcdef"},
		NewTransport: func(host string, _ int) Transport {
			dialedHost = host
			return transport
		},
		Discover: func(context.Context, string, time.Duration) (string, error) {
			return "10.0.0.5", nil
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if _, err := session.Query(context.Background(), true); err != nil {
		t.Fatalf("query: %v", err)
	}
	if dialedHost != "10.0.0.5" {
		t.Fatalf("dialed host = %q, want discovered address", dialedHost)
	}
}

func TestDiscoveryFailureIsSwallowedWithStaticAddress(t *testing.T) {
	// A configured address must never reach the discovery step at
	// all; newTestSession's Discover stub fails the test if called.
	transport := newFakeTransport(map[string]any{DPBattery: float64(42)})
	session := newTestSession(t, transport)
	if _, err := session.Query(context.Background(), true); err != nil {
		t.Fatalf("query: %v", err)
	}
}

func TestDiscoveryFailureWithoutAddressIsConnectionError(t *testing.T) {
	session, err := NewSession(SessionOptions{
		Identity: Identity{DeviceID: "dev1", LocalKey: "0123456789abcdef"},
		NewTransport: func(string, int) Transport {
			return newFakeTransport(nil)
		},
		Discover: func(context.Context, string, time.Duration) (string, error) {
			return "", errors.New("no broadcast heard")
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	_, err = session.Query(context.Background(), true)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	var mu sync.Mutex
	var dialed []*fakeTransport
	session, err := NewSession(SessionOptions{
		Identity: Identity{DeviceID: "dev1", LocalKey: "0123456789abcdef"},
		NewTransport: func(string, int) Transport {
			mu.Lock()
			defer mu.Unlock()
			transport := newFakeTransport(map[string]any{DPBattery: float64(50)})
			dialed = append(dialed, transport)
			return transport
		},
		// Slow discovery widens the window in which racing callers
		// would each build their own transport.
		Discover: func(context.Context, string, time.Duration) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "10.0.0.5", nil
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.EnsureConnected(context.Background()); err != nil {
				t.Errorf("ensure connected: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 1 {
		t.Fatalf("transports dialed = %d, want 1", len(dialed))
	}
	if dialed[0].closed {
		t.Fatalf("winning transport must stay open")
	}
	if session.ConnState() != StateConnected {
		t.Fatalf("state = %v, want connected", session.ConnState())
	}
}

func TestEventPushRefreshesSnapshot(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(50), DPWorkStatus: string(WorkStatusRunning)})
	session := newTestSession(t, transport)

	if _, err := session.Query(context.Background(), true); err != nil {
		t.Fatalf("query: %v", err)
	}
	transport.events <- tuya.Event{Kind: tuya.EventData, DPS: map[string]any{DPBattery: float64(49)}}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := session.LastSnapshot()
		if ok && snap.State.Battery == 49 {
			if snap.State.WorkStatus != WorkStatusRunning {
				t.Fatalf("partial push must merge, got %+v", snap.State)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot not refreshed by data push")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransportDropResetsConnectionState(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(50)})
	session := newTestSession(t, transport)

	if _, err := session.Query(context.Background(), true); err != nil {
		t.Fatalf("query: %v", err)
	}
	if session.ConnState() != StateConnected {
		t.Fatalf("state = %v, want connected", session.ConnState())
	}

	transport.events <- tuya.Event{Kind: tuya.EventDisconnected}

	deadline := time.Now().Add(2 * time.Second)
	for session.ConnState() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want disconnected after transport drop", session.ConnState())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseDropsSnapshot(t *testing.T) {
	transport := newFakeTransport(map[string]any{DPBattery: float64(50)})
	session := newTestSession(t, transport)

	if _, err := session.Query(context.Background(), true); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := session.LastSnapshot(); ok {
		t.Fatalf("snapshot must be discarded on close")
	}
	if session.ConnState() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", session.ConnState())
	}
}
