package robovac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarrant/robovac-bridge/internal/tuya"
)

const (
	// DefaultFreshFor is how long a cached snapshot is trusted without
	// a refresh.
	DefaultFreshFor = 30 * time.Second

	// DefaultDiscoveryTimeout bounds the broadcast discovery step.
	DefaultDiscoveryTimeout = 2 * time.Second
)

// Identity is the immutable identity of one physical device.
type Identity struct {
	DeviceID string
	LocalKey string
	Host     string
	Port     int
}

// NewIdentity validates the required fields. Host may be empty when the
// address is resolved by discovery; Port defaults to the protocol port.
func NewIdentity(deviceID, localKey, host string, port int) (Identity, error) {
	if deviceID == "" {
		return Identity{}, fmt.Errorf("%w: device id is required", ErrConfiguration)
	}
	if localKey == "" {
		return Identity{}, fmt.Errorf("%w: local key is required", ErrConfiguration)
	}
	if port == 0 {
		port = tuya.DefaultPort
	}
	return Identity{DeviceID: deviceID, LocalKey: localKey, Host: host, Port: port}, nil
}

// ConnState tracks the session connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Snapshot is the last observed full device state and when it was
// captured.
type Snapshot struct {
	State      State
	CapturedAt time.Time
}

// Transport is the point-to-point session primitive the session drives.
// Implemented by *tuya.Device; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Get(ctx context.Context) (map[string]any, error)
	Set(ctx context.Context, dps map[string]any) error
	Events() <-chan tuya.Event
	Close() error
}

// TransportFactory dials a fresh transport for the given address. The
// session discards a transport after it drops and dials a new one.
type TransportFactory func(host string, port int) Transport

// DiscoverFunc resolves a device address by broadcast.
type DiscoverFunc func(ctx context.Context, deviceID string, timeout time.Duration) (string, error)

// SessionOptions configures a Session. Identity is required; all other
// fields default to the production implementations.
type SessionOptions struct {
	Identity         Identity
	NewTransport     TransportFactory
	Discover         DiscoverFunc
	Logger           zerolog.Logger
	FreshFor         time.Duration
	DiscoveryTimeout time.Duration
}

// Session owns the connection lifecycle to one device, the cached state
// snapshot, and the command/query path. It surfaces every failure to
// its caller and never retries internally.
type Session struct {
	identity         Identity
	newTransport     TransportFactory
	discover         DiscoverFunc
	log              zerolog.Logger
	freshFor         time.Duration
	discoveryTimeout time.Duration
	now              func() time.Time

	// dialMu serializes connect attempts so concurrent cache-miss
	// queries never dial more than one transport.
	dialMu sync.Mutex

	mu        sync.Mutex
	transport Transport
	connState ConnState
	snapshot  *Snapshot
}

// NewSession builds a lazily-connecting session. No network activity
// happens until the first query or command.
func NewSession(opts SessionOptions) (*Session, error) {
	identity, err := NewIdentity(opts.Identity.DeviceID, opts.Identity.LocalKey, opts.Identity.Host, opts.Identity.Port)
	if err != nil {
		return nil, err
	}

	s := &Session{
		identity:         identity,
		newTransport:     opts.NewTransport,
		discover:         opts.Discover,
		log:              opts.Logger,
		freshFor:         opts.FreshFor,
		discoveryTimeout: opts.DiscoveryTimeout,
		now:              time.Now,
	}
	if s.newTransport == nil {
		s.newTransport = func(host string, port int) Transport {
			return tuya.NewDevice(host, port, identity.DeviceID, identity.LocalKey)
		}
	}
	if s.discover == nil {
		s.discover = tuya.Discover
	}
	if s.freshFor <= 0 {
		s.freshFor = DefaultFreshFor
	}
	if s.discoveryTimeout <= 0 {
		s.discoveryTimeout = DefaultDiscoveryTimeout
	}
	return s, nil
}

// Identity returns the device identity the session was built with.
func (s *Session) Identity() Identity {
	return s.identity
}

// ConnState reports the current connection lifecycle state.
func (s *Session) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// LastSnapshot returns the cached snapshot, if any, without touching
// the network.
func (s *Session) LastSnapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return Snapshot{}, false
	}
	return *s.snapshot, true
}

// EnsureConnected opens the device session if it is not already live.
// When no address is configured it first attempts a bounded broadcast
// discovery; discovery failures are logged and swallowed because the
// configured address may still work. The device accepts a single local
// connection, so only one dial may be in flight at a time; late
// arrivals wait and reuse the winner's transport.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.connState == StateConnected && s.transport != nil {
		s.mu.Unlock()
		return nil
	}
	s.connState = StateConnecting
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		host := s.identity.Host
		if host == "" {
			dctx, cancel := context.WithTimeout(ctx, s.discoveryTimeout)
			resolved, err := s.discover(dctx, s.identity.DeviceID, s.discoveryTimeout)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Str("device_id", s.identity.DeviceID).Msg("broadcast discovery failed")
			} else {
				host = resolved
				s.log.Debug().Str("host", host).Msg("device resolved by broadcast")
			}
		}
		if host == "" {
			s.setState(StateDisconnected)
			return fmt.Errorf("%w: no device address configured or discovered", ErrConnection)
		}
		transport = s.newTransport(host, s.identity.Port)
		s.mu.Lock()
		s.transport = transport
		s.mu.Unlock()
		go s.pumpEvents(transport)
	}

	if err := transport.Connect(ctx); err != nil {
		s.mu.Lock()
		s.connState = StateDisconnected
		if s.transport == transport {
			s.transport = nil
		}
		s.mu.Unlock()
		_ = transport.Close()
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s.setState(StateConnected)
	return nil
}

// Query returns the device state. Within the freshness window the
// cached snapshot is returned without touching the network unless force
// is set; otherwise a full schema read replaces the snapshot.
func (s *Session) Query(ctx context.Context, force bool) (State, error) {
	if !force {
		s.mu.Lock()
		if snap := s.snapshot; snap != nil && s.now().Sub(snap.CapturedAt) < s.freshFor {
			state := snap.State
			s.mu.Unlock()
			return state, nil
		}
		s.mu.Unlock()
	}

	if err := s.EnsureConnected(ctx); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return State{}, fmt.Errorf("%w: session dropped during query", ErrDeviceUnreachable)
	}

	dps, err := transport.Get(ctx)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}
	state := ParseState(dps)
	s.mu.Lock()
	s.snapshot = &Snapshot{State: state, CapturedAt: s.now()}
	s.mu.Unlock()
	return state, nil
}

// Command writes the given data points as one control message. All
// fields are delivered atomically; a failure surfaces as ErrCommand and
// is not retried.
func (s *Session) Command(ctx context.Context, dps map[string]any) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("%w: session dropped during command", ErrCommand)
	}
	if err := transport.Set(ctx, dps); err != nil {
		return fmt.Errorf("%w: %w", ErrCommand, err)
	}
	return nil
}

// PlayPause reports whether the device is cleaning.
func (s *Session) PlayPause(ctx context.Context) (bool, error) {
	state, err := s.Query(ctx, false)
	return state.PlayPause, err
}

// BatteryLevel reports the battery percentage (0-100).
func (s *Session) BatteryLevel(ctx context.Context) (int, error) {
	state, err := s.Query(ctx, false)
	return state.Battery, err
}

// WorkStatus reports the device activity state.
func (s *Session) WorkStatus(ctx context.Context) (WorkStatus, error) {
	state, err := s.Query(ctx, false)
	return state.WorkStatus, err
}

// FindRobot reports whether the locator chime is active.
func (s *Session) FindRobot(ctx context.Context) (bool, error) {
	state, err := s.Query(ctx, false)
	return state.FindRobot, err
}

// ErrorCode reports the device error code data point.
func (s *Session) ErrorCode(ctx context.Context) (string, error) {
	state, err := s.Query(ctx, false)
	return state.ErrorCode, err
}

func (s *Session) SetPlayPause(ctx context.Context, on bool) error {
	return s.Command(ctx, map[string]any{DPPlayPause: on})
}

func (s *Session) SetFindRobot(ctx context.Context, on bool) error {
	return s.Command(ctx, map[string]any{DPFindRobot: on})
}

func (s *Session) SetCleanSpeed(ctx context.Context, speed CleanSpeed) error {
	return s.Command(ctx, map[string]any{DPCleanSpeed: string(speed)})
}

func (s *Session) SetWorkMode(ctx context.Context, mode WorkMode) error {
	return s.Command(ctx, map[string]any{DPWorkMode: string(mode)})
}

func (s *Session) SetDirection(ctx context.Context, dir Direction) error {
	return s.Command(ctx, map[string]any{DPDirection: string(dir)})
}

// GoHome sends the device back to its dock. Already-docked devices
// (work status completed or charging) make this a no-op; the status is
// re-read with a forced refresh before deciding.
func (s *Session) GoHome(ctx context.Context) error {
	state, err := s.Query(ctx, true)
	if err != nil {
		return err
	}
	if state.WorkStatus.Docked() {
		s.log.Debug().Str("work_status", string(state.WorkStatus)).Msg("already docked, skipping go-home")
		return nil
	}
	return s.Command(ctx, map[string]any{DPGoHome: true})
}

// Close tears the session down and discards the cached snapshot.
func (s *Session) Close() error {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.connState = StateDisconnected
	s.snapshot = nil
	s.mu.Unlock()
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (s *Session) setState(state ConnState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
}

// pumpEvents applies transport lifecycle events to the session state
// machine. Data pushes refresh the cached snapshot eagerly when one
// exists.
func (s *Session) pumpEvents(transport Transport) {
	for ev := range transport.Events() {
		switch ev.Kind {
		case tuya.EventConnected:
			s.setState(StateConnected)
		case tuya.EventDisconnected:
			s.mu.Lock()
			if s.transport == transport {
				s.transport = nil
				s.connState = StateDisconnected
			}
			s.mu.Unlock()
			s.log.Info().Str("device_id", s.identity.DeviceID).Msg("device session dropped")
		case tuya.EventData, tuya.EventDataRefresh:
			s.applyPush(ev.DPS)
		}
	}
}

func (s *Session) applyPush(dps map[string]any) {
	if len(dps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return
	}
	s.snapshot = &Snapshot{
		State:      s.snapshot.State.merge(dps),
		CapturedAt: s.now(),
	}
}
