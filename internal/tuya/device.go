package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultPort is the local TCP port every protocol 3.x device
	// listens on.
	DefaultPort = 6668

	heartbeatEvery = 10 * time.Second
	ioTimeout      = 5 * time.Second
)

// EventKind classifies session lifecycle notifications.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventData
	EventDataRefresh
)

// Event is a lifecycle or data notification emitted by a Device. Data
// and DataRefresh events carry the data-point codes pushed by the
// device.
type Event struct {
	Kind EventKind
	DPS  map[string]any
}

// Device is a point-to-point session to one physical device. It is
// single-use: once closed it stays closed and a fresh Device must be
// dialed.
type Device struct {
	host     string
	port     int
	deviceID string
	localKey string

	mu      sync.Mutex
	conn    net.Conn
	decoder *frameDecoder
	seq     uint32

	subSeq       uint64
	subscribers  map[uint64]func(Message)
	events       chan Event
	eventsClosed bool
	closed       chan struct{}
}

func NewDevice(host string, port int, deviceID, localKey string) *Device {
	if port == 0 {
		port = DefaultPort
	}
	return &Device{
		host:     host,
		port:     port,
		deviceID: deviceID,
		localKey: localKey,
		events:   make(chan Event, 16),
		closed:   make(chan struct{}),
	}
}

// Events exposes the lifecycle/data notification channel. Slow readers
// lose notifications rather than stalling the read loop.
func (d *Device) Events() <-chan Event {
	return d.events
}

func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	select {
	case <-d.closed:
		d.mu.Unlock()
		return errors.New("device session closed")
	default:
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.host, strconv.Itoa(d.port)))
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.conn = conn
	d.decoder = newFrameDecoder(d.localKey)
	d.mu.Unlock()

	go d.readLoop(conn)
	go d.heartbeatLoop()
	d.emit(Event{Kind: EventConnected})
	return nil
}

func (d *Device) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			d.Close()
			return
		}
		messages := d.feed(buf[:n])
		d.mu.Lock()
		subs := make([]func(Message), 0, len(d.subscribers))
		for _, cb := range d.subscribers {
			subs = append(subs, cb)
		}
		d.mu.Unlock()
		for _, msg := range messages {
			for _, cb := range subs {
				cb(msg)
			}
			switch msg.Cmd {
			case CmdStatus:
				d.emit(Event{Kind: EventData, DPS: decodeDPS(msg.Payload)})
			case CmdDpRefresh:
				d.emit(Event{Kind: EventDataRefresh, DPS: decodeDPS(msg.Payload)})
			}
		}
	}
}

func (d *Device) feed(data []byte) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoder == nil {
		return nil
	}
	return d.decoder.Feed(data)
}

func (d *Device) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
			_, _ = d.request(ctx, CmdHeartBeat, nil, CmdHeartBeat)
			cancel()
		}
	}
}

// Get requests the full data-point schema and returns the decoded map.
func (d *Device) Get(ctx context.Context) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"gwId":  d.deviceID,
		"devId": d.deviceID,
		"uid":   d.deviceID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
	})
	if err != nil {
		return nil, err
	}
	resp, err := d.request(ctx, CmdDpQuery, payload, CmdDpQuery, CmdStatus)
	if err != nil {
		return nil, err
	}
	dps := decodeDPS(resp.Payload)
	if dps == nil {
		return nil, fmt.Errorf("schema read returned no data points")
	}
	return dps, nil
}

// Set writes the given data points in one control frame. All fields
// travel in a single message so the device never observes a partial
// update.
func (d *Device) Set(ctx context.Context, dps map[string]any) error {
	if len(dps) == 0 {
		return errors.New("no data points to set")
	}
	payload, err := json.Marshal(map[string]any{
		"devId": d.deviceID,
		"uid":   d.deviceID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
		"dps":   dps,
	})
	if err != nil {
		return err
	}
	resp, err := d.request(ctx, CmdControl, payload, CmdControl)
	if err != nil {
		return err
	}
	if resp.ReturnCode != 0 {
		return fmt.Errorf("device rejected control frame: code %d", resp.ReturnCode)
	}
	return nil
}

// subscribe registers a callback and returns its removal func. Removal
// goes by token so interleaved unsubscribes (heartbeats racing user
// requests) never displace another live subscriber.
func (d *Device) subscribe(cb func(Message)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribers == nil {
		d.subscribers = make(map[uint64]func(Message))
	}
	d.subSeq++
	id := d.subSeq
	d.subscribers[id] = cb
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subscribers, id)
	}
}

func (d *Device) request(ctx context.Context, cmd Command, payload []byte, want ...Command) (Message, error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	respCh := make(chan Message, 1)
	unsub := d.subscribe(func(msg Message) {
		if msg.Seq != 0 && msg.Seq != seq {
			return
		}
		for _, w := range want {
			if msg.Cmd == w {
				select {
				case respCh <- msg:
				default:
				}
				return
			}
		}
	})
	defer unsub()

	if err := d.publish(ctx, Message{Seq: seq, Cmd: cmd, Payload: payload}); err != nil {
		return Message{}, err
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-d.closed:
		return Message{}, errors.New("device session closed")
	case resp := <-respCh:
		return resp, nil
	}
}

func (d *Device) publish(ctx context.Context, msg Message) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.New("device not connected")
	}
	frame, err := encodeFrame(msg, d.localKey)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else {
		if err := conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
			return err
		}
	}
	_, err = conn.Write(frame)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

func (d *Device) Close() error {
	d.mu.Lock()
	select {
	case <-d.closed:
		d.mu.Unlock()
		return nil
	default:
		close(d.closed)
	}
	conn := d.conn
	d.conn = nil
	if !d.eventsClosed {
		select {
		case d.events <- Event{Kind: EventDisconnected}:
		default:
		}
		d.eventsClosed = true
		close(d.events)
	}
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (d *Device) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eventsClosed {
		return
	}
	select {
	case d.events <- ev:
	default:
	}
}

func decodeDPS(payload []byte) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var parsed struct {
		DPS map[string]any `json:"dps"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil
	}
	return parsed.DPS
}
