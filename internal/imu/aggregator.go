// Package imu maintains one reconnecting websocket stream per configured
// sensor source, reconciles the independently-arriving accelerometer and
// gyroscope messages into complete records, and exposes a thread-safe
// latest-record-per-source snapshot.
package imu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jugglehub/hub/internal/monitoring"
	"github.com/jugglehub/hub/internal/telemetry"
	"github.com/jugglehub/hub/internal/timeutil"
)

// DefaultPort is the websocket port sensor sources listen on.
const DefaultPort = 8081

// DefaultBackoff is the fixed wait between reconnect attempts. Sources are
// expected to disappear and reappear, so retries are unbounded in count and
// the backoff only prevents tight-loop reconnects.
const DefaultBackoff = 2 * time.Second

// stopGrace bounds how long Stop waits for the connection goroutines.
const stopGrace = 2 * time.Second

// ConnState describes one source connection's lifecycle position.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateStreaming    ConnState = "streaming"
)

// SourceState is a read-only view of one source's connection.
type SourceState struct {
	Address string
	State   ConnState
	Retries int
}

// Conn is the subset of a websocket connection the aggregator uses.
// Production connections wrap coder/websocket; tests script their own.
type Conn interface {
	// Read returns the next message payload.
	Read(ctx context.Context) ([]byte, error)
	// Write sends a text control message.
	Write(ctx context.Context, p []byte) error
	Close() error
}

// DialFunc opens a streaming connection to a source URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Config configures an Aggregator.
type Config struct {
	// Addresses lists the sensor source hosts, one connection each.
	Addresses []string

	// Port is the websocket port on every source. Defaults to DefaultPort.
	Port int

	// Backoff is the fixed reconnect wait. Defaults to DefaultBackoff.
	Backoff time.Duration

	// Dial overrides the websocket dialer (used by tests).
	Dial DialFunc

	// Clock overrides the time source (used by tests).
	Clock timeutil.Clock
}

// pendingState accumulates the partial sensor readings for one source
// identity until both kinds have been seen.
type pendingState struct {
	address     string
	accel       *telemetry.Vec3
	gyro        *telemetry.Vec3
	accelMicros int64
	gyroMicros  int64
}

// Aggregator owns the per-source connection goroutines and the published
// snapshot map. All exported methods are safe for concurrent use.
type Aggregator struct {
	addresses []string
	port      int
	backoff   time.Duration
	dial      DialFunc
	clock     timeutil.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	latest  map[string]telemetry.IMURecord
	pending map[string]*pendingState
	states  map[string]*SourceState

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates an Aggregator. Call Start to begin streaming.
func New(cfg Config) *Aggregator {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		addresses: cfg.Addresses,
		port:      cfg.Port,
		backoff:   cfg.Backoff,
		dial:      cfg.Dial,
		clock:     cfg.Clock,
		ctx:       ctx,
		cancel:    cancel,
		latest:    make(map[string]telemetry.IMURecord),
		pending:   make(map[string]*pendingState),
		states:    make(map[string]*SourceState),
	}
	for _, addr := range cfg.Addresses {
		a.states[addr] = &SourceState{Address: addr, State: StateDisconnected}
	}
	return a
}

// Start spawns one persistent connection goroutine per configured source.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		for _, addr := range a.addresses {
			a.wg.Add(1)
			go a.runSource(addr)
		}
		monitoring.Logf("imu: aggregator started for %d sources", len(a.addresses))
	})
}

// Stop signals every connection goroutine and waits until all have exited
// or the grace period elapses. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-a.clock.After(stopGrace):
			monitoring.Logf("imu: source connections did not stop within %s", stopGrace)
		}
	})
}

// Snapshot returns a copy of the most recent complete record per source.
// Callers never observe a half-reconciled record: records enter the map
// only as whole values, and the map itself is copied under the read lock.
func (a *Aggregator) Snapshot() map[string]telemetry.IMURecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]telemetry.IMURecord, len(a.latest))
	for k, v := range a.latest {
		out[k] = v
	}
	return out
}

// State returns the connection state for a configured source address.
func (a *Aggregator) State(address string) (SourceState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[address]
	if !ok {
		return SourceState{}, false
	}
	return *st, true
}

// runSource is the per-source state machine: disconnected → connecting →
// streaming, back to disconnected on any failure, fixed backoff, retry
// until shutdown.
func (a *Aggregator) runSource(address string) {
	defer a.wg.Done()

	url := fmt.Sprintf("ws://%s:%d/imu", address, a.port)
	for {
		if a.ctx.Err() != nil {
			return
		}

		a.setState(address, StateConnecting)
		conn, err := a.dial(a.ctx, url)
		if err != nil {
			a.setState(address, StateDisconnected)
			a.bumpRetries(address)
			if a.ctx.Err() != nil {
				return
			}
			monitoring.Logf("imu: connect to %s failed, retrying in %s: %v", url, a.backoff, err)
			a.sleepBackoff()
			continue
		}

		a.setState(address, StateStreaming)
		monitoring.Logf("imu: streaming from %s", url)
		err = a.stream(conn, address)

		// Best-effort stop command: the link may already be dead, and a
		// failure here changes nothing about the retry path.
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if werr := conn.Write(stopCtx, []byte(`{"command":"stop"}`)); werr == nil {
			monitoring.Logf("imu: sent stop command to %s", address)
		}
		cancel()
		conn.Close()

		a.setState(address, StateDisconnected)
		if a.ctx.Err() != nil {
			return
		}
		monitoring.Logf("imu: stream from %s ended, retrying in %s: %v", address, a.backoff, err)
		a.bumpRetries(address)
		a.sleepBackoff()
	}
}

// stream sends the start command and consumes messages until the
// connection fails or shutdown is requested.
func (a *Aggregator) stream(conn Conn, address string) error {
	if err := conn.Write(a.ctx, []byte(`{"command":"start"}`)); err != nil {
		return fmt.Errorf("send start command: %w", err)
	}

	for {
		payload, err := conn.Read(a.ctx)
		if err != nil {
			return err
		}
		a.handleMessage(address, payload)
	}
}

// sourceMessage is one inbound partial-sensor message.
type sourceMessage struct {
	WatchID     string  `json:"watch_id"`
	Type        string  `json:"type"`
	TimestampNs int64   `json:"timestamp_ns"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
}

// handleMessage reconciles one partial update. Malformed or unexpected
// messages are dropped without affecting the connection.
func (a *Aggregator) handleMessage(address string, payload []byte) {
	var msg sourceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Type != "accel" && msg.Type != "gyro" {
		return
	}

	source := msg.WatchID
	if source == "" {
		source = address
	}
	micros := msg.TimestampNs / 1000
	axes := telemetry.Vec3{X: msg.X, Y: msg.Y, Z: msg.Z}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.pending[source]
	if !ok {
		state = &pendingState{}
		a.pending[source] = state
	}
	state.address = address

	switch msg.Type {
	case "accel":
		state.accel = &axes
		state.accelMicros = micros
	case "gyro":
		state.gyro = &axes
		state.gyroMicros = micros
	}

	// Publish only once both sensor kinds have been seen. The record is
	// built whole and replaces the prior one atomically, so a snapshot
	// never mixes one source's old acceleration with new angular rate.
	if state.accel == nil || state.gyro == nil {
		return
	}
	ts := state.accelMicros
	if state.gyroMicros > ts {
		ts = state.gyroMicros
	}
	a.latest[source] = telemetry.IMURecord{
		Source:          source,
		Address:         state.address,
		Acceleration:    *state.accel,
		Gyroscope:       *state.gyro,
		AccelMagnitude:  state.accel.Magnitude(),
		GyroMagnitude:   state.gyro.Magnitude(),
		TimestampMicros: ts,
	}
}

func (a *Aggregator) setState(address string, s ConnState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[address]; ok {
		st.State = s
	}
}

func (a *Aggregator) bumpRetries(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[address]; ok {
		st.Retries++
	}
}

// sleepBackoff waits the fixed backoff but returns early on shutdown.
func (a *Aggregator) sleepBackoff() {
	select {
	case <-a.ctx.Done():
	case <-a.clock.After(a.backoff):
	}
}
