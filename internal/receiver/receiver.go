// Package receiver subscribes to the engine's binary pub/sub feed and fans
// decoded frames out to registered observers.
package receiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/jugglehub/hub/internal/monitoring"
	"github.com/jugglehub/hub/internal/telemetry"
	"github.com/jugglehub/hub/internal/timeutil"
)

// DefaultEndpoint is where the engine publishes frames.
const DefaultEndpoint = "tcp://localhost:5555"

// DefaultErrorCeiling is how many consecutive decode failures the receive
// loop tolerates before it fail-stops.
const DefaultErrorCeiling = 10

// defaultFPSWindow is the number of arrival timestamps kept for the
// rolling FPS estimate.
const defaultFPSWindow = 30

// stopGrace bounds how long Stop waits for the receive loop to exit.
const stopGrace = 2 * time.Second

// Observer is invoked with each successfully decoded frame, on the receive
// goroutine. Observers must not block.
type Observer func(*telemetry.Frame)

// ObserverHandle identifies a registered observer for later removal.
type ObserverHandle string

// Socket is the subset of a ZeroMQ SUB socket the receiver uses. The
// production implementation is a zmq4 socket; tests substitute a mock.
type Socket interface {
	Dial(endpoint string) error
	SetOption(name string, value interface{}) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Config configures a Receiver.
type Config struct {
	// Endpoint is the pub/sub endpoint to subscribe to.
	// Defaults to DefaultEndpoint.
	Endpoint string

	// ErrorCeiling is the consecutive decode failure count at which the
	// receive loop fail-stops. Defaults to DefaultErrorCeiling.
	ErrorCeiling int

	// FPSWindow is the arrival window size for the FPS estimate.
	FPSWindow int

	// StatsInterval enables periodic throughput logging when non-zero.
	StatsInterval time.Duration

	// Socket overrides the transport socket (used by tests).
	Socket Socket

	// Clock overrides the time source (used by tests).
	Clock timeutil.Clock
}

type observerEntry struct {
	handle ObserverHandle
	fn     Observer
}

// Receiver owns the subscribe socket and the receive goroutine. All
// exported methods are safe for concurrent use.
type Receiver struct {
	endpoint      string
	errorCeiling  int
	statsInterval time.Duration
	clock         timeutil.Clock

	sock   Socket
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	observers []observerEntry
	stats     statsState

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// New creates a Receiver. Call Start to begin receiving.
func New(cfg Config) *Receiver {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ErrorCeiling <= 0 {
		cfg.ErrorCeiling = DefaultErrorCeiling
	}
	if cfg.FPSWindow <= 0 {
		cfg.FPSWindow = defaultFPSWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		endpoint:      cfg.Endpoint,
		errorCeiling:  cfg.ErrorCeiling,
		statsInterval: cfg.StatsInterval,
		clock:         cfg.Clock,
		sock:          cfg.Socket,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		stats:         newStatsState(cfg.FPSWindow),
	}
}

// Start dials the endpoint and spawns the receive goroutine. It never
// blocks on message arrival; a connection that cannot be established at
// all is reported as an error.
func (r *Receiver) Start() error {
	var startErr error
	r.startOnce.Do(func() {
		if r.sock == nil {
			r.sock = zmq4.NewSub(r.ctx)
		}
		if err := r.sock.Dial(r.endpoint); err != nil {
			startErr = fmt.Errorf("dial %s: %w", r.endpoint, err)
			return
		}
		// Empty filter: subscribe to everything the engine publishes.
		if err := r.sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			startErr = fmt.Errorf("subscribe on %s: %w", r.endpoint, err)
			return
		}

		r.mu.Lock()
		r.stats.running = true
		r.started = true
		r.mu.Unlock()

		monitoring.Logf("receiver: subscribed to %s", r.endpoint)
		go r.loop()
		if r.statsInterval > 0 {
			go r.logStatsLoop()
		}
	})
	return startErr
}

// AddObserver registers fn to be called with every decoded frame, after
// all previously registered observers.
func (r *Receiver) AddObserver(fn Observer) ObserverHandle {
	handle := ObserverHandle(uuid.NewString())
	r.mu.Lock()
	r.observers = append(r.observers, observerEntry{handle: handle, fn: fn})
	r.mu.Unlock()
	return handle
}

// RemoveObserver unregisters the observer identified by handle. Removing
// an unknown handle is a no-op.
func (r *Receiver) RemoveObserver(handle ObserverHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.observers {
		if e.handle == handle {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot()
}

// IsReceiving reports whether a frame arrived within the timeout window.
func (r *Receiver) IsReceiving(timeout time.Duration) bool {
	r.mu.Lock()
	last := r.stats.lastArrival
	r.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return r.clock.Since(last) < timeout
}

// Stop signals the receive goroutine, releases the socket so a blocked
// Recv returns, and waits up to a bounded grace period for the loop to
// exit. Safe to call more than once.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		if r.sock != nil {
			if err := r.sock.Close(); err != nil {
				monitoring.Logf("receiver: close socket: %v", err)
			}
		}
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started {
			select {
			case <-r.done:
			case <-r.clock.After(stopGrace):
				monitoring.Logf("receiver: receive loop did not stop within %s", stopGrace)
			}
		}
		r.markStopped()
	})
}

func (r *Receiver) loop() {
	defer close(r.done)
	defer r.markStopped()

	for {
		if r.ctx.Err() != nil {
			return
		}

		msg, err := r.sock.Recv()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			// Transient transport errors are not decode errors; back off
			// briefly so a wedged socket cannot spin the loop.
			monitoring.Logf("receiver: receive error: %v", err)
			r.clock.Sleep(100 * time.Millisecond)
			continue
		}

		payload := msg.Bytes()
		now := r.clock.Now()

		r.mu.Lock()
		r.stats.recordArrival(now, len(payload))
		r.mu.Unlock()

		frame, err := telemetry.DecodeFrame(payload)
		if err != nil {
			r.mu.Lock()
			r.stats.consecutiveErrors++
			errs := r.stats.consecutiveErrors
			r.mu.Unlock()

			monitoring.Logf("receiver: decode error (%d consecutive): %v", errs, err)
			if errs >= r.errorCeiling {
				monitoring.Logf("receiver: %d consecutive decode errors, stopping receive loop", errs)
				return
			}
			continue
		}

		r.mu.Lock()
		r.stats.consecutiveErrors = 0
		observers := make([]observerEntry, len(r.observers))
		copy(observers, r.observers)
		r.mu.Unlock()

		for _, e := range observers {
			notifyObserver(e, frame)
		}
	}
}

// notifyObserver isolates observer panics so one failing observer cannot
// stop delivery to the rest or kill the receive loop.
func notifyObserver(e observerEntry, frame *telemetry.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("receiver: observer %s panicked on frame %d: %v", e.handle, frame.Sequence, rec)
		}
	}()
	e.fn(frame)
}

func (r *Receiver) markStopped() {
	r.mu.Lock()
	r.stats.running = false
	r.mu.Unlock()
}

func (r *Receiver) logStatsLoop() {
	ticker := r.clock.NewTicker(r.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C():
			s := r.Stats()
			monitoring.Logf("receiver stats: %d frames, %d bytes, %.1f FPS, %d consecutive errors",
				s.FramesReceived, s.BytesReceived, s.FPS, s.ConsecutiveErrors)
		}
	}
}
