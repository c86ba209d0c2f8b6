// Package hub is the composition point of the telemetry pipeline: it pulls
// decoded frames from the receiver, merges in the current IMU snapshot,
// and dispatches the merged frame to every registered downstream observer.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jugglehub/hub/internal/monitoring"
	"github.com/jugglehub/hub/internal/telemetry"
	"github.com/jugglehub/hub/internal/timeutil"
)

// defaultInterval is the sleep between loop iterations: short enough to
// keep up with the arrival rate, long enough to avoid busy-spinning.
const defaultInterval = 500 * time.Microsecond

// defaultCooldown is the sleep after an iteration panic.
const defaultCooldown = time.Second

// defaultQueueSize bounds the frame hand-off queue between the receive
// goroutine and the loop. On overflow the oldest frame is dropped so
// ingestion never blocks.
const defaultQueueSize = 8

// stopGrace bounds how long Stop waits for the loop goroutine.
const stopGrace = 2 * time.Second

// SnapshotSource provides the latest complete IMU record per source.
type SnapshotSource interface {
	Snapshot() map[string]telemetry.IMURecord
}

// FrameObserver consumes merged frames (persistence, display). Observers
// run on the loop goroutine and must not block.
type FrameObserver func(*telemetry.Frame)

type namedObserver struct {
	name string
	fn   FrameObserver
}

// Config configures a Hub.
type Config struct {
	// IMU supplies the per-source snapshot merged into each frame. May be
	// nil when no sensor sources are configured.
	IMU SnapshotSource

	// Interval is the inter-iteration sleep. Defaults to defaultInterval.
	Interval time.Duration

	// Cooldown is the post-panic sleep. Defaults to defaultCooldown.
	Cooldown time.Duration

	// QueueSize bounds the frame hand-off queue.
	QueueSize int

	// Clock overrides the time source (used by tests).
	Clock timeutil.Clock
}

// Hub runs the orchestration loop. All exported methods are safe for
// concurrent use.
type Hub struct {
	imu      SnapshotSource
	clock    timeutil.Clock
	interval time.Duration
	cooldown time.Duration

	frames chan *telemetry.Frame

	mu        sync.Mutex
	observers []namedObserver

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// New creates a Hub. Call Start to begin the loop.
func New(cfg Config) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		imu:      cfg.IMU,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		cooldown: cfg.Cooldown,
		frames:   make(chan *telemetry.Frame, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// HandleFrame enqueues a decoded frame for the next iteration. It is the
// receiver-observer entry point and never blocks: when the queue is full
// the oldest queued frame is dropped in favour of the new one.
func (h *Hub) HandleFrame(f *telemetry.Frame) {
	select {
	case h.frames <- f:
		return
	default:
	}
	select {
	case old := <-h.frames:
		monitoring.Logf("hub: queue full, dropped frame %d", old.Sequence)
	default:
	}
	select {
	case h.frames <- f:
	default:
	}
}

// AddObserver registers a downstream consumer. Observers are dispatched
// in registration order on every iteration that produced a frame.
func (h *Hub) AddObserver(name string, fn FrameObserver) {
	h.mu.Lock()
	h.observers = append(h.observers, namedObserver{name: name, fn: fn})
	h.mu.Unlock()
}

// Start spawns the loop goroutine.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
		go h.run()
	})
}

// Stop signals the loop and waits up to a bounded grace period for it to
// exit. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		started := h.started
		h.mu.Unlock()
		if !started {
			return
		}
		select {
		case <-h.done:
		case <-h.clock.After(stopGrace):
			monitoring.Logf("hub: loop did not stop within %s", stopGrace)
		}
	})
}

// run is fail-forward: an iteration that panics is logged and followed by
// a cooldown, never by loop exit. The loop only returns on Stop.
func (h *Hub) run() {
	defer close(h.done)
	monitoring.Logf("hub: orchestration loop started")

	for {
		if h.ctx.Err() != nil {
			monitoring.Logf("hub: orchestration loop stopped")
			return
		}
		if ok := h.safeIterate(); !ok {
			h.clock.Sleep(h.cooldown)
			continue
		}
		h.clock.Sleep(h.interval)
	}
}

func (h *Hub) safeIterate() (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("hub: iteration panicked, cooling down: %v", rec)
			ok = false
		}
	}()
	h.iterate()
	return true
}

// iterate performs one merge-and-dispatch pass.
func (h *Hub) iterate() {
	var frame *telemetry.Frame
	select {
	case frame = <-h.frames:
	default:
	}

	var snap map[string]telemetry.IMURecord
	if h.imu != nil {
		snap = h.imu.Snapshot()
	}

	if frame == nil {
		if len(snap) == 0 {
			return
		}
		// Tracking is idle but sensors are live: synthesize an empty frame
		// so IMU data keeps flowing downstream.
		frame = telemetry.EmptyFrame(h.clock.Now().UnixMicro())
	}

	merged := frame.WithIMU(h.mergeRecords(snap))
	h.dispatch(merged)
}

// mergeRecords flattens the snapshot into a deterministic source order and
// stamps each record's data age as of now.
func (h *Hub) mergeRecords(snap map[string]telemetry.IMURecord) []telemetry.IMURecord {
	if len(snap) == 0 {
		return nil
	}
	nowMicros := h.clock.Now().UnixMicro()

	records := make([]telemetry.IMURecord, 0, len(snap))
	for _, rec := range snap {
		rec.DataAgeMillis = float64(nowMicros-rec.TimestampMicros) / 1000.0
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Source < records[j].Source })
	return records
}

func (h *Hub) dispatch(frame *telemetry.Frame) {
	h.mu.Lock()
	observers := make([]namedObserver, len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()

	for _, obs := range observers {
		dispatchOne(obs, frame)
	}
}

// dispatchOne isolates observer panics so one failing consumer cannot
// stop delivery to the rest or abort the iteration.
func dispatchOne(obs namedObserver, frame *telemetry.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("hub: observer %s panicked on frame %d: %v", obs.name, frame.Sequence, rec)
		}
	}()
	obs.fn(frame)
}
