package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jugglehub/hub/internal/telemetry"
	"github.com/jugglehub/hub/internal/timeutil"
)

// stubSource is a fixed IMU snapshot.
type stubSource struct {
	mu   sync.Mutex
	snap map[string]telemetry.IMURecord
}

func (s *stubSource) Snapshot() map[string]telemetry.IMURecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]telemetry.IMURecord, len(s.snap))
	for k, v := range s.snap {
		out[k] = v
	}
	return out
}

type collector struct {
	mu     sync.Mutex
	frames []*telemetry.Frame
}

func (c *collector) observe(f *telemetry.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) last() *telemetry.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func TestIterateDispatchesNothingWhenIdle(t *testing.T) {
	var got collector

	h := New(Config{})
	h.AddObserver("collect", got.observe)
	h.iterate()
	require.Zero(t, got.count(), "no frame and no IMU source")

	h = New(Config{IMU: &stubSource{}})
	h.AddObserver("collect", got.observe)
	h.iterate()
	require.Zero(t, got.count(), "no frame and an empty snapshot")
}

func TestIterateSynthesizesFrameFromIMU(t *testing.T) {
	clock := timeutil.NewMockClock(time.UnixMicro(50_000_000))
	src := &stubSource{snap: map[string]telemetry.IMURecord{
		"w": {Source: "w", TimestampMicros: 49_000_000},
	}}

	var got collector
	h := New(Config{IMU: src, Clock: clock})
	h.AddObserver("collect", got.observe)

	h.iterate()

	require.Equal(t, 1, got.count(), "live sensors keep flowing without tracking frames")
	f := got.last()
	require.Equal(t, int64(50_000_000), f.TimestampMicros)
	require.Zero(t, f.Sequence)
	require.Empty(t, f.Objects)
	require.Len(t, f.IMU, 1)
	require.InDelta(t, 1000.0, f.IMU[0].DataAgeMillis, 1e-9, "age stamped against the loop clock")
}

func TestIterateMergesSnapshotInSourceOrder(t *testing.T) {
	clock := timeutil.NewMockClock(time.UnixMicro(10_000_000))
	src := &stubSource{snap: map[string]telemetry.IMURecord{
		"right-watch": {Source: "right-watch", TimestampMicros: 9_990_000},
		"left-watch":  {Source: "left-watch", TimestampMicros: 9_980_000},
	}}

	var got collector
	h := New(Config{IMU: src, Clock: clock})
	h.AddObserver("collect", got.observe)

	original := &telemetry.Frame{
		Sequence: 7,
		IMU:      []telemetry.IMURecord{{Source: "stale-embedded", TimestampMicros: 1}},
	}
	h.HandleFrame(original)
	h.iterate()

	f := got.last()
	require.NotNil(t, f)
	require.Equal(t, uint64(7), f.Sequence)
	require.Len(t, f.IMU, 2, "snapshot replaces whatever the frame carried")
	require.Equal(t, "left-watch", f.IMU[0].Source)
	require.Equal(t, "right-watch", f.IMU[1].Source)
	require.InDelta(t, 20.0, f.IMU[0].DataAgeMillis, 1e-9)

	require.Len(t, original.IMU, 1, "enqueued frame is not mutated")
	require.Equal(t, "stale-embedded", original.IMU[0].Source)
}

func TestObserverPanicDoesNotStarveOthers(t *testing.T) {
	var got collector
	h := New(Config{})
	h.AddObserver("boom", func(f *telemetry.Frame) { panic("downstream exploded") })
	h.AddObserver("collect", got.observe)

	h.HandleFrame(&telemetry.Frame{Sequence: 1})
	require.True(t, h.safeIterate(), "observer panics are contained below the iteration")
	require.Equal(t, 1, got.count())
}

func TestIterationPanicTriggersCooldownNotExit(t *testing.T) {
	h := New(Config{IMU: panickySource{}})
	require.False(t, h.safeIterate())
}

type panickySource struct{}

func (panickySource) Snapshot() map[string]telemetry.IMURecord { panic("sensor source broke") }

func TestHandleFrameDropsOldestOnOverflow(t *testing.T) {
	h := New(Config{QueueSize: 2})

	h.HandleFrame(&telemetry.Frame{Sequence: 1})
	h.HandleFrame(&telemetry.Frame{Sequence: 2})
	h.HandleFrame(&telemetry.Frame{Sequence: 3})

	var got collector
	h.AddObserver("collect", got.observe)
	h.iterate()
	h.iterate()
	h.iterate()

	require.Equal(t, 2, got.count(), "one frame was dropped")
	got.mu.Lock()
	defer got.mu.Unlock()
	require.Equal(t, uint64(2), got.frames[0].Sequence, "oldest frame is the one dropped")
	require.Equal(t, uint64(3), got.frames[1].Sequence)
}

func TestConcurrentStartStop(t *testing.T) {
	h := New(Config{Interval: 100 * time.Microsecond})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.Start()
	}()
	go func() {
		defer wg.Done()
		h.Stop()
	}()
	wg.Wait()
	h.Stop()
}

func TestLoopLifecycle(t *testing.T) {
	var got collector
	h := New(Config{Interval: 100 * time.Microsecond})
	h.AddObserver("collect", got.observe)
	h.Start()

	h.HandleFrame(&telemetry.Frame{Sequence: 11})
	require.Eventually(t, func() bool {
		return got.count() == 1
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, uint64(11), got.last().Sequence)

	h.Stop()
	h.Stop()

	h.HandleFrame(&telemetry.Frame{Sequence: 12})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, got.count(), "no dispatch after Stop")
}
