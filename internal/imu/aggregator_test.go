package imu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jugglehub/hub/internal/timeutil"
)

func accelMsg(watch string, ns int64, x, y, z float64) []byte {
	return []byte(fmt.Sprintf(`{"watch_id":%q,"type":"accel","timestamp_ns":%d,"x":%f,"y":%f,"z":%f}`, watch, ns, x, y, z))
}

func gyroMsg(watch string, ns int64, x, y, z float64) []byte {
	return []byte(fmt.Sprintf(`{"watch_id":%q,"type":"gyro","timestamp_ns":%d,"x":%f,"y":%f,"z":%f}`, watch, ns, x, y, z))
}

func TestNoRecordUntilBothSensorKindsSeen(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.1"}})

	a.handleMessage("10.0.0.1", accelMsg("left-watch", 2_000_000, 1, 2, 3))
	require.Empty(t, a.Snapshot(), "acceleration alone must not publish a record")

	a.handleMessage("10.0.0.1", accelMsg("left-watch", 3_000_000, 1, 2, 3))
	require.Empty(t, a.Snapshot(), "repeated acceleration still incomplete")

	a.handleMessage("10.0.0.1", gyroMsg("left-watch", 4_000_000, 0.1, 0.2, 0.3))
	snap := a.Snapshot()
	require.Len(t, snap, 1)

	rec := snap["left-watch"]
	require.Equal(t, "left-watch", rec.Source)
	require.Equal(t, "10.0.0.1", rec.Address)
	require.Equal(t, int64(4_000), rec.TimestampMicros, "timestamp is the max of the two partials, in micros")
	require.InDelta(t, math.Sqrt(1+4+9), rec.AccelMagnitude, 1e-9)
	require.InDelta(t, math.Sqrt(0.01+0.04+0.09), rec.GyroMagnitude, 1e-9)
}

func TestPartialUpdateRepublishesKeepingOtherAxes(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.1"}})

	a.handleMessage("10.0.0.1", accelMsg("w", 1_000_000, 1, 0, 0))
	a.handleMessage("10.0.0.1", gyroMsg("w", 2_000_000, 0, 1, 0))

	// Fresh acceleration: gyro axes must carry over, timestamp advances.
	a.handleMessage("10.0.0.1", accelMsg("w", 5_000_000, 2, 0, 0))
	rec := a.Snapshot()["w"]
	require.Equal(t, 2.0, rec.Acceleration.X)
	require.Equal(t, 1.0, rec.Gyroscope.Y, "non-updated axis group keeps its prior value")
	require.Equal(t, int64(5_000), rec.TimestampMicros)

	// Older gyro: record keeps the newer acceleration timestamp.
	a.handleMessage("10.0.0.1", gyroMsg("w", 3_000_000, 0, 2, 0))
	rec = a.Snapshot()["w"]
	require.Equal(t, 2.0, rec.Gyroscope.Y)
	require.Equal(t, int64(5_000), rec.TimestampMicros)
}

func TestMalformedMessagesDroppedSilently(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.1"}})

	a.handleMessage("10.0.0.1", []byte(`not json at all`))
	a.handleMessage("10.0.0.1", []byte(`{"type":"temperature","x":1}`))
	a.handleMessage("10.0.0.1", []byte(`{}`))
	require.Empty(t, a.Snapshot())

	// The connection keeps reconciling after garbage.
	a.handleMessage("10.0.0.1", accelMsg("w", 1_000_000, 1, 1, 1))
	a.handleMessage("10.0.0.1", gyroMsg("w", 1_000_000, 1, 1, 1))
	require.Len(t, a.Snapshot(), 1)
}

func TestSourceIdentityFallsBackToAddress(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.7"}})

	a.handleMessage("10.0.0.7", []byte(`{"type":"accel","timestamp_ns":1000,"x":1,"y":1,"z":1}`))
	a.handleMessage("10.0.0.7", []byte(`{"type":"gyro","timestamp_ns":2000,"x":1,"y":1,"z":1}`))

	snap := a.Snapshot()
	require.Contains(t, snap, "10.0.0.7")
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.1"}})
	a.handleMessage("10.0.0.1", accelMsg("w", 1_000, 1, 1, 1))
	a.handleMessage("10.0.0.1", gyroMsg("w", 1_000, 1, 1, 1))

	snap := a.Snapshot()
	delete(snap, "w")
	require.Len(t, a.Snapshot(), 1, "mutating a snapshot must not touch the aggregator")
}

func TestSnapshotNeverTearsRecords(t *testing.T) {
	a := New(Config{Addresses: []string{"10.0.0.1"}})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			v := float64(i % 97)
			a.handleMessage("10.0.0.1", accelMsg("w", int64(i)*1000, v, v+1, v+2))
			a.handleMessage("10.0.0.1", gyroMsg("w", int64(i)*1000, v, v-1, v-2))
		}
	}()

	// Published magnitudes are computed at publish time, so a torn read
	// would show a magnitude inconsistent with the axes.
	for i := 0; i < 2000; i++ {
		for _, rec := range a.Snapshot() {
			require.InDelta(t, rec.Acceleration.Magnitude(), rec.AccelMagnitude, 1e-9)
			require.InDelta(t, rec.Gyroscope.Magnitude(), rec.GyroMagnitude, 1e-9)
		}
	}
	close(stop)
	wg.Wait()
}

// scriptConn is a scripted Conn for connection-loop tests.
type scriptConn struct {
	reads chan []byte

	mu     sync.Mutex
	writes [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.reads:
		return p, nil
	case <-c.closed:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptConn) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) wroteCommand(cmd string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := fmt.Sprintf(`{"command":%q}`, cmd)
	for _, w := range c.writes {
		if string(w) == want {
			return true
		}
	}
	return false
}

func TestConnectionRetriesWithBackoff(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))

	var dials atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		require.Equal(t, "ws://10.0.0.9:8081/imu", url)
		return nil, errors.New("connection refused")
	}

	a := New(Config{Addresses: []string{"10.0.0.9"}, Dial: dial, Clock: clock})
	a.Start()
	defer a.Stop()

	require.Eventually(t, func() bool {
		return dials.Load() >= 3
	}, 2*time.Second, time.Millisecond, "dial should be retried indefinitely")

	st, ok := a.State("10.0.0.9")
	require.True(t, ok)
	require.GreaterOrEqual(t, st.Retries, 2)
	require.Empty(t, a.Snapshot(), "a source that never connected contributes nothing")
}

func TestStreamingReconnectKeepsLastRecord(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))

	first := newScriptConn()
	var dials atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}

	a := New(Config{Addresses: []string{"10.0.0.2"}, Dial: dial, Clock: clock})
	a.Start()
	defer a.Stop()

	first.reads <- accelMsg("w", 1_000_000, 1, 2, 3)
	first.reads <- gyroMsg("w", 2_000_000, 4, 5, 6)

	require.Eventually(t, func() bool {
		return len(a.Snapshot()) == 1
	}, 2*time.Second, time.Millisecond)
	require.True(t, first.wroteCommand("start"), "start command sent on connect")

	// Drop the connection: a reconnect attempt follows within one backoff,
	// and the published record survives the outage.
	first.Close()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, 2*time.Second, time.Millisecond, "reconnect attempt after connection loss")

	snap := a.Snapshot()
	require.Len(t, snap, 1, "last complete record is never evicted")
	require.Equal(t, 3.0, snap["w"].Acceleration.Z)
}

func TestStopSendsStopCommand(t *testing.T) {
	conn := newScriptConn()
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}

	a := New(Config{Addresses: []string{"10.0.0.3"}, Dial: dial})
	a.Start()

	require.Eventually(t, func() bool {
		return conn.wroteCommand("start")
	}, 2*time.Second, time.Millisecond)

	a.Stop()
	require.Eventually(t, func() bool {
		return conn.wroteCommand("stop")
	}, 2*time.Second, time.Millisecond, "graceful stop is announced to the source")

	st, ok := a.State("10.0.0.3")
	require.True(t, ok)
	require.Equal(t, StateDisconnected, st.State)
}

func TestStopIsIdempotent(t *testing.T) {
	a := New(Config{})
	a.Start()
	a.Stop()
	a.Stop()
}
