package receiver

import "time"

// Stats is a point-in-time snapshot of the receiver's counters.
type Stats struct {
	// FramesReceived counts every message taken off the transport,
	// whether or not it decoded.
	FramesReceived int64

	// BytesReceived is the total payload volume.
	BytesReceived int64

	// FPS is the rolling frame rate over the arrival window, zero until
	// at least two frames have arrived.
	FPS float64

	// LastArrival is when the most recent message arrived; zero before
	// the first one.
	LastArrival time.Time

	// ConsecutiveErrors is the current run of decode failures. It resets
	// to zero on every successful decode.
	ConsecutiveErrors int

	// Running is false before Start, after Stop, and after the loop
	// fail-stopped on the error ceiling.
	Running bool
}

// statsState is the mutable counterpart of Stats, guarded by the
// receiver's mutex.
type statsState struct {
	framesReceived    int64
	bytesReceived     int64
	lastArrival       time.Time
	consecutiveErrors int
	running           bool
	window            *arrivalWindow
}

func newStatsState(windowSize int) statsState {
	return statsState{window: newArrivalWindow(windowSize)}
}

func (s *statsState) recordArrival(now time.Time, bytes int) {
	s.framesReceived++
	s.bytesReceived += int64(bytes)
	s.lastArrival = now
	s.window.add(now)
}

func (s *statsState) snapshot() Stats {
	return Stats{
		FramesReceived:    s.framesReceived,
		BytesReceived:     s.bytesReceived,
		FPS:               s.window.fps(),
		LastArrival:       s.lastArrival,
		ConsecutiveErrors: s.consecutiveErrors,
		Running:           s.running,
	}
}

// arrivalWindow is a fixed-capacity sliding window of arrival timestamps.
// The oldest entry is evicted once the window is full.
type arrivalWindow struct {
	times []time.Time
	size  int
}

func newArrivalWindow(size int) *arrivalWindow {
	return &arrivalWindow{
		times: make([]time.Time, 0, size),
		size:  size,
	}
}

func (w *arrivalWindow) add(t time.Time) {
	if len(w.times) == w.size {
		copy(w.times, w.times[1:])
		w.times = w.times[:w.size-1]
	}
	w.times = append(w.times, t)
}

// fps returns (n-1)/(newest-oldest) over the window, or zero when fewer
// than two arrivals have been seen or the span is degenerate.
func (w *arrivalWindow) fps() float64 {
	if len(w.times) < 2 {
		return 0
	}
	span := w.times[len(w.times)-1].Sub(w.times[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(w.times)-1) / span
}
