package receiver

import (
	"testing"
	"time"
)

func TestArrivalWindowFPS(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		arrivals []time.Duration // offsets from base
		size     int
		want     float64
	}{
		{
			name: "no arrivals",
			size: 30,
			want: 0,
		},
		{
			name:     "single arrival",
			arrivals: []time.Duration{0},
			size:     30,
			want:     0,
		},
		{
			name:     "steady 30fps pair",
			arrivals: []time.Duration{0, 33_333 * time.Microsecond},
			size:     30,
			want:     1 / 0.033333,
		},
		{
			name:     "ten frames one second apart",
			arrivals: []time.Duration{0, 1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second, 6 * time.Second, 7 * time.Second, 8 * time.Second, 9 * time.Second},
			size:     30,
			want:     1,
		},
		{
			name:     "identical timestamps",
			arrivals: []time.Duration{0, 0, 0},
			size:     30,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newArrivalWindow(tt.size)
			for _, off := range tt.arrivals {
				w.add(base.Add(off))
			}
			got := w.fps()
			if diff := got - tt.want; diff > 0.01 || diff < -0.01 {
				t.Errorf("fps() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestArrivalWindowEvictsOldest(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	w := newArrivalWindow(3)

	// Slow start, then fast frames. Once the slow arrival ages out of the
	// window, only the fast cadence should remain.
	w.add(base)
	w.add(base.Add(10 * time.Second))
	w.add(base.Add(10*time.Second + 100*time.Millisecond))
	w.add(base.Add(10*time.Second + 200*time.Millisecond))

	if len(w.times) != 3 {
		t.Fatalf("window holds %d entries, want 3", len(w.times))
	}
	got := w.fps()
	if got < 9.9 || got > 10.1 {
		t.Errorf("fps() = %f, want ~10 after eviction", got)
	}
}

func TestStatsSnapshotIndependence(t *testing.T) {
	s := newStatsState(30)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s.recordArrival(now, 128)
	s.recordArrival(now.Add(time.Second), 256)

	snap := s.snapshot()
	if snap.FramesReceived != 2 {
		t.Errorf("FramesReceived = %d, want 2", snap.FramesReceived)
	}
	if snap.BytesReceived != 384 {
		t.Errorf("BytesReceived = %d, want 384", snap.BytesReceived)
	}
	if !snap.LastArrival.Equal(now.Add(time.Second)) {
		t.Errorf("LastArrival = %v, want %v", snap.LastArrival, now.Add(time.Second))
	}

	// Mutating the state after the snapshot must not change the snapshot.
	s.recordArrival(now.Add(2*time.Second), 512)
	if snap.FramesReceived != 2 {
		t.Error("snapshot changed after later arrivals")
	}
}
