package main

import (
	"log"
	"sync"

	"github.com/jugglehub/hub/internal/telemetry"
)

// displayEvery throttles the console display to roughly once a second at
// the engine's nominal 30 FPS.
const displayEvery = 30

// consoleDisplay is a minimal display observer: a periodic one-line status
// summary of the merged frame stream.
type consoleDisplay struct {
	mu     sync.Mutex
	frames uint64
}

func newConsoleDisplay() *consoleDisplay {
	return &consoleDisplay{}
}

// Update implements the hub's FrameObserver contract.
func (d *consoleDisplay) Update(f *telemetry.Frame) {
	d.mu.Lock()
	d.frames++
	n := d.frames
	d.mu.Unlock()

	if n%displayEvery != 0 {
		return
	}
	log.Printf("frame %d: %d objects, %d hands, %d IMU sources, mode=%s",
		f.Sequence, len(f.Objects), len(f.Hands), len(f.IMU), f.Status.Mode)
	for _, o := range f.Objects {
		log.Printf("  %s %s: 3d(%.3f, %.3f, %.3f) 2d(%.0f, %.0f)",
			o.Label, o.ID, o.Position3D.X, o.Position3D.Y, o.Position3D.Z,
			o.Position2D.X, o.Position2D.Y)
	}
}
