// Package telemetry defines the data model shared by the hub components:
// tracking frames as published by the engine, the objects and hand poses
// they contain, and the IMU records merged in from wireless sensor sources.
package telemetry

import "math"

// Vec3 is a 3D vector in metres (positions) or sensor units (IMU axes).
type Vec3 struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
	Z float64 `cbor:"z" json:"z"`
}

// Magnitude returns the Euclidean norm of the vector.
func (v Vec3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Vec2 is a 2D pixel-space vector.
type Vec2 struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
}

// CameraIntrinsics carries the camera calibration published with each frame.
type CameraIntrinsics struct {
	Fx         float64 `cbor:"fx" json:"fx"`
	Fy         float64 `cbor:"fy" json:"fy"`
	Ppx        float64 `cbor:"ppx" json:"ppx"`
	Ppy        float64 `cbor:"ppy" json:"ppy"`
	DepthScale float64 `cbor:"depth_scale" json:"depth_scale"`
}

// SystemStatus reflects the engine's health as reported in-band.
type SystemStatus struct {
	CameraConnected bool    `cbor:"camera_connected" json:"camera_connected"`
	EngineRunning   bool    `cbor:"engine_running" json:"engine_running"`
	FPS             float64 `cbor:"fps" json:"fps"`
	Mode            string  `cbor:"mode" json:"mode"`
	ErrorMessage    string  `cbor:"error_message,omitempty" json:"error_message,omitempty"`
}

// Color is a display color in the engine's B,G,R channel order.
type Color struct {
	B uint8 `cbor:"b" json:"b"`
	G uint8 `cbor:"g" json:"g"`
	R uint8 `cbor:"r" json:"r"`
}

// TrackedObject is one tracked ball (or other prop) within a frame.
// Optional measurements are pointers so "not reported" survives the wire
// and the database round-trip.
type TrackedObject struct {
	ID              string   `cbor:"id" json:"id"`
	Label           string   `cbor:"color_name" json:"color_name"`
	Position3D      Vec3     `cbor:"position_3d" json:"position_3d"`
	Position2D      Vec2     `cbor:"position_2d" json:"position_2d"`
	Velocity3D      *Vec3    `cbor:"velocity_3d,omitempty" json:"velocity_3d,omitempty"`
	RadiusPx        *float64 `cbor:"radius_px,omitempty" json:"radius_px,omitempty"`
	DepthM          *float64 `cbor:"depth_m,omitempty" json:"depth_m,omitempty"`
	Confidence      *float64 `cbor:"confidence,omitempty" json:"confidence,omitempty"`
	Held            bool     `cbor:"is_held" json:"is_held"`
	TimestampMicros int64    `cbor:"timestamp_us" json:"timestamp_us"`
	Color           Color    `cbor:"color_bgr" json:"color_bgr"`
}

// HandSide identifies which hand a pose belongs to.
type HandSide string

const (
	HandLeft  HandSide = "left"
	HandRight HandSide = "right"
)

// HandPose is one detected hand within a frame.
type HandPose struct {
	Side       HandSide `cbor:"side" json:"side"`
	Position2D Vec2     `cbor:"position_2d" json:"position_2d"`
	Position3D Vec3     `cbor:"position_3d" json:"position_3d"`
	Confidence float64  `cbor:"confidence" json:"confidence"`
	Visible    bool     `cbor:"is_visible" json:"is_visible"`
}

// IMURecord is one complete inertial reading reconciled from a sensor
// source. A record exists only once at least one acceleration and one
// angular-rate sample have been observed for the source.
type IMURecord struct {
	Source          string  `cbor:"watch_name" json:"watch_name"`
	Address         string  `cbor:"watch_ip" json:"watch_ip"`
	Acceleration    Vec3    `cbor:"acceleration" json:"acceleration"`
	Gyroscope       Vec3    `cbor:"gyroscope" json:"gyroscope"`
	Magnetometer    *Vec3   `cbor:"magnetometer,omitempty" json:"magnetometer,omitempty"`
	AccelMagnitude  float64 `cbor:"accel_magnitude" json:"accel_magnitude"`
	GyroMagnitude   float64 `cbor:"gyro_magnitude" json:"gyro_magnitude"`
	TimestampMicros int64   `cbor:"timestamp_us" json:"timestamp_us"`
	DataAgeMillis   float64 `cbor:"data_age_ms" json:"data_age_ms"`
}

// Frame is one tracking instant as decoded off the wire. Frames are
// immutable once decoded; use WithIMU to derive a frame carrying a fresher
// IMU snapshot.
type Frame struct {
	Sequence        uint64           `cbor:"frame_number" json:"frame_number"`
	TimestampMicros int64            `cbor:"timestamp_us" json:"timestamp_us"`
	Width           int              `cbor:"frame_width" json:"frame_width"`
	Height          int              `cbor:"frame_height" json:"frame_height"`
	Intrinsics      CameraIntrinsics `cbor:"intrinsics" json:"intrinsics"`
	Status          SystemStatus     `cbor:"status" json:"status"`
	Objects         []TrackedObject  `cbor:"balls" json:"balls"`
	Hands           []HandPose       `cbor:"hands" json:"hands"`
	IMU             []IMURecord      `cbor:"imu_data" json:"imu_data"`
}

// WithIMU returns a shallow copy of the frame with its IMU list replaced.
// The receiver is left untouched.
func (f *Frame) WithIMU(records []IMURecord) *Frame {
	clone := *f
	clone.IMU = records
	return &clone
}

// EmptyFrame returns a synthetic frame carrying only a timestamp. The
// orchestration loop uses it so IMU data keeps flowing while tracking
// is idle.
func EmptyFrame(timestampMicros int64) *Frame {
	return &Frame{TimestampMicros: timestampMicros}
}
