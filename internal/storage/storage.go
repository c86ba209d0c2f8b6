// Package storage persists merged telemetry frames to an embedded sqlite
// database, one transaction per frame, grouped into logging sessions.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jugglehub/hub/internal/monitoring"
	"github.com/jugglehub/hub/internal/telemetry"
	"github.com/jugglehub/hub/internal/timeutil"
)

// Config configures a SessionLogger.
type Config struct {
	// Path is the sqlite database file, created if absent.
	Path string

	// Clock overrides the time source (used by tests).
	Clock timeutil.Clock
}

// Session is one row of the sessions table.
type Session struct {
	ID           string
	StartTime    float64
	EndTime      *float64
	TotalFrames  int64
	TotalObjects int64
	Notes        string
}

// Stats is a snapshot of the logger's running counters.
type Stats struct {
	// SessionID is empty while no session is active.
	SessionID     string
	SessionStart  time.Time
	FramesLogged  int64
	ObjectsLogged int64
	HandsLogged   int64
	IMULogged     int64
	Path          string
}

type activeSession struct {
	id      string
	started time.Time
	frames  int64
	objects int64
	hands   int64
	imu     int64
}

// SessionLogger owns the database handle and the active-session lifecycle.
// Writes serialize on an internal mutex: the logger is driven by a single
// producer in practice, but stays safe under accidental concurrent use.
type SessionLogger struct {
	path  string
	clock timeutil.Clock

	mu      sync.Mutex
	db      *sql.DB
	session *activeSession
	closed  bool
}

// Open opens (creating if necessary) the database, applies migrations, and
// returns a ready logger. Storage unavailable at startup is a fail-fast
// configuration error.
func Open(cfg Config) (*SessionLogger, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: database path required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	// WAL keeps the file readable by concurrent analysis tools while the
	// hub writes.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}

	monitoring.Logf("storage: database ready at %s", cfg.Path)
	return &SessionLogger{path: cfg.Path, clock: cfg.Clock, db: db}, nil
}

// StartSession opens a new logging session, ending any session already
// active. An empty id gets a timestamp-based one generated.
func (l *SessionLogger) StartSession(id, notes string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", errors.New("storage: logger closed")
	}
	if l.session != nil {
		if err := l.endSessionLocked(); err != nil {
			return "", err
		}
	}
	return l.startSessionLocked(id, notes)
}

func (l *SessionLogger) startSessionLocked(id, notes string) (string, error) {
	now := l.clock.Now()
	if id == "" {
		id = "session_" + now.Format("20060102_150405")
	}

	_, err := l.db.Exec(
		`INSERT INTO sessions (session_id, start_time, notes) VALUES (?, ?, ?)`,
		id, float64(now.UnixNano())/1e9, notes,
	)
	if err != nil {
		return "", fmt.Errorf("insert session %s: %w", id, err)
	}

	l.session = &activeSession{id: id, started: now}
	monitoring.Logf("storage: started session %s", id)
	return id, nil
}

// EndSession writes the session's end time and final totals. Calling it
// with no active session is a no-op.
func (l *SessionLogger) EndSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	return l.endSessionLocked()
}

func (l *SessionLogger) endSessionLocked() error {
	s := l.session
	_, err := l.db.Exec(
		`UPDATE sessions SET end_time = ?, total_frames = ?, total_objects = ? WHERE session_id = ?`,
		float64(l.clock.Now().UnixNano())/1e9, s.frames, s.objects, s.id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", s.id, err)
	}
	monitoring.Logf("storage: ended session %s (%d frames, %d objects)", s.id, s.frames, s.objects)
	l.session = nil
	return nil
}

// LogFrame writes the frame and all its nested entities as one
// transaction. With no session active, one is auto-started first. On any
// write error the whole transaction rolls back and the frame is lost; the
// session and subsequent frames are unaffected.
func (l *SessionLogger) LogFrame(f *telemetry.Frame) error {
	if f == nil {
		return errors.New("storage: nil frame")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("storage: logger closed")
	}
	if l.session == nil {
		if _, err := l.startSessionLocked("", ""); err != nil {
			return err
		}
	}
	s := l.session

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin frame transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	statusJSON, err := json.Marshal(f.Status)
	if err != nil {
		return fmt.Errorf("serialize status for frame %d: %w", f.Sequence, err)
	}

	res, err := tx.Exec(`
		INSERT INTO frames (
			session_id, sequence, timestamp_us, frame_width, frame_height,
			fps, camera_fx, camera_fy, camera_ppx, camera_ppy, depth_scale,
			system_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.id, f.Sequence, f.TimestampMicros, f.Width, f.Height,
		f.Status.FPS, f.Intrinsics.Fx, f.Intrinsics.Fy,
		f.Intrinsics.Ppx, f.Intrinsics.Ppy, f.Intrinsics.DepthScale,
		string(statusJSON),
	)
	if err != nil {
		return fmt.Errorf("insert frame %d: %w", f.Sequence, err)
	}
	frameID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("frame %d insert id: %w", f.Sequence, err)
	}

	for i := range f.Objects {
		if err := insertObject(tx, s.id, frameID, &f.Objects[i]); err != nil {
			return err
		}
	}
	for i := range f.Hands {
		if err := insertHand(tx, s.id, frameID, &f.Hands[i]); err != nil {
			return err
		}
	}
	for i := range f.IMU {
		if err := insertIMU(tx, s.id, frameID, &f.IMU[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frame %d: %w", f.Sequence, err)
	}
	committed = true

	s.frames++
	s.objects += int64(len(f.Objects))
	s.hands += int64(len(f.Hands))
	s.imu += int64(len(f.IMU))
	return nil
}

func insertObject(tx *sql.Tx, sessionID string, frameID int64, o *telemetry.TrackedObject) error {
	var vx, vy, vz *float64
	if o.Velocity3D != nil {
		vx, vy, vz = &o.Velocity3D.X, &o.Velocity3D.Y, &o.Velocity3D.Z
	}
	_, err := tx.Exec(`
		INSERT INTO tracked_objects (
			session_id, frame_id, object_id, label,
			position_3d_x, position_3d_y, position_3d_z,
			position_2d_x, position_2d_y,
			velocity_3d_x, velocity_3d_y, velocity_3d_z,
			radius_px, depth_m, confidence, is_held, timestamp_us,
			color_b, color_g, color_r
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, frameID, o.ID, o.Label,
		o.Position3D.X, o.Position3D.Y, o.Position3D.Z,
		o.Position2D.X, o.Position2D.Y,
		vx, vy, vz,
		o.RadiusPx, o.DepthM, o.Confidence, o.Held, o.TimestampMicros,
		o.Color.B, o.Color.G, o.Color.R,
	)
	if err != nil {
		return fmt.Errorf("insert object %s: %w", o.ID, err)
	}
	return nil
}

func insertHand(tx *sql.Tx, sessionID string, frameID int64, h *telemetry.HandPose) error {
	_, err := tx.Exec(`
		INSERT INTO hand_poses (
			session_id, frame_id, side,
			position_2d_x, position_2d_y,
			position_3d_x, position_3d_y, position_3d_z,
			confidence, is_visible
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, frameID, string(h.Side),
		h.Position2D.X, h.Position2D.Y,
		h.Position3D.X, h.Position3D.Y, h.Position3D.Z,
		h.Confidence, h.Visible,
	)
	if err != nil {
		return fmt.Errorf("insert %s hand: %w", h.Side, err)
	}
	return nil
}

func insertIMU(tx *sql.Tx, sessionID string, frameID int64, r *telemetry.IMURecord) error {
	var mx, my, mz *float64
	if r.Magnetometer != nil {
		mx, my, mz = &r.Magnetometer.X, &r.Magnetometer.Y, &r.Magnetometer.Z
	}
	_, err := tx.Exec(`
		INSERT INTO imu_records (
			session_id, frame_id, source_name, source_address,
			accel_x, accel_y, accel_z,
			gyro_x, gyro_y, gyro_z,
			mag_x, mag_y, mag_z,
			accel_magnitude, gyro_magnitude,
			timestamp_us, data_age_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, frameID, r.Source, r.Address,
		r.Acceleration.X, r.Acceleration.Y, r.Acceleration.Z,
		r.Gyroscope.X, r.Gyroscope.Y, r.Gyroscope.Z,
		mx, my, mz,
		r.AccelMagnitude, r.GyroMagnitude,
		r.TimestampMicros, r.DataAgeMillis,
	)
	if err != nil {
		return fmt.Errorf("insert imu record %s: %w", r.Source, err)
	}
	return nil
}

// Stats returns the logger's running counters.
func (l *SessionLogger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{Path: l.path}
	if l.session != nil {
		st.SessionID = l.session.id
		st.SessionStart = l.session.started
		st.FramesLogged = l.session.frames
		st.ObjectsLogged = l.session.objects
		st.HandsLogged = l.session.hands
		st.IMULogged = l.session.imu
	}
	return st
}

// ListSessions returns all sessions, most recent first.
func (l *SessionLogger) ListSessions() ([]Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("storage: logger closed")
	}

	rows, err := l.db.Query(`
		SELECT session_id, start_time, end_time, total_frames, total_objects, COALESCE(notes, '')
		FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var end sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.StartTime, &end, &s.TotalFrames, &s.TotalObjects, &s.Notes); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if end.Valid {
			s.EndTime = &end.Float64
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Close ends any active session and releases the database handle.
// Idempotent.
func (l *SessionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.session != nil {
		if err := l.endSessionLocked(); err != nil {
			monitoring.Logf("storage: end session on close: %v", err)
		}
	}
	l.closed = true
	return l.db.Close()
}
