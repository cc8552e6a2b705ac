package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pose"
)

// ErrNotFound is returned when no journal row matches.
var ErrNotFound = errors.New("not found")

// Session is one capture session.
type Session struct {
	SessionID string          `json:"session_id"`
	Reference string          `json:"reference"` // serial of the reference device
	Serials   []string        `json:"serials"`   // indexed by device
	Config    json.RawMessage `json:"config,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
}

// Cycle is one journaled registration attempt.
type Cycle struct {
	CycleID        string        `json:"cycle_id"`
	SessionID      string        `json:"session_id"`
	DeviceIndex    int           `json:"device_index"`
	Serial         string        `json:"serial"`
	Tick           uint64        `json:"tick"`
	Outcome        string        `json:"outcome"`
	Residual       float64       `json:"residual"`
	InlierFraction float64       `json:"inlier_fraction"`
	Iterations     int           `json:"iterations"`
	Coarse         bool          `json:"coarse"`
	Version        uint64        `json:"version"`
	Rotation       [9]float64    `json:"rotation"`
	Translation    r3.Vec        `json:"translation"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Transform returns the journaled rigid motion. Only accepted cycles carry
// a meaningful rotation.
func (c *Cycle) Transform() pose.Transform {
	return pose.Transform{
		DeviceIndex:    c.DeviceIndex,
		Rotation:       c.Rotation,
		Translation:    c.Translation,
		Version:        c.Version,
		Residual:       c.Residual,
		InlierFraction: c.InlierFraction,
		Tick:           c.Tick,
		ComputedAt:     c.CreatedAt,
	}
}

// JournalStore records sessions and registration cycles.
type JournalStore struct {
	db *sql.DB
}

// NewJournalStore creates a JournalStore on a migrated database.
func NewJournalStore(db *sql.DB) *JournalStore {
	return &JournalStore{db: db}
}

// StartSession inserts s, assigning a SessionID when empty.
func (s *JournalStore) StartSession(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	serials, err := json.Marshal(sess.Serials)
	if err != nil {
		return err
	}
	var cfg interface{}
	if len(sess.Config) > 0 {
		cfg = string(sess.Config)
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, reference, devices_json, config_json, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			sess.SessionID, sess.Reference, string(serials), cfg, sess.StartedAt.UnixNano())
		return err
	})
}

// EndSession stamps the end time of a session.
func (s *JournalStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
			at.UnixNano(), sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// GetSession returns one session by ID.
func (s *JournalStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var serials string
	var cfg sql.NullString
	var started int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, reference, devices_json, config_json, started_at, ended_at
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.Reference, &serials, &cfg, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if err := json.Unmarshal([]byte(serials), &sess.Serials); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	if cfg.Valid {
		sess.Config = json.RawMessage(cfg.String)
	}
	sess.StartedAt = time.Unix(0, started)
	if ended.Valid {
		sess.EndedAt = time.Unix(0, ended.Int64)
	}
	return &sess, nil
}

// RecordCycle inserts c, assigning a CycleID and CreatedAt when empty.
func (s *JournalStore) RecordCycle(ctx context.Context, c *Cycle) error {
	if c.CycleID == "" {
		c.CycleID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	rot, err := json.Marshal(c.Rotation)
	if err != nil {
		return err
	}
	tr, err := json.Marshal(c.Translation)
	if err != nil {
		return err
	}
	var errText interface{}
	if c.Error != "" {
		errText = c.Error
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO registration_cycles (
				cycle_id, session_id, device_index, device_serial, tick, outcome,
				residual, inlier_fraction, iterations, coarse, version,
				rotation_json, translation_json, duration_ns, error, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CycleID, c.SessionID, c.DeviceIndex, c.Serial, int64(c.Tick), c.Outcome,
			c.Residual, c.InlierFraction, c.Iterations, c.Coarse, int64(c.Version),
			string(rot), string(tr), int64(c.Duration), errText, c.CreatedAt.UnixNano())
		return err
	})
}

const cycleColumns = `
	cycle_id, session_id, device_index, device_serial, tick, outcome,
	residual, inlier_fraction, iterations, coarse, version,
	rotation_json, translation_json, duration_ns, error, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (*Cycle, error) {
	var c Cycle
	var tick, version, duration, created int64
	var rot, tr, errText sql.NullString
	var residual, inliers sql.NullFloat64
	var iterations sql.NullInt64
	err := row.Scan(&c.CycleID, &c.SessionID, &c.DeviceIndex, &c.Serial, &tick, &c.Outcome,
		&residual, &inliers, &iterations, &c.Coarse, &version,
		&rot, &tr, &duration, &errText, &created)
	if err != nil {
		return nil, err
	}
	c.Tick, c.Version = uint64(tick), uint64(version)
	c.Residual, c.InlierFraction, c.Iterations = residual.Float64, inliers.Float64, int(iterations.Int64)
	c.Duration = time.Duration(duration)
	c.Error = errText.String
	c.CreatedAt = time.Unix(0, created)
	if rot.Valid {
		if err := json.Unmarshal([]byte(rot.String), &c.Rotation); err != nil {
			return nil, fmt.Errorf("decode rotation: %w", err)
		}
	}
	if tr.Valid {
		if err := json.Unmarshal([]byte(tr.String), &c.Translation); err != nil {
			return nil, fmt.Errorf("decode translation: %w", err)
		}
	}
	return &c, nil
}

// ListByDevice returns the newest cycles for a device serial across all
// sessions, newest first. limit <= 0 returns every row.
func (s *JournalStore) ListByDevice(ctx context.Context, serial string, limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cycleColumns+`
		FROM registration_cycles
		WHERE device_serial = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []*Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestAccepted returns the newest accepted cycle for serial.
func (s *JournalStore) LatestAccepted(ctx context.Context, serial string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+`
		FROM registration_cycles
		WHERE device_serial = ? AND outcome = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, serial, monitoring.OutcomeAccepted)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("accepted cycle for %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest accepted: %w", err)
	}
	return c, nil
}
