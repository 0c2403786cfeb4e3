package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vpsclient/internal/localize"
	"github.com/banshee-data/vpsclient/internal/pose"
)

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Attempt is one finished localization session as stored in
// localization_attempts. Pose, confidence and geo columns are only set on
// successes.
type Attempt struct {
	AttemptID  string   `json:"attempt_id" parquet:"attempt_id"`
	SessionID  string   `json:"session_id" parquet:"session_id"`
	Trigger    string   `json:"trigger" parquet:"trigger"`
	Mode       string   `json:"mode" parquet:"mode"`
	Outcome    string   `json:"outcome" parquet:"outcome"`
	Reason     string   `json:"reason,omitempty" parquet:"reason,optional"`
	Error      string   `json:"error,omitempty" parquet:"error,optional"`
	MapIDs     []string `json:"map_ids,omitempty" parquet:"map_ids,list"`
	PosX       *float64 `json:"pos_x,omitempty" parquet:"pos_x"`
	PosY       *float64 `json:"pos_y,omitempty" parquet:"pos_y"`
	PosZ       *float64 `json:"pos_z,omitempty" parquet:"pos_z"`
	RotX       *float64 `json:"rot_x,omitempty" parquet:"rot_x"`
	RotY       *float64 `json:"rot_y,omitempty" parquet:"rot_y"`
	RotZ       *float64 `json:"rot_z,omitempty" parquet:"rot_z"`
	RotW       *float64 `json:"rot_w,omitempty" parquet:"rot_w"`
	Confidence *float64 `json:"confidence,omitempty" parquet:"confidence"`
	Latitude   *float64 `json:"latitude,omitempty" parquet:"latitude"`
	Longitude  *float64 `json:"longitude,omitempty" parquet:"longitude"`
	Altitude   *float64 `json:"altitude,omitempty" parquet:"altitude"`
	StartedAt  int64    `json:"started_at" parquet:"started_at"` // unix nanoseconds
	DurationMs int64    `json:"duration_ms" parquet:"duration_ms"`
	CreatedAt  int64    `json:"created_at" parquet:"created_at"` // unix nanoseconds
}

// Pose returns the reconciled map origin stored with a success.
func (a *Attempt) Pose() (pose.Pose, bool) {
	if a.PosX == nil || a.PosY == nil || a.PosZ == nil ||
		a.RotX == nil || a.RotY == nil || a.RotZ == nil || a.RotW == nil {
		return pose.Pose{}, false
	}
	return pose.New(*a.PosX, *a.PosY, *a.PosZ, *a.RotX, *a.RotY, *a.RotZ, *a.RotW), true
}

// Started returns StartedAt as a time.
func (a *Attempt) Started() time.Time {
	return time.Unix(0, a.StartedAt)
}

func (a *Attempt) String() string { return a.Format(time.Local) }

// Format renders the attempt on one line with its start time in loc.
func (a *Attempt) Format(loc *time.Location) string {
	started := a.Started().In(loc).Format(time.RFC3339)
	if a.Outcome == OutcomeSuccess {
		conf := "-"
		if a.Confidence != nil {
			conf = fmt.Sprintf("%.3f", *a.Confidence)
		}
		return fmt.Sprintf("%s %s %s/%s ok maps=%s confidence=%s %dms",
			started, a.SessionID, a.Trigger, a.Mode,
			strings.Join(a.MapIDs, ","), conf, a.DurationMs)
	}
	return fmt.Sprintf("%s %s %s/%s failed reason=%s %dms",
		started, a.SessionID, a.Trigger, a.Mode, a.Reason, a.DurationMs)
}

func float64Ptr(v float64) *float64 { return &v }

// AttemptFromResult converts a successful session.
func AttemptFromResult(r localize.Result) *Attempt {
	c := r.Pose.Components()
	a := &Attempt{
		SessionID:  r.SessionID,
		Trigger:    r.Trigger.String(),
		Mode:       r.Mode.String(),
		Outcome:    OutcomeSuccess,
		MapIDs:     r.MapIDs,
		PosX:       float64Ptr(c[0]),
		PosY:       float64Ptr(c[1]),
		PosZ:       float64Ptr(c[2]),
		RotX:       float64Ptr(c[3]),
		RotY:       float64Ptr(c[4]),
		RotZ:       float64Ptr(c[5]),
		RotW:       float64Ptr(c[6]),
		StartedAt:  r.StartedAt.UnixNano(),
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Confidence != nil {
		a.Confidence = float64Ptr(*r.Confidence)
	}
	if r.Geo != nil {
		a.Latitude = float64Ptr(r.Geo.Latitude)
		a.Longitude = float64Ptr(r.Geo.Longitude)
		a.Altitude = float64Ptr(r.Geo.Altitude)
	}
	return a
}

// AttemptFromFailure converts a failed session.
func AttemptFromFailure(f localize.Failure) *Attempt {
	a := &Attempt{
		SessionID:  f.SessionID,
		Trigger:    f.Trigger.String(),
		Mode:       f.Mode.String(),
		Outcome:    OutcomeFailure,
		Reason:     f.Reason.String(),
		StartedAt:  f.StartedAt.UnixNano(),
		DurationMs: f.Duration.Milliseconds(),
	}
	if f.Err != nil {
		a.Error = f.Err.Error()
	}
	return a
}

// InsertAttempt persists a finished session. If AttemptID is empty, a UUID is
// generated.
func (db *DB) InsertAttempt(a *Attempt) error {
	if a.AttemptID == "" {
		a.AttemptID = uuid.New().String()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixNano()
	}

	var mapIDs interface{}
	if len(a.MapIDs) > 0 {
		b, err := json.Marshal(a.MapIDs)
		if err != nil {
			return fmt.Errorf("encode map ids: %w", err)
		}
		mapIDs = string(b)
	}

	_, err := db.Exec(`
		INSERT INTO localization_attempts (
			attempt_id, session_id, trigger_kind, mode, outcome, reason, error, map_ids,
			pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
			confidence, latitude, longitude, altitude,
			started_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.SessionID, a.Trigger, a.Mode, a.Outcome, nullString(a.Reason), nullString(a.Error), mapIDs,
		a.PosX, a.PosY, a.PosZ, a.RotX, a.RotY, a.RotZ, a.RotW,
		a.Confidence, a.Latitude, a.Longitude, a.Altitude,
		a.StartedAt, a.DurationMs, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// AttemptQuery filters ListAttempts. Zero values match everything.
type AttemptQuery struct {
	Outcome string
	Since   time.Time
	Limit   int // most recent N; 0 for all
}

// ListAttempts returns matching attempts ordered by start time ascending.
func (db *DB) ListAttempts(q AttemptQuery) ([]*Attempt, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `
		SELECT attempt_id, session_id, trigger_kind, mode, outcome, reason, error, map_ids,
		       pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
		       confidence, latitude, longitude, altitude,
		       started_at, duration_ms, created_at
		FROM localization_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first for the LIMIT, oldest-first for callers.
	for i, j := 0, len(attempts)-1; i < j; i, j = i+1, j-1 {
		attempts[i], attempts[j] = attempts[j], attempts[i]
	}
	return attempts, nil
}

// GetAttempt returns a single attempt by ID.
func (db *DB) GetAttempt(attemptID string) (*Attempt, error) {
	row := db.QueryRow(`
		SELECT attempt_id, session_id, trigger_kind, mode, outcome, reason, error, map_ids,
		       pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
		       confidence, latitude, longitude, altitude,
		       started_at, duration_ms, created_at
		FROM localization_attempts
		WHERE attempt_id = ?`, attemptID)

	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}
	return a, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var (
		a                                        Attempt
		reason, errText, mapIDs                  sql.NullString
		posX, posY, posZ, rotX, rotY, rotZ, rotW sql.NullFloat64
		confidence, lat, lon, alt                sql.NullFloat64
	)
	err := s.Scan(
		&a.AttemptID, &a.SessionID, &a.Trigger, &a.Mode, &a.Outcome, &reason, &errText, &mapIDs,
		&posX, &posY, &posZ, &rotX, &rotY, &rotZ, &rotW,
		&confidence, &lat, &lon, &alt,
		&a.StartedAt, &a.DurationMs, &a.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	a.Reason = reason.String
	a.Error = errText.String
	if mapIDs.Valid && mapIDs.String != "" {
		if err := json.Unmarshal([]byte(mapIDs.String), &a.MapIDs); err != nil {
			return nil, fmt.Errorf("decode map ids for %s: %w", a.AttemptID, err)
		}
	}
	a.PosX, a.PosY, a.PosZ = floatPtr(posX), floatPtr(posY), floatPtr(posZ)
	a.RotX, a.RotY, a.RotZ, a.RotW = floatPtr(rotX), floatPtr(rotY), floatPtr(rotZ), floatPtr(rotW)
	a.Confidence = floatPtr(confidence)
	a.Latitude, a.Longitude, a.Altitude = floatPtr(lat), floatPtr(lon), floatPtr(alt)
	return &a, nil
}

// Summary aggregates the attempt table.
type Summary struct {
	Total          int            `json:"total"`
	Successes      int            `json:"successes"`
	Failures       int            `json:"failures"`
	ByReason       map[string]int `json:"by_reason"`
	MeanConfidence *float64       `json:"mean_confidence,omitempty"`
	MeanDurationMs float64        `json:"mean_duration_ms"`
}

// Summarize counts attempts by outcome and failure reason.
func (db *DB) Summarize() (*Summary, error) {
	s := &Summary{ByReason: map[string]int{}}

	var meanConf sql.NullFloat64
	var meanDur sql.NullFloat64
	err := db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		       AVG(confidence),
		       AVG(duration_ms)
		FROM localization_attempts`).Scan(&s.Total, &s.Successes, &meanConf, &meanDur)
	if err != nil {
		return nil, fmt.Errorf("summarize attempts: %w", err)
	}
	s.Failures = s.Total - s.Successes
	s.MeanConfidence = floatPtr(meanConf)
	s.MeanDurationMs = meanDur.Float64

	rows, err := db.Query(`
		SELECT reason, COUNT(*)
		FROM localization_attempts
		WHERE outcome = 'failure'
		GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("query failure reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason sql.NullString
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan failure reason: %w", err)
		}
		s.ByReason[reason.String] = n
	}
	return s, rows.Err()
}

// RecordTrackingState appends a tracking state transition.
func (db *DB) RecordTrackingState(state string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO tracking_events (state, created_at) VALUES (?, ?)`, state, at.UnixNano())
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}

// RecordMeshLoad appends the outcome of a mesh load. loadErr is nil on
// success.
func (db *DB) RecordMeshLoad(mapID string, loadErr error, at time.Time) error {
	var errText interface{}
	if loadErr != nil {
		errText = loadErr.Error()
	}
	_, err := db.Exec(`INSERT INTO mesh_loads (map_id, error, created_at) VALUES (?, ?, ?)`, mapID, errText, at.UnixNano())
	if err != nil {
		return fmt.Errorf("insert mesh load: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
