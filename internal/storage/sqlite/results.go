package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LinkEvent is one subscription state transition of a station link.
type LinkEvent struct {
	ID          string      `json:"id"`
	HWAddress   string      `json:"hw_address"`
	SessionID   string      `json:"session_id,omitempty"`
	State       string      `json:"state"`
	Attempt     int         `json:"attempt"`
	Calibration *[3]float32 `json:"calibration,omitempty"`
	RecordedAt  time.Time   `json:"recorded_at"`
}

// Position is one trilaterated location in room coordinates (cm).
type Position struct {
	ID           string    `json:"id"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	Score        float64   `json:"score"`
	StationCount int       `json:"station_count"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// PeriodicityResult is the dominant frequency found in one window of a
// station's CM series.
type PeriodicityResult struct {
	ID          string    `json:"id"`
	HWAddress   string    `json:"hw_address"`
	AntennaPair string    `json:"antenna_pair"`
	FrequencyHz float64   `json:"frequency_hz"`
	SamplingHz  float64   `json:"sampling_hz"`
	SampleCount int       `json:"sample_count"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PerMinute returns the frequency in cycles per minute, e.g. breaths.
func (r PeriodicityResult) PerMinute() float64 { return r.FrequencyHz * 60 }

// RSSIReading is a station's signal strength and derived distance.
type RSSIReading struct {
	HWAddress  string    `json:"hw_address"`
	RSSI       float64   `json:"rssi"`
	Smoothed   float64   `json:"smoothed_rssi"`
	DistanceCm float64   `json:"distance_cm"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ActivityLevel is a station's motion level: the mean over subcarriers of
// the phase-difference variance across a window of frames.
type ActivityLevel struct {
	HWAddress   string    `json:"hw_address"`
	AntennaPair string    `json:"antenna_pair"`
	Level       float64   `json:"motion_level"`
	Subcarriers int       `json:"subcarrier_count"`
	Frames      int       `json:"frame_count"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = time.Now()
	}
}

// RecordLinkEvent stores e, assigning an ID and timestamp when unset.
func (db *DB) RecordLinkEvent(e *LinkEvent) error {
	stamp(&e.ID, &e.RecordedAt)
	var cx, cy, cz sql.NullFloat64
	if e.Calibration != nil {
		cx = sql.NullFloat64{Float64: float64(e.Calibration[0]), Valid: true}
		cy = sql.NullFloat64{Float64: float64(e.Calibration[1]), Valid: true}
		cz = sql.NullFloat64{Float64: float64(e.Calibration[2]), Valid: true}
	}
	_, err := db.Exec(`INSERT INTO link_events (
			event_id, hw_address, session_id, state, attempt,
			calibration_x, calibration_y, calibration_z, recorded_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.HWAddress, e.SessionID, e.State, e.Attempt,
		cx, cy, cz, e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record link event: %w", err)
	}
	return nil
}

// LinkEvents returns the most recent events, newest first. An empty hw
// selects all stations.
func (db *DB) LinkEvents(hw string, limit int) ([]LinkEvent, error) {
	rows, err := db.Query(`SELECT event_id, hw_address, session_id, state, attempt,
			calibration_x, calibration_y, calibration_z, recorded_unix_nanos
		FROM link_events
		WHERE ? = '' OR hw_address = ?
		ORDER BY recorded_unix_nanos DESC LIMIT ?`, hw, hw, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query link events: %w", err)
	}
	defer rows.Close()

	var events []LinkEvent
	for rows.Next() {
		var (
			e          LinkEvent
			session    sql.NullString
			cx, cy, cz sql.NullFloat64
			nanos      int64
		)
		if err := rows.Scan(&e.ID, &e.HWAddress, &session, &e.State, &e.Attempt, &cx, &cy, &cz, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan link event: %w", err)
		}
		e.SessionID = session.String
		if cx.Valid && cy.Valid && cz.Valid {
			e.Calibration = &[3]float32{float32(cx.Float64), float32(cy.Float64), float32(cz.Float64)}
		}
		e.RecordedAt = time.Unix(0, nanos)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordPosition stores p, assigning an ID and timestamp when unset.
func (db *DB) RecordPosition(p *Position) error {
	stamp(&p.ID, &p.RecordedAt)
	_, err := db.Exec(`INSERT INTO positions (position_id, x_cm, y_cm, score, station_count, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.X, p.Y, p.Score, p.StationCount, p.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record position: %w", err)
	}
	return nil
}

// RecentPositions returns up to limit positions, newest first.
func (db *DB) RecentPositions(limit int) ([]Position, error) {
	rows, err := db.Query(`SELECT position_id, x_cm, y_cm, score, station_count, recorded_unix_nanos
		FROM positions ORDER BY recorded_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var nanos int64
		if err := rows.Scan(&p.ID, &p.X, &p.Y, &p.Score, &p.StationCount, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.RecordedAt = time.Unix(0, nanos)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordPeriodicity stores r, assigning an ID and timestamp when unset.
func (db *DB) RecordPeriodicity(r *PeriodicityResult) error {
	stamp(&r.ID, &r.RecordedAt)
	_, err := db.Exec(`INSERT INTO periodicity_results (
			result_id, hw_address, antenna_pair, frequency_hz, sampling_hz, sample_count, recorded_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.HWAddress, r.AntennaPair, r.FrequencyHz, r.SamplingHz, r.SampleCount, r.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record periodicity: %w", err)
	}
	return nil
}

// RecentPeriodicity returns up to limit results, newest first. An empty hw
// selects all stations.
func (db *DB) RecentPeriodicity(hw string, limit int) ([]PeriodicityResult, error) {
	rows, err := db.Query(`SELECT result_id, hw_address, antenna_pair, frequency_hz, sampling_hz, sample_count, recorded_unix_nanos
		FROM periodicity_results
		WHERE ? = '' OR hw_address = ?
		ORDER BY recorded_unix_nanos DESC LIMIT ?`, hw, hw, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query periodicity results: %w", err)
	}
	defer rows.Close()

	var out []PeriodicityResult
	for rows.Next() {
		var r PeriodicityResult
		var nanos int64
		if err := rows.Scan(&r.ID, &r.HWAddress, &r.AntennaPair, &r.FrequencyHz, &r.SamplingHz, &r.SampleCount, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan periodicity result: %w", err)
		}
		r.RecordedAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordRSSI stores one reading, stamping it now when RecordedAt is unset.
func (db *DB) RecordRSSI(r RSSIReading) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := db.Exec(`INSERT INTO rssi_readings (hw_address, rssi, smoothed_rssi, distance_cm, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		r.HWAddress, r.RSSI, r.Smoothed, r.DistanceCm, r.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record rssi: %w", err)
	}
	return nil
}

// RecentRSSI returns up to limit readings of station hw, newest first.
func (db *DB) RecentRSSI(hw string, limit int) ([]RSSIReading, error) {
	rows, err := db.Query(`SELECT hw_address, rssi, smoothed_rssi, distance_cm, recorded_unix_nanos
		FROM rssi_readings WHERE hw_address = ?
		ORDER BY recorded_unix_nanos DESC LIMIT ?`, hw, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rssi: %w", err)
	}
	defer rows.Close()

	var out []RSSIReading
	for rows.Next() {
		var r RSSIReading
		var nanos int64
		if err := rows.Scan(&r.HWAddress, &r.RSSI, &r.Smoothed, &r.DistanceCm, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan rssi: %w", err)
		}
		r.RecordedAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordActivity stores one motion level, stamping it now when RecordedAt is
// unset.
func (db *DB) RecordActivity(a ActivityLevel) error {
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now()
	}
	_, err := db.Exec(`INSERT INTO activity_levels (
			hw_address, antenna_pair, motion_level, subcarrier_count, frame_count, recorded_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?)`,
		a.HWAddress, a.AntennaPair, a.Level, a.Subcarriers, a.Frames, a.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// RecentActivity returns up to limit motion levels, newest first. An empty
// hw selects all stations.
func (db *DB) RecentActivity(hw string, limit int) ([]ActivityLevel, error) {
	rows, err := db.Query(`SELECT hw_address, antenna_pair, motion_level, subcarrier_count, frame_count, recorded_unix_nanos
		FROM activity_levels
		WHERE ? = '' OR hw_address = ?
		ORDER BY recorded_unix_nanos DESC LIMIT ?`, hw, hw, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityLevel
	for rows.Next() {
		var a ActivityLevel
		var nanos int64
		if err := rows.Scan(&a.HWAddress, &a.AntennaPair, &a.Level, &a.Subcarriers, &a.Frames, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.RecordedAt = time.Unix(0, nanos)
		out = append(out, a)
	}
	return out, rows.Err()
}
