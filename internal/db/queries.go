package db

import "fmt"

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int
	RunID     string
	Event     string
	Unit      string
	Attempt   int
	Detail    string
	Timestamp string
}

// UnitRun represents a row in the unit_runs table.
type UnitRun struct {
	ID         int
	RunID      string
	Unit       string
	Attempt    int
	Status     string
	ExitCode   int
	DurationMs int
	Summary    string
	Timestamp  string
}

// RemediationAttempt represents a row in the remediation_attempts table.
type RemediationAttempt struct {
	ID        int
	RunID     string
	Unit      string
	Kind      string
	Detail    string
	Fixed     bool
	Timestamp string
}

// LogRunEvent inserts a pipeline-level event.
func (d *DB) LogRunEvent(runID, event, unit string, attempt int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, unit, attempt, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, unit, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogUnitRun inserts one build attempt for one unit.
func (d *DB) LogUnitRun(runID, unit string, attempt int, status string, exitCode int, durationMs int, summary string) error {
	_, err := d.conn.Exec(
		`INSERT INTO unit_runs (run_id, unit, attempt, status, exit_code, duration_ms, summary) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, unit, attempt, status, exitCode, durationMs, summary,
	)
	if err != nil {
		return fmt.Errorf("log unit run: %w", err)
	}
	return nil
}

// LogRemediation inserts one remediation attempt.
func (d *DB) LogRemediation(runID, unit, kind, detail string, fixed bool) error {
	_, err := d.conn.Exec(
		`INSERT INTO remediation_attempts (run_id, unit, kind, detail, fixed) VALUES (?, ?, ?, ?, ?)`,
		runID, unit, kind, detail, fixed,
	)
	if err != nil {
		return fmt.Errorf("log remediation: %w", err)
	}
	return nil
}

// RecentRunIDs returns the most recent run IDs, newest first.
func (d *DB) RecentRunIDs(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.conn.Query(
		`SELECT run_id FROM run_events GROUP BY run_id ORDER BY MAX(id) DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RunEvents returns all events for a run in insertion order.
func (d *DB) RunEvents(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, COALESCE(unit, ''), COALESCE(attempt, 0), COALESCE(detail, ''), timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Unit, &e.Attempt, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UnitRuns returns all unit attempts for a run in insertion order.
func (d *DB) UnitRuns(runID string) ([]UnitRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, unit, attempt, status, COALESCE(exit_code, 0), COALESCE(duration_ms, 0), COALESCE(summary, ''), timestamp
		 FROM unit_runs WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unit runs: %w", err)
	}
	defer rows.Close()

	var runs []UnitRun
	for rows.Next() {
		var u UnitRun
		if err := rows.Scan(&u.ID, &u.RunID, &u.Unit, &u.Attempt, &u.Status, &u.ExitCode, &u.DurationMs, &u.Summary, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan unit run: %w", err)
		}
		runs = append(runs, u)
	}
	return runs, rows.Err()
}

// Remediations returns all remediation attempts for a run in insertion order.
func (d *DB) Remediations(runID string) ([]RemediationAttempt, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, COALESCE(unit, ''), kind, COALESCE(detail, ''), fixed, timestamp
		 FROM remediation_attempts WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query remediations: %w", err)
	}
	defer rows.Close()

	var atts []RemediationAttempt
	for rows.Next() {
		var a RemediationAttempt
		if err := rows.Scan(&a.ID, &a.RunID, &a.Unit, &a.Kind, &a.Detail, &a.Fixed, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan remediation: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
