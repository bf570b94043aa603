package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/spec"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleWrite = errors.New("session write is older than the stored session")
)

type Storage struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS circuits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tasks_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		circuit_id INTEGER PRIMARY KEY REFERENCES circuits(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		remaining_seconds INTEGER NOT NULL,
		phase TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		circuit_id INTEGER NOT NULL REFERENCES circuits(id) ON DELETE CASCADE,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		total_seconds INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateCircuit(ctx context.Context, c *models.Circuit) (int64, error) {
	tasks, err := json.Marshal(c.Tasks)
	if err != nil {
		return 0, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO circuits (name, description, tasks_json, created_at) VALUES (?, ?, ?, ?)`,
		c.Name, c.Description, string(tasks), c.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// circuitQuery selects a circuit with its live session, if any.
const circuitQuery = `SELECT c.id, c.name, c.description, c.tasks_json, c.created_at,
	s.id, s.step_index, s.remaining_seconds, s.phase, s.version, s.started_at, s.updated_at
	FROM circuits c LEFT JOIN sessions s ON s.circuit_id = c.id`

func (s *Storage) GetCircuit(ctx context.Context, id int64) (*models.Circuit, error) {
	row := s.db.QueryRowContext(ctx, circuitQuery+` WHERE c.id = ?`, id)
	c, err := scanCircuit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("circuit %d: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *Storage) ListCircuits(ctx context.Context) ([]*models.Circuit, error) {
	rows, err := s.db.QueryContext(ctx, circuitQuery+` ORDER BY c.created_at DESC, c.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var circuits []*models.Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		circuits = append(circuits, c)
	}
	return circuits, rows.Err()
}

// UpdateCircuit replaces the name, description and tasks of c.ID. A live
// session that no longer fits the new tasks is discarded.
func (s *Storage) UpdateCircuit(ctx context.Context, c *models.Circuit) error {
	tasks, err := json.Marshal(c.Tasks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE circuits SET name = ?, description = ?, tasks_json = ? WHERE id = ?`,
		c.Name, c.Description, string(tasks), c.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("circuit %d: %w", c.ID, ErrNotFound)
	}

	var step, remaining int
	var phase models.Phase
	err = tx.QueryRowContext(ctx,
		`SELECT step_index, remaining_seconds, phase FROM sessions WHERE circuit_id = ?`, c.ID,
	).Scan(&step, &remaining, &phase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		rs := models.RunSession{StepIndex: step, RemainingSeconds: remaining, Phase: phase}
		if spec.ValidateSession(c, rs) != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE circuit_id = ?`, c.ID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *Storage) DeleteCircuit(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE circuit_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE circuit_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM circuits WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("circuit %d: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCircuit(row scanner) (*models.Circuit, error) {
	var c models.Circuit
	var tasksJSON string
	var (
		sessionID        sql.NullString
		step, remaining  sql.NullInt64
		phase            sql.NullString
		version          sql.NullInt64
		started, updated sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &tasksJSON, &c.CreatedAt,
		&sessionID, &step, &remaining, &phase, &version, &started, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasksJSON), &c.Tasks); err != nil {
		return nil, fmt.Errorf("circuit %d: stored tasks are invalid: %w", c.ID, err)
	}
	if sessionID.Valid {
		c.ActiveRun = &models.RunSession{
			ID:               sessionID.String,
			CircuitID:        c.ID,
			StepIndex:        int(step.Int64),
			RemainingSeconds: int(remaining.Int64),
			Phase:            models.Phase(phase.String),
			Version:          uint64(version.Int64),
			StartedAt:        started.Time,
			UpdatedAt:        updated.Time,
		}
	}
	return &c, nil
}

// GetSession returns the live session of a circuit, or ErrNotFound.
func (s *Storage) GetSession(ctx context.Context, circuitID int64) (*models.RunSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, circuit_id, step_index, remaining_seconds, phase, version, started_at, updated_at
		 FROM sessions WHERE circuit_id = ?`, circuitID,
	)

	var rs models.RunSession
	err := row.Scan(&rs.ID, &rs.CircuitID, &rs.StepIndex, &rs.RemainingSeconds,
		&rs.Phase, &rs.Version, &rs.StartedAt, &rs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session for circuit %d: %w", circuitID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// PutSession upserts the live session. A write for the same run
// (same started_at) whose version is not newer than the stored one is
// refused with ErrStaleWrite; a write for a different run always wins.
// Positions that do not fit the circuit wrap spec.ErrInvalid.
func (s *Storage) PutSession(ctx context.Context, circuitID int64, rs models.RunSession) (*models.RunSession, error) {
	c, err := s.GetCircuit(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if err := spec.ValidateSession(c, rs); err != nil {
		return nil, fmt.Errorf("circuit %d: %w", circuitID, err)
	}
	if rs.StartedAt.IsZero() {
		rs.StartedAt = s.now()
	}
	if rs.UpdatedAt.IsZero() {
		rs.UpdatedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (circuit_id, id, step_index, remaining_seconds, phase, version, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(circuit_id) DO UPDATE SET
			id = CASE WHEN sessions.started_at = excluded.started_at THEN sessions.id ELSE excluded.id END,
			step_index = excluded.step_index,
			remaining_seconds = excluded.remaining_seconds,
			phase = excluded.phase,
			version = excluded.version,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
		 WHERE sessions.started_at != excluded.started_at OR excluded.version > sessions.version`,
		circuitID, uuid.NewString(), rs.StepIndex, rs.RemainingSeconds, rs.Phase, rs.Version, rs.StartedAt, rs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("circuit %d version %d: %w", circuitID, rs.Version, ErrStaleWrite)
	}
	return s.GetSession(ctx, circuitID)
}

// DeleteSession removes the live session. Deleting a missing session is not
// an error, but the circuit must exist.
func (s *Storage) DeleteSession(ctx context.Context, circuitID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE circuit_id = ?`, circuitID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM circuits WHERE id = ?`, circuitID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("circuit %d: %w", circuitID, ErrNotFound)
	}
	return err
}

// FinishSession archives the session as a run record and deletes it. The
// record's total is the sum of the circuit's task durations. Missing
// timestamps fall back to the stored session and then to now.
func (s *Storage) FinishSession(ctx context.Context, circuitID int64, done models.Completion) (*models.RunRecord, error) {
	c, err := s.GetCircuit(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if len(c.Tasks) == 0 {
		return nil, fmt.Errorf("circuit %d has no tasks to record", circuitID)
	}

	if done.StartedAt.IsZero() {
		if rs, err := s.GetSession(ctx, circuitID); err == nil {
			done.StartedAt = rs.StartedAt
		} else {
			done.StartedAt = s.now()
		}
	}
	if done.FinishedAt.IsZero() {
		done.FinishedAt = s.now()
	}
	if done.FinishedAt.Before(done.StartedAt) {
		return nil, fmt.Errorf("finished_at cannot be before started_at")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec := &models.RunRecord{
		CircuitID:    circuitID,
		CircuitName:  c.Name,
		StartedAt:    done.StartedAt,
		FinishedAt:   done.FinishedAt,
		TotalSeconds: c.TotalSeconds(),
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO runs (circuit_id, started_at, finished_at, total_seconds) VALUES (?, ?, ?, ?)`,
		rec.CircuitID, rec.StartedAt, rec.FinishedAt, rec.TotalSeconds,
	)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE circuit_id = ?`, circuitID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRun records a run directly, without a live session.
func (s *Storage) CreateRun(ctx context.Context, rec *models.RunRecord) (int64, error) {
	c, err := s.GetCircuit(ctx, rec.CircuitID)
	if err != nil {
		return 0, err
	}
	if rec.TotalSeconds == 0 {
		rec.TotalSeconds = c.TotalSeconds()
	}
	rec.CircuitName = c.Name

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (circuit_id, started_at, finished_at, total_seconds) VALUES (?, ?, ?, ?)`,
		rec.CircuitID, rec.StartedAt, rec.FinishedAt, rec.TotalSeconds,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.circuit_id, c.name, r.started_at, r.finished_at, r.total_seconds
		 FROM runs r JOIN circuits c ON c.id = r.circuit_id
		 ORDER BY r.started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		var rec models.RunRecord
		if err := rows.Scan(&rec.ID, &rec.CircuitID, &rec.CircuitName,
			&rec.StartedAt, &rec.FinishedAt, &rec.TotalSeconds); err != nil {
			return nil, err
		}
		runs = append(runs, &rec)
	}

	return runs, rows.Err()
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
