package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// schemaVersion is the current store schema. Migrations are forward-only
// and idempotent; the version is recorded in _meta.
const schemaVersion = 1

// noIteration is the iteration_index column value for single-execution
// steps. SQLite treats NULLs as distinct in unique indexes, so a sentinel
// keeps (session_id, step_name, iteration_index) genuinely unique.
const noIteration = -1

// Store is the durable record of sessions, step results, and quality
// scores, backed by a single embedded SQLite file (or :memory:).
//
// Concurrency: callers serialise writes per session through the Manager;
// the store additionally relies on SQLite's WAL mode and busy timeout so
// concurrent writes to different sessions proceed independently.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenStore opens (creating if needed) the session database at path and
// applies the schema idempotently. Pass ":memory:" for an ephemeral store.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("session store: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session store: open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("session store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS _meta (
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			topic        TEXT NOT NULL,
			flow_type    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			context_json TEXT NOT NULL DEFAULT '{}',
			quality_json TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status  ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS session_steps (
			session_id             TEXT    NOT NULL,
			step_name              TEXT    NOT NULL,
			iteration_index        INTEGER NOT NULL DEFAULT -1,
			status                 TEXT    NOT NULL,
			raw_text               TEXT    NOT NULL DEFAULT '',
			structured_output_json TEXT,
			quality_score          REAL,
			started_at             TEXT,
			finished_at            TEXT,
			retry_count            INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_unique
			ON session_steps(session_id, step_name, iteration_index);
		CREATE INDEX IF NOT EXISTS idx_steps_session ON session_steps(session_id);

		CREATE TABLE IF NOT EXISTS session_current (
			session_id        TEXT PRIMARY KEY,
			current_step_name TEXT NOT NULL,
			step_number       INTEGER NOT NULL DEFAULT 0,
			iteration_index   INTEGER NOT NULL DEFAULT 0,
			iteration_total   INTEGER NOT NULL DEFAULT 0,
			retry_count       INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM _meta LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO _meta (version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	case err != nil:
		return err
	case version < schemaVersion:
		// Forward-only upgrades slot in here; version 1 is current.
		if _, err := s.db.Exec(`UPDATE _meta SET version = ?`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// withRetry runs op and, on failure, retries it once on the assumption the
// failure was transient (busy database, interrupted write). The second
// error is the one surfaced.
func (s *Store) withRetry(name string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	s.log.Warn().Str("op", name).Err(err).Msg("store operation failed, retrying once")
	if err = op(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStorage, name, err)
	}
	return nil
}

// SaveSession writes the full session state in one transaction: the session
// row, every step-result entry, and the cursor. Partial failure leaves no
// visible change.
func (s *Store) SaveSession(sess *Session) error {
	return s.withRetry("save session", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		contextJSON, err := json.Marshal(sess.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		qualityJSON, err := json.Marshal(sess.QualityScores)
		if err != nil {
			return fmt.Errorf("marshal quality scores: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO sessions (id, topic, flow_type, status, context_json, quality_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				context_json = excluded.context_json,
				quality_json = excluded.quality_json,
				updated_at = excluded.updated_at`,
			sess.ID, sess.Topic, sess.FlowType, string(sess.Status),
			string(contextJSON), string(qualityJSON),
			formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		); err != nil {
			return err
		}

		// Step entries are few per session; rewrite them wholesale so the
		// rows always mirror the in-memory record.
		if _, err := tx.Exec(`DELETE FROM session_steps WHERE session_id = ?`, sess.ID); err != nil {
			return err
		}
		for stepName, entries := range sess.StepResults {
			for _, r := range entries {
				iteration := noIteration
				if r.IterationIndex != nil {
					iteration = *r.IterationIndex
				}
				outputJSON, err := stepOutputJSON(sess, stepName, r.IterationIndex)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(`
					INSERT INTO session_steps
						(session_id, step_name, iteration_index, status, raw_text,
						 structured_output_json, quality_score, started_at, finished_at, retry_count)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					sess.ID, stepName, iteration, string(r.Status), r.RawText,
					outputJSON, r.QualityScore,
					nullableTime(r.StartedAt), nullableTime(r.FinishedAt), r.RetryCount,
				); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO session_current (session_id, current_step_name, step_number, iteration_index, iteration_total, retry_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				current_step_name = excluded.current_step_name,
				step_number = excluded.step_number,
				iteration_index = excluded.iteration_index,
				iteration_total = excluded.iteration_total,
				retry_count = excluded.retry_count`,
			sess.ID, sess.Cursor.Step, sess.StepNumber,
			sess.Cursor.Iteration, sess.Cursor.Total, sess.Cursor.Retry,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// LoadSession reconstructs a session from its rows. Returns ErrNotFound
// when no session with the ID exists.
func (s *Store) LoadSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT s.id, s.topic, s.flow_type, s.status, s.context_json, s.quality_json,
		       s.created_at, s.updated_at,
		       c.current_step_name, c.step_number, c.iteration_index, c.iteration_total, c.retry_count
		FROM sessions s
		JOIN session_current c ON c.session_id = s.id
		WHERE s.id = ?`, id)

	var (
		sess                     Session
		status                   string
		contextJSON, qualityJSON string
		createdAt, updatedAt     string
	)
	err := row.Scan(
		&sess.ID, &sess.Topic, &sess.FlowType, &status, &contextJSON, &qualityJSON,
		&createdAt, &updatedAt,
		&sess.Cursor.Step, &sess.StepNumber, &sess.Cursor.Iteration, &sess.Cursor.Total, &sess.Cursor.Retry,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", ErrStorage, err)
	}

	sess.Status = Status(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.Context = map[string]any{}
	sess.QualityScores = map[string]float64{}
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("%w: load session: parse context: %v", ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(qualityJSON), &sess.QualityScores); err != nil {
		return nil, fmt.Errorf("%w: load session: parse quality scores: %v", ErrStorage, err)
	}

	if err := s.loadSteps(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) loadSteps(sess *Session) error {
	rows, err := s.db.Query(`
		SELECT step_name, iteration_index, status, raw_text, structured_output_json,
		       quality_score, started_at, finished_at, retry_count
		FROM session_steps
		WHERE session_id = ?
		ORDER BY step_name, iteration_index`, sess.ID)
	if err != nil {
		return fmt.Errorf("%w: load steps: %v", ErrStorage, err)
	}
	defer rows.Close()

	sess.StepResults = map[string][]*StepResult{}
	sess.StepOutputs = map[string]any{}
	type iterOutput struct {
		index int
		value any
	}
	iterOutputs := map[string][]iterOutput{}

	for rows.Next() {
		var (
			r          StepResult
			iteration  int
			status     string
			outputJSON sql.NullString
			started    sql.NullString
			finished   sql.NullString
		)
		if err := rows.Scan(&r.StepName, &iteration, &status, &r.RawText, &outputJSON,
			&r.QualityScore, &started, &finished, &r.RetryCount); err != nil {
			return fmt.Errorf("%w: load steps: %v", ErrStorage, err)
		}
		r.Status = StepStatus(status)
		if iteration != noIteration {
			idx := iteration
			r.IterationIndex = &idx
		}
		if started.Valid {
			r.StartedAt = parseTime(started.String)
		}
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		sess.StepResults[r.StepName] = append(sess.StepResults[r.StepName], &r)

		if outputJSON.Valid && outputJSON.String != "" {
			var out any
			if err := json.Unmarshal([]byte(outputJSON.String), &out); err == nil {
				if iteration == noIteration {
					sess.StepOutputs[r.StepName] = out
				} else {
					iterOutputs[r.StepName] = append(iterOutputs[r.StepName], iterOutput{index: iteration, value: out})
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: load steps: %v", ErrStorage, err)
	}

	for step, outs := range iterOutputs {
		max := 0
		for _, o := range outs {
			if o.index+1 > max {
				max = o.index + 1
			}
		}
		arr := make([]any, max)
		for _, o := range outs {
			arr[o.index] = o.value
		}
		sess.StepOutputs[step] = arr
	}
	return nil
}

// AppendStepResult inserts one step-result row.
func (s *Store) AppendStepResult(sessionID string, r *StepResult, structuredOutput any) error {
	return s.withRetry("append step result", func() error {
		iteration := noIteration
		if r.IterationIndex != nil {
			iteration = *r.IterationIndex
		}
		var outputJSON any
		if structuredOutput != nil {
			b, err := json.Marshal(structuredOutput)
			if err != nil {
				return fmt.Errorf("marshal structured output: %w", err)
			}
			outputJSON = string(b)
		}
		_, err := s.db.Exec(`
			INSERT INTO session_steps
				(session_id, step_name, iteration_index, status, raw_text,
				 structured_output_json, quality_score, started_at, finished_at, retry_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, r.StepName, iteration, string(r.Status), r.RawText,
			outputJSON, r.QualityScore,
			nullableTime(r.StartedAt), nullableTime(r.FinishedAt), r.RetryCount)
		return err
	})
}

// UpdateStepResult overwrites the row identified by (session, step,
// iteration).
func (s *Store) UpdateStepResult(sessionID string, r *StepResult, structuredOutput any) error {
	return s.withRetry("update step result", func() error {
		iteration := noIteration
		if r.IterationIndex != nil {
			iteration = *r.IterationIndex
		}
		var outputJSON any
		if structuredOutput != nil {
			b, err := json.Marshal(structuredOutput)
			if err != nil {
				return fmt.Errorf("marshal structured output: %w", err)
			}
			outputJSON = string(b)
		}
		_, err := s.db.Exec(`
			UPDATE session_steps
			SET status = ?, raw_text = ?, structured_output_json = ?,
			    quality_score = ?, finished_at = ?, retry_count = ?
			WHERE session_id = ? AND step_name = ? AND iteration_index = ?`,
			string(r.Status), r.RawText, outputJSON,
			r.QualityScore, nullableTime(r.FinishedAt), r.RetryCount,
			sessionID, r.StepName, iteration)
		return err
	})
}

// UpdateCurrentStep persists the denormalised cursor pointer.
func (s *Store) UpdateCurrentStep(sessionID string, cur Cursor, stepNumber int) error {
	return s.withRetry("update current step", func() error {
		_, err := s.db.Exec(`
			UPDATE session_current
			SET current_step_name = ?, step_number = ?, iteration_index = ?, iteration_total = ?, retry_count = ?
			WHERE session_id = ?`,
			cur.Step, stepNumber, cur.Iteration, cur.Total, cur.Retry, sessionID)
		return err
	})
}

// MarkStatus sets the session status and bumps updated_at.
func (s *Store) MarkStatus(id string, status Status) error {
	return s.withRetry("mark status", func() error {
		_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(timeNow().UTC()), id)
		return err
	})
}

// ListExpired returns IDs of active sessions idle longer than timeout as of
// now.
func (s *Store) ListExpired(now time.Time, timeout time.Duration) ([]string, error) {
	cutoff := formatTime(now.Add(-timeout).UTC())
	rows, err := s.db.Query(`
		SELECT id FROM sessions
		WHERE status = ? AND updated_at < ?`, string(StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list expired: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session and, via cascade, its steps and cursor.
func (s *Store) DeleteSession(id string) error {
	return s.withRetry("delete session", func() error {
		_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
}

// CountActive returns the number of sessions in the active status.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status = ?`, string(StatusActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// Info is a compact listing row for operator tooling.
type Info struct {
	ID        string
	Topic     string
	FlowType  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListSessions returns session summaries, newest first, optionally filtered
// by status ("" for all).
func (s *Store) ListSessions(status Status, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, topic, flow_type, status, created_at, updated_at FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []Info
	for rows.Next() {
		var (
			info                 Info
			st                   string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&info.ID, &info.Topic, &info.FlowType, &st, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		info.Status = Status(st)
		info.CreatedAt = parseTime(createdAt)
		info.UpdatedAt = parseTime(updatedAt)
		result = append(result, info)
	}
	return result, rows.Err()
}

// Stats holds aggregate session counts by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// SessionStats aggregates session counts for operator tooling.
func (s *Store) SessionStats() (Stats, error) {
	stats := Stats{ByStatus: map[string]int{}}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("session stats: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// stepOutputJSON serialises the slice/object entry of StepOutputs matching
// one step-result row.
func stepOutputJSON(sess *Session, stepName string, iteration *int) (any, error) {
	out, ok := sess.StepOutputs[stepName]
	if !ok || out == nil {
		return nil, nil
	}
	var value any
	if iteration == nil {
		value = out
	} else {
		arr, ok := out.([]any)
		if !ok || *iteration < 0 || *iteration >= len(arr) {
			return nil, nil
		}
		value = arr[*iteration]
	}
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	return string(b), nil
}

const storeTimeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(storeTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
