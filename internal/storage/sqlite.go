package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the job queue, the exact-match
// cache tier, and the corpus vector table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "drillforge.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database for packages that share the file
// (corpus vector store) and for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Jobs ---

// EnqueueJob inserts a job in the waiting state. The insert is idempotent on
// the caller-assigned id: re-enqueueing an existing id is a no-op and
// returns the stored job's id.
func (s *Store) EnqueueJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("enqueueing job: id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, kind, payload_json, priority, state, progress, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'waiting', 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Kind, job.PayloadJSON, job.Priority, now, now,
	)
	return err
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, payload_json, priority, state, progress, attempts, result_json, error, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns jobs filtered by state (empty string for all), newest
// first.
func (s *Store) ListJobs(state string, limit int) ([]Job, error) {
	query := `SELECT id, kind, payload_json, priority, state, progress, attempts, result_json, error, created_at, updated_at
		FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextJob atomically claims the highest-priority oldest waiting job and
// transitions it to active. Priority order, FIFO within a priority tier.
// Returns nil when no job is waiting.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT id, kind, payload_json, priority, state, progress, attempts, result_json, error, created_at, updated_at
		FROM jobs
		WHERE state = 'waiting'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`)
	j, err := scanJob(row)
	if err == ErrNotFound {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET state = 'active', updated_at = ? WHERE id = ? AND state = 'waiting'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.State = JobActive
	return &j, nil
}

// TransitionOpts carries the optional fields of a state transition.
type TransitionOpts struct {
	Progress   *int   // non-decreasing; only meaningful while active
	ResultJSON string // only meaningful for active→completed
	Error      string // only meaningful for active→failed
}

// Transition applies a job state change, enforcing the legal transitions:
// waiting→active, active→active (progress update), active→completed,
// active→failed. Anything else returns ErrInvalidTransition.
func (s *Store) Transition(id, newState string, opts TransitionOpts) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	var progress int
	err = tx.QueryRow(`SELECT state, progress FROM jobs WHERE id = ?`, id).Scan(&current, &progress)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading job %s: %w", id, err)
	}

	if !legalTransition(current, newState) {
		return fmt.Errorf("%w: %s → %s (job %s)", ErrInvalidTransition, current, newState, id)
	}

	newProgress := progress
	if opts.Progress != nil && *opts.Progress > progress {
		newProgress = *opts.Progress
	}
	if newState == JobCompleted {
		newProgress = 100
	}

	now := time.Now().UTC().Format(time.RFC3339)
	switch newState {
	case JobCompleted:
		_, err = tx.Exec(`UPDATE jobs SET state = ?, progress = ?, result_json = ?, updated_at = ? WHERE id = ?`,
			newState, newProgress, opts.ResultJSON, now, id)
	case JobFailed:
		_, err = tx.Exec(`UPDATE jobs SET state = ?, progress = ?, error = ?, updated_at = ? WHERE id = ?`,
			newState, newProgress, opts.Error, now, id)
	default:
		_, err = tx.Exec(`UPDATE jobs SET state = ?, progress = ?, updated_at = ? WHERE id = ?`,
			newState, newProgress, now, id)
	}
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}

	return tx.Commit()
}

func legalTransition(from, to string) bool {
	switch {
	case from == JobWaiting && to == JobActive:
		return true
	case from == JobActive && to == JobActive:
		return true
	case from == JobActive && to == JobCompleted:
		return true
	case from == JobActive && to == JobFailed:
		return true
	}
	return false
}

// MarkAttempt increments a job's attempt counter. Called by the dispatcher
// before each execution attempt.
func (s *Store) MarkAttempt(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailOrphanedJobs marks jobs left active by a previous process as failed so
// a crash leaves an inspectable record rather than a silently stuck job.
// Called once at startup, before the dispatcher runs.
func (s *Store) FailOrphanedJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET state = 'failed', error = 'interrupted by process restart', updated_at = ?
		WHERE state = 'active'`, now)
	if err != nil {
		return 0, fmt.Errorf("failing orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EvictTerminalJobs deletes completed/failed jobs older than maxAge, always
// keeping the most recent keepCount terminal jobs regardless of age.
// Returns the number of evicted jobs.
func (s *Store) EvictTerminalJobs(maxAge time.Duration, keepCount int) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed')
		  AND updated_at < ?
		  AND id NOT IN (
			SELECT id FROM jobs WHERE state IN ('completed', 'failed')
			ORDER BY updated_at DESC LIMIT ?
		  )`, cutoff, keepCount)
	if err != nil {
		return 0, fmt.Errorf("evicting terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var result, errMsg sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Kind, &j.PayloadJSON, &j.Priority, &j.State, &j.Progress, &j.Attempts,
		&result, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scanning job: %w", err)
	}
	j.ResultJSON = result.String
	j.Error = errMsg.String
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
