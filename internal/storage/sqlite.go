package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
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

// timeFormat keeps timestamps lexicographically sortable in SQLite while
// preserving sub-second precision for created_at ordering.
const timeFormat = time.RFC3339Nano

// Store wraps a SQLite database holding uploads, jobs, and predictions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "moodpipe.db")
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

	// Upload deletion cascades to jobs and predictions.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

		// Check if already applied.
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Uploads ---

// CreateUploadWithJob inserts the upload and its queued job in one transaction,
// so a stored artifact record always has exactly one job and vice versa.
func (s *Store) CreateUploadWithJob(u Upload, j Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upload transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	uploadCreated := u.CreatedAt
	if uploadCreated.IsZero() {
		uploadCreated = now
	}
	jobCreated := j.CreatedAt
	if jobCreated.IsZero() {
		jobCreated = now
	}

	if _, err := tx.Exec(`
		INSERT INTO uploads (id, owner_hash, artifact_path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.OwnerHash, u.ArtifactPath, u.SizeBytes, uploadCreated.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting upload: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO jobs (id, upload_id, owner_hash, status, created_at)
		VALUES (?, ?, ?, 'queued', ?)`,
		j.ID, u.ID, j.OwnerHash, jobCreated.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetUpload(id string) (Upload, error) {
	var u Upload
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_hash, artifact_path, size_bytes, created_at
		FROM uploads WHERE id = ?`, id,
	).Scan(&u.ID, &u.OwnerHash, &u.ArtifactPath, &u.SizeBytes, &createdAt)
	if err == sql.ErrNoRows {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, err
	}
	if u.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Upload{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

// DeleteUpload removes an upload; jobs and predictions cascade.
func (s *Store) DeleteUpload(id string) error {
	res, err := s.db.Exec(`DELETE FROM uploads WHERE id = ?`, id)
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

// --- Jobs ---

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`
		SELECT id, upload_id, owner_hash, status, error, started_at, finished_at, claim_expires_at, created_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// GetJobByUpload returns the single job created for an upload.
func (s *Store) GetJobByUpload(uploadID string) (Job, error) {
	row := s.db.QueryRow(`
		SELECT id, upload_id, owner_hash, status, error, started_at, finished_at, claim_expires_at, created_at
		FROM jobs WHERE upload_id = ?`, uploadID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var errMsg, startedAt, finishedAt, claimExpiresAt sql.NullString
	var createdAt string
	if err := row.Scan(
		&j.ID, &j.UploadID, &j.OwnerHash, &j.Status,
		&errMsg, &startedAt, &finishedAt, &claimExpiresAt, &createdAt,
	); err != nil {
		return Job{}, err
	}
	j.Error = errMsg.String

	var err error
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Job{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	if j.ClaimExpiresAt, err = parseNullTime(claimExpiresAt); err != nil {
		return Job{}, fmt.Errorf("parsing claim_expires_at: %w", err)
	}
	return j, nil
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, v.String)
}

// ClaimNextJob atomically claims the oldest claimable job: either queued, or
// processing with an expired claim lease (worker crashed mid-flight). The
// conditional UPDATE is the only mutual-exclusion primitive; when two workers
// race on the same job, exactly one observes a row affected. Returns (nil, nil)
// when no job is claimable or another worker won the race.
func (s *Store) ClaimNextJob(lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	nowStr := now.Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT id, upload_id, owner_hash, status, error, started_at, finished_at, claim_expires_at, created_at
		FROM jobs
		WHERE status = 'queued'
		   OR (status = 'processing' AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?)
		ORDER BY created_at ASC
		LIMIT 1`, nowStr)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	expires := now.Add(lease)
	res, err := tx.Exec(`
		UPDATE jobs SET status = 'processing', started_at = ?, claim_expires_at = ?
		WHERE id = ?
		  AND (status = 'queued' OR (status = 'processing' AND claim_expires_at <= ?))`,
		nowStr, expires.Format(timeFormat), j.ID, nowStr,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	j.StartedAt = now
	j.ClaimExpiresAt = expires
	return &j, nil
}

// CompleteJob inserts the prediction and finalizes the job in one transaction,
// so a completed job always has exactly one prediction row.
func (s *Store) CompleteJob(jobID string, p Prediction) error {
	scoresJSON, err := json.Marshal(p.Scores)
	if err != nil {
		return fmt.Errorf("marshaling scores: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	if _, err := tx.Exec(`
		INSERT INTO predictions (id, upload_id, owner_hash, scores_json, model_name, model_version, inference_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UploadID, p.OwnerHash, string(scoresJSON),
		p.ModelName, p.ModelVersion, p.InferenceTimeMs, createdAt.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs SET status = 'completed', error = NULL, finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		now.Format(timeFormat), jobID,
	)
	if err != nil {
		return fmt.Errorf("finalizing job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("job %s not in processing state", jobID)
	}

	return tx.Commit()
}

// FailJob records the error and moves a processing job to the terminal failed
// state. Terminal jobs are never modified.
func (s *Store) FailJob(jobID string, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'failed', error = ?, finished_at = ?
		WHERE id = ? AND status = 'processing'`,
		errMsg, time.Now().UTC().Format(timeFormat), jobID,
	)
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

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Predictions ---

func (s *Store) GetPrediction(id string) (Prediction, error) {
	var p Prediction
	var scoresJSON, createdAt string
	err := s.db.QueryRow(`
		SELECT id, upload_id, owner_hash, scores_json, model_name, model_version, inference_time_ms, created_at
		FROM predictions WHERE id = ?`, id,
	).Scan(&p.ID, &p.UploadID, &p.OwnerHash, &scoresJSON, &p.ModelName, &p.ModelVersion, &p.InferenceTimeMs, &createdAt)
	if err == sql.ErrNoRows {
		return Prediction{}, ErrNotFound
	}
	if err != nil {
		return Prediction{}, err
	}
	if err := json.Unmarshal([]byte(scoresJSON), &p.Scores); err != nil {
		return Prediction{}, fmt.Errorf("unmarshaling scores: %w", err)
	}
	if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Prediction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// RecentPredictions returns the owner's newest predictions joined with their
// upload's size and timestamp, ordered by created_at descending.
func (s *Store) RecentPredictions(ownerHash string, limit int) ([]PredictionView, error) {
	rows, err := s.db.Query(`
		SELECT p.id, p.upload_id, p.owner_hash, p.scores_json, p.model_name, p.model_version, p.inference_time_ms, p.created_at,
		       u.size_bytes, u.created_at
		FROM predictions p
		JOIN uploads u ON u.id = p.upload_id
		WHERE p.owner_hash = ?
		ORDER BY p.created_at DESC
		LIMIT ?`, ownerHash, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PredictionView
	for rows.Next() {
		var v PredictionView
		var scoresJSON, createdAt, uploadedAt string
		if err := rows.Scan(
			&v.ID, &v.UploadID, &v.OwnerHash, &scoresJSON,
			&v.ModelName, &v.ModelVersion, &v.InferenceTimeMs, &createdAt,
			&v.UploadSizeBytes, &uploadedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scoresJSON), &v.Scores); err != nil {
			return nil, fmt.Errorf("unmarshaling scores: %w", err)
		}
		if v.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if v.UploadedAt, err = time.Parse(timeFormat, uploadedAt); err != nil {
			return nil, fmt.Errorf("parsing upload created_at: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}
