package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zengqingfu1442/onnx-simplifier/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    operation    TEXT NOT NULL,
    status       TEXT NOT NULL,
    worker       INTEGER NOT NULL DEFAULT -1,
    input_bytes  INTEGER NOT NULL,
    input_nodes  INTEGER,
    output_bytes INTEGER,
    output_nodes INTEGER,
    producer     TEXT NOT NULL DEFAULT '',
    output       BLOB,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS job_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    channel    TEXT NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createMessagesIndex = `
CREATE INDEX IF NOT EXISTS idx_job_messages_job_seq ON job_messages (job_id, seq)`

// jobColumns excludes the output blob, which only GetJob loads.
const jobColumns = `id, operation, status, worker, input_bytes, input_nodes,
	output_bytes, output_nodes, producer, error, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createMessagesTable, createMessagesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, operation, status, worker, input_bytes, input_nodes,
			output_bytes, output_nodes, producer, output, error, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Operation, j.Status, j.Worker, j.InputBytes, j.InputNodes,
		j.OutputBytes, j.OutputNodes, j.Producer, j.Output, j.Error, j.DurationMS,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, extra ...any) (*model.Job, error) {
	j := &model.Job{}
	dest := []any{
		&j.ID, &j.Operation, &j.Status, &j.Worker, &j.InputBytes, &j.InputNodes,
		&j.OutputBytes, &j.OutputNodes, &j.Producer, &j.Error, &j.DurationMS,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob retrieves a job by ID, including its output bytes.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var output []byte
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+`, output FROM jobs WHERE id = ?`, id,
	), &output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Output = output
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs. Output bytes are not loaded.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// AssignWorker records which dispatcher worker a job was queued on.
func (s *SQLiteStore) AssignWorker(ctx context.Context, id string, worker int) error {
	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET worker = ? WHERE id = ?", worker, id)
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	return checkAffected(result)
}

// MarkRunning moves a pending job to running and sets started_at.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.StatusRunning, func(now time.Time, _ *time.Time) ([]string, []any) {
		return []string{"started_at"}, []any{now}
	})
}

// CompleteJob moves a running job to completed and stores its output.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, c Completion) error {
	return s.transition(ctx, id, model.StatusCompleted, func(now time.Time, started *time.Time) ([]string, []any) {
		return []string{"output", "output_bytes", "output_nodes", "finished_at", "duration_ms"},
			[]any{c.Output, len(c.Output), c.OutputNodes, now, durationMS(started, now)}
	})
}

// FailJob moves a pending or running job to failed with reason.
func (s *SQLiteStore) FailJob(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, model.StatusFailed, func(now time.Time, started *time.Time) ([]string, []any) {
		return []string{"error", "finished_at", "duration_ms"},
			[]any{reason, now, durationMS(started, now)}
	})
}

func durationMS(started *time.Time, now time.Time) *int {
	if started == nil {
		return nil
	}
	ms := int(now.Sub(*started).Milliseconds())
	return &ms
}

// transition validates the move from the job's current status to `to` and
// applies it together with the columns returned by set, in one transaction.
func (s *SQLiteStore) transition(ctx context.Context, id, to string, set func(now time.Time, started *time.Time) ([]string, []any)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from string
	var started *time.Time
	err = tx.QueryRowContext(ctx, "SELECT status, started_at FROM jobs WHERE id = ?", id).Scan(&from, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	cols, vals := set(time.Now().UTC(), started)
	assignments := []string{"status = ?"}
	args := []any{to}
	for i, col := range cols {
		assignments = append(assignments, col+" = ?")
		args = append(args, vals[i])
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(assignments, ", ")+" WHERE id = ?", args...,
	); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobStats returns totals by status and operation and the average
// duration of completed jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus:    make(map[string]int),
		CountByOperation: make(map[string]int),
	}

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"operation", stats.CountByOperation},
	} {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+group.column+", COUNT(*) FROM jobs GROUP BY "+group.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", group.column, err)
			}
			group.into[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", group.column, err)
		}
	}

	var avg sql.NullFloat64
	var outputBytes sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			(SELECT AVG(duration_ms) FROM jobs WHERE status = ? AND duration_ms IS NOT NULL),
			(SELECT SUM(output_bytes) FROM jobs WHERE status = ?)
		FROM jobs`, model.StatusCompleted, model.StatusCompleted,
	).Scan(&stats.Total, &avg, &outputBytes); err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.OutputBytes = outputBytes.Int64

	return stats, nil
}

// InsertMessage stores one relayed stdout/stderr line of a job.
func (s *SQLiteStore) InsertMessage(ctx context.Context, jobID string, seq int, channel, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_messages (job_id, seq, channel, line, created_at) VALUES (?, ?, ?, ?, ?)",
		jobID, seq, channel, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns the relayed lines of a job ordered by sequence.
func (s *SQLiteStore) GetMessages(ctx context.Context, jobID string) ([]model.MessageLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, channel, line, created_at FROM job_messages WHERE job_id = ? ORDER BY seq",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	lines := []model.MessageLine{}
	for rows.Next() {
		var l model.MessageLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Channel, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return lines, nil
}
