package worker

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrWrongStatus is returned by conditional transitions whose precondition
// no longer holds.
var ErrWrongStatus = errors.New("worker is not in the expected status")

// ErrNotFound is returned when a worker or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL,
	workspace_id     TEXT NOT NULL DEFAULT '',
	account_id       TEXT NOT NULL DEFAULT '',
	branch           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	waiting_for      TEXT NOT NULL DEFAULT '',
	cost_usd         REAL NOT NULL DEFAULT 0,
	turns            INTEGER NOT NULL DEFAULT 0,
	pr_url           TEXT NOT NULL DEFAULT '',
	pr_number        INTEGER NOT NULL DEFAULT 0,
	result_meta      TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	last_progress_at DATETIME NOT NULL,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_task ON workers(task_id);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);

CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	worker_id  TEXT NOT NULL,
	files      TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_worker ON checkpoints(worker_id);

CREATE TABLE IF NOT EXISTS milestones (
	worker_id  TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	label      TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	at         DATETIME NOT NULL,
	PRIMARY KEY (worker_id, seq)
);

CREATE TABLE IF NOT EXISTS worker_prs (
	worker_id  TEXT NOT NULL,
	head       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	url        TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (worker_id, head)
);
`

// SQLiteStore persists workers in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the worker tables exist. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new worker.
func (s *SQLiteStore) Create(w *Worker) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.LastProgressAt.IsZero() {
		w.LastProgressAt = now
	}
	if w.Status == "" {
		w.Status = StatusIdle
	}

	_, err := s.db.Exec(`
		INSERT INTO workers
			(id, task_id, workspace_id, account_id, branch, status, waiting_for,
			 cost_usd, turns, pr_url, pr_number, result_meta, error,
			 last_progress_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.TaskID, w.WorkspaceID, w.AccountID, w.Branch, string(w.Status),
		marshalJSON(w.WaitingFor), w.CostUSD, w.Turns, w.PRURL, w.PRNumber,
		marshalJSON(w.ResultMeta), w.Error,
		w.LastProgressAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// Get retrieves a worker by ID.
func (s *SQLiteStore) Get(id string) (*Worker, error) {
	row := s.db.QueryRow(`SELECT id, task_id, workspace_id, account_id, branch, status,
		waiting_for, cost_usd, turns, pr_url, pr_number, result_meta, error,
		last_progress_at, created_at, updated_at FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w, err
}

// Update saves changes to an existing worker. Cost and turns are guarded
// against regression; they only move forward within a session.
func (s *SQLiteStore) Update(w *Worker) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workers SET
			task_id=?, workspace_id=?, account_id=?, branch=?, status=?, waiting_for=?,
			cost_usd=MAX(cost_usd, ?), turns=MAX(turns, ?), pr_url=?, pr_number=?,
			result_meta=?, error=?, last_progress_at=?, updated_at=?
		WHERE id=?`,
		w.TaskID, w.WorkspaceID, w.AccountID, w.Branch, string(w.Status),
		marshalJSON(w.WaitingFor), w.CostUSD, w.Turns, w.PRURL, w.PRNumber,
		marshalJSON(w.ResultMeta), w.Error, w.LastProgressAt, w.UpdatedAt,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("worker %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

// List returns workers matching the filter, oldest first.
func (s *SQLiteStore) List(filter Filter) ([]*Worker, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, task_id, workspace_id, account_id, branch, status,
		waiting_for, cost_usd, turns, pr_url, pr_number, result_meta, error,
		last_progress_at, created_at, updated_at FROM workers WHERE 1=1`)
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, filter.TaskID)
	}
	if filter.WorkspaceID != "" {
		q.WriteString(" AND workspace_id=?")
		args = append(args, filter.WorkspaceID)
	}
	q.WriteString(" ORDER BY created_at ASC")

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// SetStatus conditionally transitions to the target status when the worker
// currently holds one of the given statuses. Entering waiting_input and
// leaving it are done through Update; this is the guarded path for all
// contested transitions.
func (s *SQLiteStore) SetStatus(id string, to Status, from ...Status) error {
	if len(from) == 0 {
		return fmt.Errorf("set worker status: no preconditions given")
	}
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(to), time.Now().UTC(), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.Exec(
		`UPDATE workers SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("worker %s ->%s: %w", id, to, ErrWrongStatus)
	}
	return nil
}

// RecordProgress persists cost, turns, and progress time. It never writes
// status or waiting_for, so the session hot path cannot regress a transition
// that landed concurrently (starting->running, waiting_input->running).
func (s *SQLiteStore) RecordProgress(id string, costUSD float64, turns int, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE workers SET cost_usd=MAX(cost_usd, ?), turns=MAX(turns, ?), last_progress_at=?, updated_at=? WHERE id=?`,
		costUSD, turns, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// Touch records progress at the given time.
func (s *SQLiteStore) Touch(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE workers SET last_progress_at=?, updated_at=? WHERE id=?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

// AppendCheckpoint stores a checkpoint.
func (s *SQLiteStore) AppendCheckpoint(cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	files, _ := json.Marshal(cp.Files)
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (id, worker_id, files, created_at) VALUES (?,?,?,?)`,
		cp.ID, cp.WorkerID, string(files), cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a worker's checkpoints in creation order.
func (s *SQLiteStore) ListCheckpoints(workerID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, files, created_at FROM checkpoints
		 WHERE worker_id=? ORDER BY created_at ASC, id ASC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var files string
		if err := rows.Scan(&cp.ID, &cp.WorkerID, &files, &cp.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(files), &cp.Files)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// AppendMilestone inserts the milestone with the next per-worker sequence.
func (s *SQLiteStore) AppendMilestone(m *Milestone) error {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	meta, _ := json.Marshal(m.Meta)
	row := s.db.QueryRow(
		`INSERT INTO milestones (worker_id, seq, kind, label, meta, at)
		 VALUES (?, (SELECT COALESCE(MAX(seq),0)+1 FROM milestones WHERE worker_id=?), ?, ?, ?, ?)
		 RETURNING seq`,
		m.WorkerID, m.WorkerID, m.Kind, m.Label, string(meta), m.At,
	)
	if err := row.Scan(&m.Seq); err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

// ListMilestones returns a worker's milestones in sequence order.
func (s *SQLiteStore) ListMilestones(workerID string) ([]*Milestone, error) {
	rows, err := s.db.Query(
		`SELECT worker_id, seq, kind, label, meta, at FROM milestones
		 WHERE worker_id=? ORDER BY seq ASC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var ms []*Milestone
	for rows.Next() {
		var m Milestone
		var meta string
		if err := rows.Scan(&m.WorkerID, &m.Seq, &m.Kind, &m.Label, &meta, &m.At); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &m.Meta)
		ms = append(ms, &m)
	}
	return ms, rows.Err()
}

// RecordPR inserts the record unless one exists for (worker, head).
// The stored record wins; re-invocations return it unchanged.
func (s *SQLiteStore) RecordPR(rec *PRRecord) (*PRRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO worker_prs (worker_id, head, number, url, state, created_at)
		 VALUES (?,?,?,?,?,?)`,
		rec.WorkerID, rec.Head, rec.Number, rec.URL, rec.State, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record pr: %w", err)
	}
	return s.GetPR(rec.WorkerID, rec.Head)
}

// GetPR returns the PR record for (worker, head), or ErrNotFound.
func (s *SQLiteStore) GetPR(workerID, head string) (*PRRecord, error) {
	row := s.db.QueryRow(
		`SELECT worker_id, head, number, url, state, created_at
		 FROM worker_prs WHERE worker_id=? AND head=?`, workerID, head)
	var rec PRRecord
	err := row.Scan(&rec.WorkerID, &rec.Head, &rec.Number, &rec.URL, &rec.State, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pr %s/%s: %w", workerID, head, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pr: %w", err)
	}
	return &rec, nil
}

// scanner abstracts sql.Row and sql.Rows for scanWorker.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(sc scanner) (*Worker, error) {
	var w Worker
	var status, waitingFor, resultMeta string

	err := sc.Scan(
		&w.ID, &w.TaskID, &w.WorkspaceID, &w.AccountID, &w.Branch, &status,
		&waitingFor, &w.CostUSD, &w.Turns, &w.PRURL, &w.PRNumber, &resultMeta,
		&w.Error, &w.LastProgressAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Status = Status(status)
	if waitingFor != "" {
		var wf WaitingFor
		if err := json.Unmarshal([]byte(waitingFor), &wf); err == nil {
			w.WaitingFor = &wf
		}
	}
	if resultMeta != "" {
		var rm ResultMeta
		if err := json.Unmarshal([]byte(resultMeta), &rm); err == nil {
			w.ResultMeta = &rm
		}
	}
	return &w, nil
}

func marshalJSON(v any) string {
	switch x := v.(type) {
	case *WaitingFor:
		if x == nil {
			return ""
		}
	case *ResultMeta:
		if x == nil {
			return ""
		}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
