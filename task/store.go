package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Conditional-transition failures. Callers map these onto their own
// conflict handling.
var (
	ErrNotPending  = errors.New("task is not pending")
	ErrWrongStatus = errors.New("task is not in the expected status")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL,
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	workspace_id       TEXT NOT NULL DEFAULT '',
	blocked_by         TEXT NOT NULL DEFAULT '[]',
	parent_id          TEXT NOT NULL DEFAULT '',
	output             TEXT NOT NULL DEFAULT 'none',
	output_schema      TEXT NOT NULL DEFAULT '',
	result             TEXT NOT NULL DEFAULT '',
	children_notified  INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	started_at         DATETIME,
	completed_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
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

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	t.ID = uuid.New().String()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Output == "" {
		t.Output = OutputNone
	}

	blockedBy, _ := json.Marshal(t.BlockedBy)
	result := marshalResult(t.Result)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, title, description, status, priority, workspace_id, blocked_by, parent_id,
			 output, output_schema, result, children_notified, created_at, updated_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,0,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority,
		t.WorkspaceID, string(blockedBy), t.ParentID,
		string(t.Output), string(t.OutputSchema), result,
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, title, description, status, priority, workspace_id,
		blocked_by, parent_id, output, output_schema, result, created_at, updated_at,
		started_at, completed_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, err
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	blockedBy, _ := json.Marshal(t.BlockedBy)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			title=?, description=?, status=?, priority=?, workspace_id=?, blocked_by=?, parent_id=?,
			output=?, output_schema=?, result=?, updated_at=?, started_at=?, completed_at=?
		WHERE id=?`,
		t.Title, t.Description, string(t.Status), t.Priority,
		t.WorkspaceID, string(blockedBy), t.ParentID,
		string(t.Output), string(t.OutputSchema), marshalResult(t.Result),
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

// List returns tasks matching the filter, priority descending, FIFO among equals.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, title, description, status, priority, workspace_id,
		blocked_by, parent_id, output, output_schema, result, created_at, updated_at,
		started_at, completed_at FROM tasks WHERE 1=1`)
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkspaceID != "" {
		q.WriteString(" AND workspace_id=?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id=?")
		args = append(args, filter.ParentID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Claim conditionally transitions pending -> assigned. The WHERE clause is
// the exclusivity guarantee: of N concurrent claimers exactly one sees a
// row change.
func (s *SQLiteStore) Claim(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusAssigned), now, now, id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("claim task %s: %w", id, ErrNotPending)
	}
	return nil
}

// SetStatus conditionally transitions from -> to.
func (s *SQLiteStore) SetStatus(id string, from, to Status) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s %s->%s: %w", id, from, to, ErrWrongStatus)
	}
	return nil
}

// WriteResult records the terminal snapshot. Only assigned or running tasks
// can complete; anything else means the caller has been superseded.
func (s *SQLiteStore) WriteResult(id string, result *Result) error {
	if result == nil || !result.Status.Terminal() {
		return fmt.Errorf("write result: status must be terminal")
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET status=?, result=?, completed_at=?, updated_at=?
		 WHERE id=? AND status IN (?, ?)`,
		string(result.Status), marshalResult(result), now, now,
		id, string(StatusAssigned), string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s result write: %w", id, ErrWrongStatus)
	}
	return nil
}

// MarkChildrenNotified flips the one-shot flag; true means this caller won.
func (s *SQLiteStore) MarkChildrenNotified(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET children_notified=1 WHERE id=? AND children_notified=0`, id)
	if err != nil {
		return false, fmt.Errorf("mark children notified: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, blockedByJSON, output, outputSchema, resultJSON string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &status, &t.Priority, &t.WorkspaceID,
		&blockedByJSON, &t.ParentID, &output, &outputSchema, &resultJSON,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Output = OutputRequirement(output)
	if outputSchema != "" {
		t.OutputSchema = json.RawMessage(outputSchema)
	}
	_ = json.Unmarshal([]byte(blockedByJSON), &t.BlockedBy)
	if resultJSON != "" {
		var r Result
		if err := json.Unmarshal([]byte(resultJSON), &r); err == nil {
			t.Result = &r
		}
	}

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func marshalResult(r *Result) string {
	if r == nil {
		return ""
	}
	b, _ := json.Marshal(r)
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
