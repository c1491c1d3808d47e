package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      TIMESTAMP NOT NULL,
	operation_type TEXT NOT NULL,
	project_path   TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	duration_ms    INTEGER NOT NULL,
	detail         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_entries_operation ON audit_entries(operation_type);

CREATE TABLE IF NOT EXISTS workflow_records (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	project_path TEXT NOT NULL,
	branch_name  TEXT NOT NULL DEFAULT '',
	base_branch  TEXT NOT NULL DEFAULT '',
	merge_target TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	transitioned_at TIMESTAMP NOT NULL,
	FOREIGN KEY (workflow_id) REFERENCES workflow_records(id)
);
CREATE INDEX IF NOT EXISTS idx_workflow_history_workflow ON workflow_history(workflow_id);
`

// Store provides SQLite-backed persistence for audit entries and workflow
// execution records.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendEntry inserts one audit entry. Entries are append-only.
func (s *Store) AppendEntry(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (timestamp, operation_type, project_path, task_id, outcome, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.Timestamp,
		entry.OperationType,
		entry.ProjectPath,
		entry.TaskID,
		entry.Outcome,
		entry.DurationMS,
		entry.Detail,
	)
	return err
}

// Query returns entries matching the filter, oldest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	query := `SELECT timestamp, operation_type, project_path, task_id, outcome, duration_ms, detail FROM audit_entries WHERE 1=1`
	var args []interface{}

	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate)
	}
	if filter.OperationType != "" {
		query += " AND operation_type = ?"
		args = append(args, filter.OperationType)
	}

	query += " ORDER BY timestamp, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.OperationType, &e.ProjectPath, &e.TaskID, &e.Outcome, &e.DurationMS, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Metrics aggregates stored entries matching the filter. Computed by
// streaming over the store, never cached. Without an operation filter the
// execution figures count whole-workflow entries only, so per-step attempts
// never inflate the totals; with a filter they cover that operation.
func (s *Store) Metrics(ctx context.Context, filter QueryFilter) (MetricsSnapshot, error) {
	where := " WHERE 1=1"
	var args []interface{}

	if !filter.StartDate.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.EndDate)
	}
	if filter.OperationType != "" {
		where += " AND operation_type = ?"
		args = append(args, filter.OperationType)
	}

	executionOp := filter.OperationType
	if executionOp == "" {
		executionOp = OpWorkflow
	}

	var snapshot MetricsSnapshot
	var successes int64
	var avg sql.NullFloat64

	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN operation_type = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN operation_type = ? AND outcome = ? THEN 1 ELSE 0 END), 0),
		       AVG(CASE WHEN operation_type = ? THEN duration_ms END),
		       COALESCE(SUM(CASE WHEN operation_type = ? THEN 1 ELSE 0 END), 0)
		FROM audit_entries`+where,
		append([]interface{}{executionOp, executionOp, OutcomeSuccess, executionOp, OpBranchCreate}, args...)...,
	)
	if err := row.Scan(&snapshot.TotalExecutions, &successes, &avg, &snapshot.BranchCreationCount); err != nil {
		return MetricsSnapshot{}, err
	}

	if snapshot.TotalExecutions > 0 {
		snapshot.SuccessRate = float64(successes) / float64(snapshot.TotalExecutions)
	}
	if avg.Valid {
		snapshot.AverageDurationMS = avg.Float64
	}
	return snapshot, nil
}

// SaveRecord upserts the execution record and appends the status transition
// to its history.
func (s *Store) SaveRecord(ctx context.Context, record ExecutionRecord, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_records (id, task_id, project_path, branch_name, base_branch, merge_target, status, attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			branch_name = excluded.branch_name,
			base_branch = excluded.base_branch,
			merge_target = excluded.merge_target,
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.TaskID,
		record.ProjectPath,
		record.BranchName,
		record.BaseBranch,
		record.MergeTarget,
		record.Status,
		record.Attempts,
		record.Error,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_history (workflow_id, status, detail, transitioned_at)
		VALUES (?, ?, ?, ?)
	`, record.ID, record.Status, detail, record.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetRecord returns the execution record for the given workflow ID.
func (s *Store) GetRecord(ctx context.Context, workflowID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, project_path, branch_name, base_branch, merge_target, status, attempts, error, created_at, updated_at
		FROM workflow_records WHERE id = ?
	`, workflowID)

	var r ExecutionRecord
	err := row.Scan(&r.ID, &r.TaskID, &r.ProjectPath, &r.BranchName, &r.BaseBranch, &r.MergeTarget, &r.Status, &r.Attempts, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetHistory returns the status transitions for one workflow, oldest first.
func (s *Store) GetHistory(ctx context.Context, workflowID string) ([]StatusTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, status, detail, transitioned_at
		FROM workflow_history WHERE workflow_id = ? ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []StatusTransition
	for rows.Next() {
		var t StatusTransition
		if err := rows.Scan(&t.WorkflowID, &t.Status, &t.Detail, &t.TransitionedAt); err != nil {
			return nil, err
		}
		history = append(history, t)
	}
	return history, rows.Err()
}
