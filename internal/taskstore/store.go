package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an issue or execution does not exist
	ErrNotFound = errors.New("not found")
	// ErrExecutionTerminal is returned when writing to a finished execution
	ErrExecutionTerminal = errors.New("execution already finished")
)

// RecentExecutionLimit is how much history GetIssue attaches to an issue
const RecentExecutionLimit = 5

// Store provides SQLite-backed persistence for issues and executions
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer. One connection serializes access and keeps
	// ":memory:" databases from splitting into one database per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateIssue inserts a new issue, generating an ID if none is set
func (s *Store) CreateIssue(ctx context.Context, issue *domain.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.Status == "" {
		issue.Status = domain.IssueTodo
	}
	now := time.Now()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, status, domain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		issue.ID,
		issue.Title,
		nullString(issue.Description),
		string(issue.Status),
		nullString(issue.DomainTag()),
		dbTime(issue.CreatedAt),
		dbTime(issue.UpdatedAt),
	)
	return err
}

// GetIssue retrieves an issue by ID together with its most recent executions
func (s *Store) GetIssue(ctx context.Context, id string) (*domain.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, domain, created_at, updated_at
		FROM issues WHERE id = ?
	`, id)

	issue, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	issue.Executions, err = s.ListExecutions(ctx, ExecutionFilter{IssueID: id, Limit: RecentExecutionLimit})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// ListOptions specifies filters for listing issues
type ListOptions struct {
	Status domain.IssueStatus
	Domain string
}

// ListIssues returns issues matching the given options, newest first
func (s *Store) ListIssues(ctx context.Context, opts ListOptions) ([]*domain.Issue, error) {
	query := `SELECT id, title, description, status, domain, created_at, updated_at FROM issues WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Domain != "" {
		query += " AND domain = ?"
		args = append(args, opts.Domain)
	}

	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []*domain.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}

	return issues, rows.Err()
}

// SetIssueStatus updates an issue's status
func (s *Store) SetIssueStatus(ctx context.Context, id string, status domain.IssueStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE issues SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), dbTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectRow(res, "issue", id)
}

// DeleteIssue removes an issue and, through the foreign key, its executions
func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "issue", id)
}

// CreateExecution inserts a RUNNING execution record.
// ID, StartedAt and Provider are filled in when empty.
func (s *Store) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	if exec.Provider == "" {
		exec.Provider = domain.DefaultProvider
	}
	exec.Status = domain.ExecRunning
	exec.CompletedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, issue_id, status, llm_provider, command, llm_response, error, attempt, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.IssueID,
		string(exec.Status),
		exec.Provider,
		exec.Command,
		exec.Output,
		exec.Error,
		exec.Attempt,
		dbTime(exec.StartedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("issue %s: %w", exec.IssueID, ErrNotFound)
		}
		return err
	}
	return nil
}

// UpdateExecution applies a partial update to a RUNNING execution.
// Writes to an execution that already reached a terminal status are refused
// with ErrExecutionTerminal, which keeps the status monotonic.
func (s *Store) UpdateExecution(ctx context.Context, id string, patch domain.ExecutionPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	var sets []string
	var args []interface{}

	if patch.Output != nil {
		sets = append(sets, "llm_response = ?")
		args = append(args, *patch.Output)
	} else if patch.AppendOutput != "" {
		sets = append(sets, "llm_response = llm_response || ?")
		args = append(args, patch.AppendOutput)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	} else if patch.AppendError != "" {
		sets = append(sets, "error = error || ?")
		args = append(args, patch.AppendError)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, dbTime(*patch.CompletedAt))
	}

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(domain.ExecRunning))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the record is gone or it is already terminal
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("execution %s is %s: %w", id, status, ErrExecutionTerminal)
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, status, llm_provider, command, llm_response, error, attempt, started_at, completed_at
		FROM executions WHERE id = ?
	`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return exec, nil
}

// ExecutionFilter specifies filters for listing executions
type ExecutionFilter struct {
	IssueID       string
	Status        domain.ExecutionStatus
	StartedBefore time.Time
	Limit         int
}

// ListExecutions returns executions matching the filter, newest first
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*domain.Execution, error) {
	query := `SELECT id, issue_id, status, llm_provider, command, llm_response, error, attempt, started_at, completed_at
		FROM executions WHERE 1=1`
	var args []interface{}

	if f.IssueID != "" {
		query += " AND issue_id = ?"
		args = append(args, f.IssueID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.StartedBefore.IsZero() {
		query += " AND started_at < ?"
		args = append(args, dbTime(f.StartedBefore))
	}

	query += " ORDER BY started_at DESC, attempt DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// LatestExecution returns the newest execution of an issue, or nil if it has none
func (s *Store) LatestExecution(ctx context.Context, issueID string) (*domain.Execution, error) {
	execs, err := s.ListExecutions(ctx, ExecutionFilter{IssueID: issueID, Limit: 1})
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row scanner) (*domain.Issue, error) {
	var issue domain.Issue
	var status string
	var description, domainTag sql.NullString

	err := row.Scan(&issue.ID, &issue.Title, &description, &status, &domainTag, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}

	issue.Status = domain.IssueStatus(status)
	issue.Description = description.String
	issue.Domain = domainTag.String
	return &issue, nil
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var exec domain.Execution
	var status string
	var completedAt sql.NullTime

	err := row.Scan(&exec.ID, &exec.IssueID, &status, &exec.Provider, &exec.Command,
		&exec.Output, &exec.Error, &exec.Attempt, &exec.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	exec.Status = domain.ExecutionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// dbTime normalizes timestamps to UTC without a monotonic reading so the
// stored text sorts chronologically
func dbTime(t time.Time) time.Time {
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
