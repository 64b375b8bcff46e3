package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		title           TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		priority        INTEGER NOT NULL,
		agent_id        TEXT,
		parent_id       TEXT,
		input           TEXT,
		output          TEXT,
		error_message   TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 0,
		confidence      REAL,
		requires_review INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL,
		started_at      DATETIME,
		completed_at    DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);

	CREATE TABLE IF NOT EXISTS events (
		id        TEXT PRIMARY KEY,
		task_id   TEXT NOT NULL,
		agent_id  TEXT,
		type      TEXT NOT NULL,
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

	CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	);
`

// SQLiteStore persists tasks, events, and agents in a single SQLite database.
// It implements TaskRepository, EventLog, and AgentDirectory; task state and
// its lifecycle event are written in one transaction.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &SQLiteStore{logger: logger, db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements TaskRepository.Get
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, agent_id, parent_id,
			input, output, error_message, retry_count, max_retries,
			confidence, requires_review, created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// Create implements TaskRepository.Create
func (s *SQLiteStore) Create(ctx context.Context, task *model.Task, ev *model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, status, priority, agent_id, parent_id,
			input, output, error_message, retry_count, max_retries,
			confidence, requires_review, created_at, started_at, completed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Title, task.Description, string(task.Status), int(task.Priority),
		nullString(task.AgentID), nullString(task.ParentID),
		nullRaw(task.Input), nullRaw(task.Output), nullString(task.ErrorMessage),
		task.Retry.Count, task.Retry.Max,
		nullFloat(task.Confidence), task.RequiresReview,
		task.CreatedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Update implements TaskRepository.Update
func (s *SQLiteStore) Update(ctx context.Context, task *model.Task, ev *model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?,
			agent_id = ?, parent_id = ?, input = ?, output = ?,
			error_message = ?, retry_count = ?, max_retries = ?,
			confidence = ?, requires_review = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		task.Title, task.Description, string(task.Status), int(task.Priority),
		nullString(task.AgentID), nullString(task.ParentID),
		nullRaw(task.Input), nullRaw(task.Output), nullString(task.ErrorMessage),
		task.Retry.Count, task.Retry.Max,
		nullFloat(task.Confidence), task.RequiresReview,
		nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s not found", task.ID)
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete implements TaskRepository.Delete
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// List implements TaskRepository.List
func (s *SQLiteStore) List(ctx context.Context, filters TaskFilters) ([]*model.Task, error) {
	query := `
		SELECT id, title, description, status, priority, agent_id, parent_id,
			input, output, error_message, retry_count, max_retries,
			confidence, requires_review, created_at, started_at, completed_at
		FROM tasks`
	var clauses []string
	var args []interface{}

	if len(filters.Status) > 0 {
		placeholders := make([]string, len(filters.Status))
		for i, status := range filters.Status {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filters.Priority) > 0 {
		placeholders := make([]string, len(filters.Priority))
		for i, priority := range filters.Priority {
			placeholders[i] = "?"
			args = append(args, int(priority))
		}
		clauses = append(clauses, fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ",")))
	}
	if filters.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filters.AgentID)
	}
	if filters.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, filters.ParentID)
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListChildren implements TaskRepository.ListChildren
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]*model.Task, error) {
	return s.List(ctx, TaskFilters{ParentID: parentID})
}

// CountNonTerminalChildren implements TaskRepository.CountNonTerminalChildren
func (s *SQLiteStore) CountNonTerminalChildren(ctx context.Context, parentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE parent_id = ? AND status NOT IN (?, ?)`,
		parentID, string(model.TaskStatusCompleted), string(model.TaskStatusCancelled),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// CountByStatus implements TaskRepository.CountByStatus
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[model.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// CountByPriority implements TaskRepository.CountByPriority
func (s *SQLiteStore) CountByPriority(ctx context.Context) (map[model.TaskPriority]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT priority, COUNT(*) FROM tasks GROUP BY priority")
	if err != nil {
		return nil, fmt.Errorf("failed to count by priority: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskPriority]int)
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan priority count: %w", err)
		}
		counts[model.TaskPriority(priority)] = count
	}
	return counts, rows.Err()
}

// Append implements EventLog.Append
func (s *SQLiteStore) Append(ctx context.Context, ev *model.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, task_id, agent_id, type, level, message, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.TaskID, nullString(ev.AgentID),
		string(ev.Type), string(ev.Level), ev.Message, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// QueryByTask implements EventLog.QueryByTask
func (s *SQLiteStore) QueryByTask(ctx context.Context, taskID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, type, level, message, timestamp
		FROM events WHERE task_id = ?
		ORDER BY timestamp ASC, rowid ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev := &model.Event{}
		var agentID sql.NullString
		var typ, level string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &agentID, &typ, &level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.AgentID = agentID.String
		ev.Type = model.EventType(typ)
		ev.Level = model.EventLevel(level)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore implements EventLog.PruneBefore
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Info("Pruned old events",
			zap.Time("before", cutoff),
			zap.Int64("deleted", affected))
	}
	return affected, nil
}

// Exists implements AgentDirectory.Exists
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check agent: %w", err)
	}
	return count > 0, nil
}

// GetSummary implements AgentDirectory.GetSummary
func (s *SQLiteStore) GetSummary(ctx context.Context, id string) (*model.AgentSummary, error) {
	var summary model.AgentSummary
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, status FROM agents WHERE id = ?", id,
	).Scan(&summary.ID, &summary.Name, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	summary.Status = model.AgentStatus(status)
	return &summary, nil
}

// PutAgent inserts or replaces an agent record.
func (s *SQLiteStore) PutAgent(ctx context.Context, agent *model.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agents (id, name, description, status, created_at)
		VALUES (?,?,?,?,?)`,
		agent.ID, agent.Name, agent.Description, string(agent.Status), agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store agent: %w", err)
	}
	return nil
}

// ListAgents retrieves all registered agents.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, status, created_at FROM agents ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent := &model.Agent{}
		var status string
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Description, &status, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent.Status = model.AgentStatus(status)
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *model.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, task_id, agent_id, type, level, message, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.TaskID, nullString(ev.AgentID),
		string(ev.Type), string(ev.Level), ev.Message, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var status string
	var priority int
	var agentID, parentID, input, output, errorMessage sql.NullString
	var confidence sql.NullFloat64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &status, &priority,
		&agentID, &parentID, &input, &output, &errorMessage,
		&task.Retry.Count, &task.Retry.Max,
		&confidence, &task.RequiresReview,
		&task.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	task.Priority = model.TaskPriority(priority)
	task.AgentID = agentID.String
	task.ParentID = parentID.String
	if input.Valid && input.String != "" {
		task.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		task.Output = json.RawMessage(output.String)
	}
	task.ErrorMessage = errorMessage.String
	if confidence.Valid {
		v := confidence.Float64
		task.Confidence = &v
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
