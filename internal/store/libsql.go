package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/eventflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, name, description, event_name, enabled, active, draft, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), wf.EventName,
		wf.Enabled, wf.Active, wf.Draft, toMillis(wf.CreatedAt), toMillis(wf.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	if update.Draft != nil {
		sets = append(sets, "draft = ?")
		args = append(args, *update.Draft)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(time.Now().UTC()), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.EventName != "" {
		where = append(where, "event_name = ?")
		args = append(args, filter.EventName)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1 AND enabled = 1")
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	var created, updated int64
	if err := sc.Scan(&wf.ID, &wf.Name, &desc, &wf.EventName, &wf.Enabled, &wf.Active, &wf.Draft, &created, &updated); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.CreatedAt = fromMillis(created)
	wf.UpdatedAt = fromMillis(updated)
	return wf, nil
}

// --- Steps ---

func (s *LibSQLStore) ReplaceSteps(ctx context.Context, workflowID string, steps []*StepDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, workflowID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return storeNotFound("workflow", workflowID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for _, st := range steps {
		st.WorkflowID = workflowID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, workflow_id, class, type, name, config, position) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, workflowID, st.Class, string(st.Type), nullStr(st.Name), nullRaw(st.Config), st.Position,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step id or position %d in workflow %q", st.Position, workflowID).WithCause(err)
			}
			return fmt.Errorf("insert step %d: %w", st.Position, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string) ([]*StepDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, class, type, name, config, position FROM steps WHERE workflow_id = ? ORDER BY position`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepDefinition
	for rows.Next() {
		st := &StepDefinition{}
		var stepType string
		var name, config sql.NullString
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Class, &stepType, &name, &config, &st.Position); err != nil {
			return nil, err
		}
		st.Type = schema.StepType(stepType)
		st.Name = name.String
		st.Config = rawOrNil(config)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) CreateEvent(ctx context.Context, ev *schema.EventRecord) error {
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, event_name, data, logextra, origin, context_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventName, nullRaw(ev.Data), nullRaw(ev.LogExtra), nullStr(ev.Origin), ev.ContextID, toMillis(ev.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "event %q already exists", ev.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*schema.EventRecord, error) {
	ev := &schema.EventRecord{}
	var data, extra, origin sql.NullString
	var contextID sql.NullInt64
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_name, data, logextra, origin, context_id, created_at FROM events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.EventName, &data, &extra, &origin, &contextID, &created)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("event", id)
	}
	if err != nil {
		return nil, err
	}
	ev.Data = rawOrNil(data)
	ev.LogExtra = rawOrNil(extra)
	ev.Origin = origin.String
	ev.ContextID = contextID.Int64
	ev.CreatedAt = fromMillis(created)
	return ev, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, event_id, status, attempts, last_completed_step, results, last_error,
	draft, claimed_by, claimed_at, next_run_at, finished_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := time.Now().UTC()
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	results, err := marshalMapOrNil(exec.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.EventID, string(exec.Status), exec.Attempts, exec.LastCompletedStep,
		results, nullRaw(exec.LastError), exec.Draft, nullStr(exec.ClaimedBy),
		nullMillis(exec.ClaimedAt), nullMillis(exec.NextRunAt), nullMillis(exec.FinishedAt),
		toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return getExecution(ctx, s.db, id)
}

func getExecution(ctx context.Context, q querier, id string) (*Execution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.ClaimedBefore != nil {
		where = append(where, "claimed_at IS NOT NULL AND claimed_at < ?")
		args = append(args, toMillis(*filter.ClaimedBefore))
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastCompletedStep != nil {
		sets = append(sets, "last_completed_step = ?")
		args = append(args, *update.LastCompletedStep)
	}
	if update.Results != nil {
		results, err := json.Marshal(update.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results = ?")
		args = append(args, string(results))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullRaw(update.LastError))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, toMillis(*update.NextRunAt))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, toMillis(*update.FinishedAt))
	}
	if update.ReleaseClaim {
		sets = append(sets, "claimed_by = NULL", "claimed_at = NULL")
	} else if update.ClaimedAt != nil {
		sets = append(sets, "claimed_at = ?")
		args = append(args, toMillis(*update.ClaimedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(time.Now().UTC()))

	where := []string{"id = ?"}
	args = append(args, id)
	if update.ExpectStatus != nil {
		where = append(where, "status = ?")
		args = append(args, string(*update.ExpectStatus))
	}
	if update.ExpectClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, update.ExpectClaimedBy)
	}
	if update.ExpectClaimedBefore != nil {
		where = append(where, "claimed_at IS NOT NULL AND claimed_at < ?")
		args = append(args, toMillis(*update.ExpectClaimedBefore))
	}

	query := fmt.Sprintf("UPDATE executions SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return updateConflict(id)
	}
	return nil
}

func (s *LibSQLStore) ClaimExecution(ctx context.Context, id, workerID string, now time.Time) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	claim, err := claimInTx(ctx, tx, id, workerID, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claim, nil
}

func (s *LibSQLStore) ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM executions
		 WHERE status IN (?, ?) AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY created_at, id LIMIT ?`,
		string(schema.ExecutionStatusPending), string(schema.ExecutionStatusRetryScheduled), toMillis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claims []*Claim
	for _, id := range ids {
		claim, err := claimInTx(ctx, tx, id, workerID, now)
		if schema.HasCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claims: %w", err)
	}
	return claims, nil
}

// claimInTx reads the current status and flips it to running only if the row
// still carries that status. RowsAffected is the arbiter between racing claimers.
func claimInTx(ctx context.Context, tx *sql.Tx, id, workerID string, now time.Time) (*Claim, error) {
	var status string
	var nextRun sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT status, next_run_at FROM executions WHERE id = ?`, id).Scan(&status, &nextRun)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	from := schema.ExecutionStatus(status)
	if !from.Claimable() || (nextRun.Valid && nextRun.Int64 > toMillis(now)) {
		return nil, claimConflict(id, from)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.ExecutionStatusRunning), workerID, toMillis(now), toMillis(now), id, status,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, claimConflict(id, from)
	}

	exec, err := getExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return &Claim{Execution: exec, From: from}, nil
}

func (s *LibSQLStore) PurgeExecutions(ctx context.Context, finishedBefore time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := toMillis(finishedBefore)
	terminal := []any{string(schema.ExecutionStatusCompleted), string(schema.ExecutionStatusFailed), cutoff}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM execution_history WHERE execution_id IN (
		   SELECT id FROM executions WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?)`,
		terminal...,
	); err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM executions WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		terminal...,
	)
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ? AND id NOT IN (SELECT event_id FROM executions)`, cutoff,
	); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return n, tx.Commit()
}

func scanExecution(sc scanner) (*Execution, error) {
	e := &Execution{}
	var (
		status                         string
		results, lastError, claimedBy  sql.NullString
		claimedAt, nextRunAt, finished sql.NullInt64
		created, updated               int64
	)
	if err := sc.Scan(&e.ID, &e.WorkflowID, &e.EventID, &status, &e.Attempts, &e.LastCompletedStep,
		&results, &lastError, &e.Draft, &claimedBy, &claimedAt, &nextRunAt, &finished, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	if results.Valid && results.String != "" {
		if err := decodeResults(results.String, &e.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	e.LastError = rawOrNil(lastError)
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = millisPtr(claimedAt)
	e.NextRunAt = millisPtr(nextRunAt)
	e.FinishedAt = millisPtr(finished)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// --- Field learning ---

func (s *LibSQLStore) LearnFields(ctx context.Context, eventName string, fieldTypes map[string]string) error {
	if len(fieldTypes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(time.Now().UTC())
	names := make([]string, 0, len(fieldTypes))
	for name := range fieldTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO learned_fields (event_name, field, field_type, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(event_name, field) DO UPDATE SET field_type=excluded.field_type, updated_at=excluded.updated_at`,
			eventName, name, fieldTypes[name], now,
		); err != nil {
			return fmt.Errorf("learn field %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListLearnedFields(ctx context.Context, eventName string) ([]*LearnedField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_name, field, field_type, updated_at FROM learned_fields WHERE event_name = ? ORDER BY field`,
		eventName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LearnedField
	for rows.Next() {
		lf := &LearnedField{}
		var updated int64
		if err := rows.Scan(&lf.EventName, &lf.Field, &lf.Type, &updated); err != nil {
			return nil, err
		}
		lf.UpdatedAt = fromMillis(updated)
		out = append(out, lf)
	}
	return out, rows.Err()
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// decodeResults keeps integer results as json.Number so they round-trip as integers.
func decodeResults(raw string, out *map[string]any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
