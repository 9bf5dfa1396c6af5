package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/reelflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/reelflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serializes writers, so AcquireRun's conditional UPDATE
	// is the only arbiter of who owns a run.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

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

// --- Workflow state ---

const stateColumns = `owner_id, workflow_id, is_active, is_running, cancelled, last_execution_time,
	next_execution_time, last_job_id, execution_count, execution_phase, execution_progress,
	last_error, last_output_path, updated_at`

func (s *LibSQLStore) GetState(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error) {
	if err := s.ensureState(ctx, ownerID, workflowID); err != nil {
		return nil, err
	}
	return s.readState(ctx, ownerID, workflowID)
}

func (s *LibSQLStore) UpdateState(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (*schema.WorkflowState, error) {
	if err := s.ensureState(ctx, ownerID, workflowID); err != nil {
		return nil, err
	}
	sets, args := patchSets(patch)
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
		args = append(args, ownerID, workflowID)
		query := "UPDATE workflow_states SET " + strings.Join(sets, ", ") + " WHERE owner_id = ? AND workflow_id = ?"
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, storeErr("update state", err)
		}
	}
	return s.readState(ctx, ownerID, workflowID)
}

func (s *LibSQLStore) AcquireRun(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (bool, error) {
	if err := s.ensureState(ctx, ownerID, workflowID); err != nil {
		return false, err
	}
	patch.IsRunning = nil
	sets, args := patchSets(patch)
	sets = append([]string{"is_running = 1"}, sets...)
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, ownerID, workflowID)

	query := "UPDATE workflow_states SET " + strings.Join(sets, ", ") +
		" WHERE owner_id = ? AND workflow_id = ? AND is_running = 0"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storeErr("acquire run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("acquire run", err)
	}
	return n == 1, nil
}

func (s *LibSQLStore) ListStates(ctx context.Context, filter schema.StateFilter) ([]*schema.WorkflowState, error) {
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.Running != nil {
		where = append(where, "is_running = ?")
		args = append(args, boolInt(*filter.Running))
	}

	query := "SELECT " + stateColumns + " FROM workflow_states"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY owner_id, workflow_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list states", err)
	}
	defer rows.Close()

	var states []*schema.WorkflowState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, storeErr("scan state", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) ensureState(ctx context.Context, ownerID, workflowID string) error {
	if ownerID == "" || workflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "owner id and workflow id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (owner_id, workflow_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id, workflow_id) DO NOTHING`,
		ownerID, workflowID, time.Now().UTC(),
	)
	if err != nil {
		return storeErr("create state", err)
	}
	return nil
}

func (s *LibSQLStore) readState(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM workflow_states WHERE owner_id = ? AND workflow_id = ?",
		ownerID, workflowID,
	)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow state", ownerID+"/"+workflowID)
	}
	if err != nil {
		return nil, storeErr("read state", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(r rowScanner) (*schema.WorkflowState, error) {
	st := &schema.WorkflowState{}
	var (
		active, running, cancelled int64
		lastExec, nextExec         sql.NullTime
		jobID, phase               sql.NullString
		lastErr, outPath           sql.NullString
	)
	if err := r.Scan(&st.OwnerID, &st.WorkflowID, &active, &running, &cancelled, &lastExec,
		&nextExec, &jobID, &st.ExecutionCount, &phase, &st.ExecutionProgress,
		&lastErr, &outPath, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.IsActive = active != 0
	st.IsRunning = running != 0
	st.Cancelled = cancelled != 0
	if lastExec.Valid {
		t := lastExec.Time.UTC()
		st.LastExecutionTime = &t
	}
	if nextExec.Valid {
		t := nextExec.Time.UTC()
		st.NextExecutionTime = &t
	}
	st.LastJobID = jobID.String
	st.ExecutionPhase = schema.ExecutionPhase(phase.String)
	st.LastError = lastErr.String
	st.LastOutputPath = outPath.String
	return st, nil
}

// patchSets renders the non-nil fields of patch as SET clauses.
func patchSets(p schema.StatePatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.IsActive != nil {
		add("is_active", boolInt(*p.IsActive))
	}
	if p.IsRunning != nil {
		add("is_running", boolInt(*p.IsRunning))
	}
	if p.Cancelled != nil {
		add("cancelled", boolInt(*p.Cancelled))
	}
	if p.LastExecutionTime != nil {
		add("last_execution_time", p.LastExecutionTime.UTC())
	}
	switch {
	case p.ClearNextExecutionTime:
		add("next_execution_time", nil)
	case p.NextExecutionTime != nil:
		add("next_execution_time", p.NextExecutionTime.UTC())
	}
	if p.LastJobID != nil {
		add("last_job_id", nullStr(*p.LastJobID))
	}
	if p.IncrementExecutionCount {
		sets = append(sets, "execution_count = execution_count + 1")
	}
	if p.ExecutionPhase != nil {
		add("execution_phase", nullStr(string(*p.ExecutionPhase)))
	}
	if p.ExecutionProgress != nil {
		add("execution_progress", clampProgress(*p.ExecutionProgress))
	}
	if p.LastError != nil {
		add("last_error", nullStr(*p.LastError))
	}
	if p.LastOutputPath != nil {
		add("last_output_path", nullStr(*p.LastOutputPath))
	}
	return sets, args
}

// --- Definitions ---

const upsertDefinitionSQL = `INSERT INTO workflow_definitions (owner_id, id, name, definition, updated_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertDefinition(ctx context.Context, db execer, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := db.ExecContext(ctx, upsertDefinitionSQL,
		def.OwnerID, def.ID, def.Name, string(raw), timeOrNow(def.UpdatedAt),
	); err != nil {
		return storeErr("save definition", err)
	}
	return nil
}

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return upsertDefinition(ctx, s.db, def)
}

// ReplaceDefinitions makes defs the owner's whole durable set in one
// transaction: each is upserted and every other definition of the owner is
// deleted. It returns how many were deleted.
func (s *LibSQLStore) ReplaceDefinitions(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin replace definitions", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{ownerID}
	marks := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.OwnerID != ownerID {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "definition %q belongs to owner %q", d.ID, d.OwnerID)
		}
		if err := upsertDefinition(ctx, tx, d); err != nil {
			return 0, err
		}
		marks = append(marks, "?")
		args = append(args, d.ID)
	}

	query := `DELETE FROM workflow_definitions WHERE owner_id = ?`
	if len(marks) > 0 {
		query += ` AND id NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr("delete dropped definitions", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit replace definitions", err)
	}
	return int(removed), nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, ownerID, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE owner_id = ? AND id = ?`, ownerID, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, storeErr("get definition", err)
	}
	return decodeDefinition(raw)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, ownerID string) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflow_definitions WHERE owner_id = ? ORDER BY id`, ownerID,
	)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan definition", err)
		}
		def, err := decodeDefinition(raw)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func decodeDefinition(raw string) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

// --- Prompt history ---

// AppendHistory inserts entry and trims the workflow's history to the newest keep rows.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *schema.PromptHistoryEntry, keep int) error {
	prompts, err := json.Marshal(entry.Prompts)
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	var embedding any
	if len(entry.Embedding) > 0 {
		b, err := json.Marshal(entry.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append history", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_history (workflow_id, created_at, concept, prompts, summary, embedding)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, timeOrNow(entry.Timestamp), entry.Concept, string(prompts),
		nullStr(entry.Summary), embedding,
	)
	if err != nil {
		return storeErr("append history", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM prompt_history WHERE workflow_id = ? AND id NOT IN (
				SELECT id FROM prompt_history WHERE workflow_id = ? ORDER BY id DESC LIMIT ?
			)`,
			entry.WorkflowID, entry.WorkflowID, keep,
		)
		if err != nil {
			return storeErr("trim history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit append history", err)
	}
	return nil
}

func (s *LibSQLStore) ListHistory(ctx context.Context, workflowID string, limit int) ([]*schema.PromptHistoryEntry, error) {
	query := `SELECT id, workflow_id, created_at, concept, prompts, summary, embedding
		FROM prompt_history WHERE workflow_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var entries []*schema.PromptHistoryEntry
	for rows.Next() {
		e := &schema.PromptHistoryEntry{}
		var (
			prompts            string
			summary, embedding sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Timestamp, &e.Concept, &prompts, &summary, &embedding); err != nil {
			return nil, storeErr("scan history", err)
		}
		if err := json.Unmarshal([]byte(prompts), &e.Prompts); err != nil {
			return nil, fmt.Errorf("unmarshal prompts: %w", err)
		}
		e.Summary = summary.String
		if embedding.Valid && embedding.String != "" {
			// A corrupt vector degrades to "no embedding" rather than hiding the entry.
			_ = json.Unmarshal([]byte(embedding.String), &e.Embedding)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) ClearHistory(ctx context.Context, workflowID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompt_history WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, storeErr("clear history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("clear history", err)
	}
	return int(n), nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ReelflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.ReelflowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
