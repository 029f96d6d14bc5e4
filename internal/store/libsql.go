package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcore/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). The run
// snapshot is stored as JSON next to the indexed columns used for queries.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowcore.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// Single writer: sequence allocation and version checks share one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
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

// --- Runs ---

func (s *LibSQLStore) Create(ctx context.Context, run *schema.WorkflowRun, events []*schema.ExecutionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal("begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists)
	if err != nil {
		return internal("check run", err)
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}

	run.Version = 1
	stamp(run, events, 1, run.Version)
	snapshot, err := json.Marshal(run)
	if err != nil {
		return internal("marshal run", err)
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, definition_id, status, parent_run_id, version, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.DefinitionID, string(run.Status), nullStr(parentRunID(run)),
		run.Version, string(snapshot), timeOrNow(run.CreatedAt), now,
	)
	if err != nil {
		return internal("insert run", err)
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal("commit run", err)
	}
	return nil
}

func (s *LibSQLStore) Update(ctx context.Context, m Mutation) error {
	run := m.Run
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal("begin tx", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM runs WHERE id = ?`, run.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return runNotFound(run.ID)
	}
	if err != nil {
		return internal("read version", err)
	}
	if current != m.ExpectedVersion {
		return versionConflict(run.ID, m.ExpectedVersion, current)
	}

	for _, k := range m.Processed {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processed_results WHERE run_id = ? AND node_id = ? AND attempt = ?`,
			k.RunID, k.NodeID, k.Attempt,
		).Scan(&n)
		if err != nil {
			return internal("check processed result", err)
		}
		if n > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "result for %s/%s attempt %d already applied", k.RunID, k.NodeID, k.Attempt)
		}
	}

	now := time.Now().UTC()
	for _, id := range m.Consumed {
		if err := consumeCallback(ctx, tx, id, now); err != nil {
			return err
		}
	}

	var nextSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, run.ID,
	).Scan(&nextSeq)
	if err != nil {
		return internal("next sequence", err)
	}

	version := m.ExpectedVersion + 1
	prevVersion := run.Version
	run.Version = version
	snapshot, err := json.Marshal(run)
	if err != nil {
		run.Version = prevVersion
		return internal("marshal run", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, version = ?, snapshot = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(run.Status), version, string(snapshot), now, run.ID, m.ExpectedVersion,
	)
	if err != nil {
		run.Version = prevVersion
		return internal("update run", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		run.Version = prevVersion
		return versionConflict(run.ID, m.ExpectedVersion, -1)
	}

	stamp(run, m.Events, nextSeq, version)
	if err := insertEvents(ctx, tx, m.Events); err != nil {
		run.Version = prevVersion
		return err
	}
	for _, k := range m.Processed {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO processed_results (run_id, node_id, attempt, processed_at) VALUES (?, ?, ?, ?)`,
			k.RunID, k.NodeID, k.Attempt, now,
		)
		if err != nil {
			run.Version = prevVersion
			return internal("insert processed result", err)
		}
	}
	if err := tx.Commit(); err != nil {
		run.Version = prevVersion
		return internal("commit mutation", err)
	}
	return nil
}

func (s *LibSQLStore) FindByID(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = ?`, runID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(runID)
	}
	if err != nil {
		return nil, internal("get run", err)
	}
	return decodeRun(snapshot)
}

func (s *LibSQLStore) Snapshot(ctx context.Context, runID, tenantID string) (*schema.WorkflowRunSnapshot, error) {
	run, err := s.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && run.TenantID != tenantID {
		return nil, runNotFound(runID)
	}
	return schema.SnapshotOf(run), nil
}

func (s *LibSQLStore) Query(ctx context.Context, q RunQuery) ([]*schema.WorkflowRunSnapshot, error) {
	var where []string
	var args []any

	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, q.DefinitionID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.CreatedAfter != nil {
		where = append(where, "created_at > ?")
		args = append(args, *q.CreatedAfter)
	}

	query := "SELECT snapshot FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	switch {
	case q.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	case q.Offset > 0:
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internal("query runs", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowRunSnapshot
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, internal("scan run", err)
		}
		run, err := decodeRun(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, schema.SnapshotOf(run))
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal("begin tx", err)
	}
	defer tx.Rollback()

	var (
		tenantID string
		version  int64
		nextSeq  int64
	)
	err = tx.QueryRowContext(ctx, `SELECT tenant_id, version FROM runs WHERE id = ?`, event.RunID).Scan(&tenantID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return runNotFound(event.RunID)
	}
	if err != nil {
		return internal("read run", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&nextSeq)
	if err != nil {
		return internal("next sequence", err)
	}

	run := &schema.WorkflowRun{ID: event.RunID, TenantID: tenantID}
	stamp(run, []*schema.ExecutionEvent{event}, nextSeq, version)
	if err := insertEvents(ctx, tx, []*schema.ExecutionEvent{event}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal("commit event", err)
	}
	return nil
}

func (s *LibSQLStore) Events(ctx context.Context, runID string, since int64) ([]*schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tenant_id, type, node_id, attempt, payload, occurred_at, sequence, version
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, internal("query events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.ExecutionEvent, error) {
	var events []*schema.ExecutionEvent
	for rows.Next() {
		e := &schema.ExecutionEvent{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.Type, &nodeID, &e.Attempt, &payload,
			&e.OccurredAt, &e.Sequence, &e.Version); err != nil {
			return nil, internal("scan event", err)
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*schema.ExecutionEvent) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (id, run_id, tenant_id, type, node_id, attempt, payload, occurred_at, sequence, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, e.TenantID, e.Type, nullStr(e.NodeID), e.Attempt, nullRaw(e.Payload),
			e.OccurredAt, e.Sequence, e.Version,
		)
		if err != nil {
			return internal("insert event", err)
		}
	}
	return nil
}

func (s *LibSQLStore) IsNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_results WHERE run_id = ? AND node_id = ? AND attempt = ?`,
		runID, nodeID, attempt,
	).Scan(&n)
	if err != nil {
		return false, internal("check processed result", err)
	}
	return n > 0, nil
}

// --- Callbacks ---

func (s *LibSQLStore) SaveCallback(ctx context.Context, reg *schema.CallbackRegistration) error {
	reg.CreatedAt = timeOrNow(reg.CreatedAt)
	var expires any
	if !reg.ExpiresAt.IsZero() {
		expires = reg.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callbacks (id, run_id, tenant_id, node_id, kind, callback_url, signal_type, expires_at, fire_at, consumed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET expires_at=excluded.expires_at, fire_at=excluded.fire_at,
		   callback_url=excluded.callback_url, signal_type=excluded.signal_type`,
		reg.ID, reg.RunID, reg.TenantID, reg.NodeID, string(reg.Kind), nullStr(reg.CallbackURL),
		nullStr(string(reg.SignalType)), expires, nullTime(reg.FireAt), nullTime(reg.ConsumedAt), reg.CreatedAt,
	)
	if err != nil {
		return internal("save callback", err)
	}
	return nil
}

const callbackColumns = `id, run_id, tenant_id, node_id, kind, callback_url, signal_type, expires_at, fire_at, consumed_at, created_at`

func (s *LibSQLStore) GetCallback(ctx context.Context, id string) (*schema.CallbackRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callbackColumns+` FROM callbacks WHERE id = ?`, id)
	if err != nil {
		return nil, internal("get callback", err)
	}
	defer rows.Close()
	regs, err := scanCallbacks(rows)
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		return nil, callbackNotFound(id)
	}
	return regs[0], nil
}

func (s *LibSQLStore) ConsumeCallback(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal("begin tx", err)
	}
	defer tx.Rollback()
	if err := consumeCallback(ctx, tx, id, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal("commit callback", err)
	}
	return nil
}

func consumeCallback(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE callbacks SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, now, id,
	)
	if err != nil {
		return internal("consume callback", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internal("consume callback", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM callbacks WHERE id = ?`, id).Scan(&exists); err != nil {
		return internal("check callback", err)
	}
	if exists == 0 {
		return callbackNotFound(id)
	}
	return callbackConsumed(id)
}

func (s *LibSQLStore) ListCallbacks(ctx context.Context, q CallbackQuery) ([]*schema.CallbackRegistration, error) {
	var where []string
	var args []any

	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, q.NodeID)
	}
	if q.Unconsumed {
		where = append(where, "consumed_at IS NULL")
	}
	if q.DueBefore != nil {
		where = append(where, "fire_at IS NOT NULL AND fire_at <= ?")
		args = append(args, *q.DueBefore)
	}
	if q.ExpiredBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, *q.ExpiredBefore)
	}

	query := `SELECT ` + callbackColumns + ` FROM callbacks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internal("list callbacks", err)
	}
	defer rows.Close()
	return scanCallbacks(rows)
}

func scanCallbacks(rows *sql.Rows) ([]*schema.CallbackRegistration, error) {
	var out []*schema.CallbackRegistration
	for rows.Next() {
		c := &schema.CallbackRegistration{}
		var (
			kind                        string
			url, signalType             sql.NullString
			expiresAt, fireAt, consumed sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.TenantID, &c.NodeID, &kind, &url, &signalType,
			&expiresAt, &fireAt, &consumed, &c.CreatedAt); err != nil {
			return nil, internal("scan callback", err)
		}
		c.Kind = schema.CallbackKind(kind)
		c.CallbackURL = url.String
		c.SignalType = schema.SignalType(signalType.String)
		if expiresAt.Valid {
			c.ExpiresAt = expiresAt.Time
		}
		if fireAt.Valid {
			c.FireAt = &fireAt.Time
		}
		if consumed.Valid {
			c.ConsumedAt = &consumed.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Helpers ---

func decodeRun(snapshot string) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	if err := json.Unmarshal([]byte(snapshot), run); err != nil {
		return nil, internal("unmarshal run", err)
	}
	return run, nil
}

func parentRunID(run *schema.WorkflowRun) string {
	if run.Parent == nil {
		return ""
	}
	return run.Parent.RunID
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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
