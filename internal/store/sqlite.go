package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilke-labs/gowe-engine/pkg/model"

	_ "modernc.org/sqlite"
)

// noShard is the shard_index column value for a non-scattered Call.
const noShard = -1

// SQLiteStore implements Store on top of modernc.org/sqlite, the pure-Go
// (CGO-free) driver the teacher standardizes on.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for an ephemeral database, useful in tests.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// An in-memory database only exists on the connection that created
		// it, so the pool must never hand out a second connection.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

// --- Workflow CRUD ---

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "id", wf.ID)

	inputsJSON, err := json.Marshal(wf.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	optionsJSON, err := json.Marshal(wf.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	labelsJSON, err := json.Marshal(wf.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, source_ref, content_hash, inputs, options, labels, imports_ref, root_output, status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID.String(), wf.SourceRef, wf.ContentHash,
		string(inputsJSON), string(optionsJSON), string(labelsJSON),
		wf.ImportsRef, wf.RootOutput, string(wf.Status),
		wf.CreatedAt.Format(time.RFC3339Nano), formatTimePtr(wf.StartedAt), formatTimePtr(wf.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) scanWorkflow(row interface {
	Scan(dest ...any) error
}) (*model.Workflow, error) {
	var wf model.Workflow
	var id, status, createdAt string
	var inputsJSON, optionsJSON, labelsJSON string
	var startedAt, completedAt *string

	if err := row.Scan(&id, &wf.SourceRef, &wf.ContentHash, &inputsJSON, &optionsJSON, &labelsJSON,
		&wf.ImportsRef, &wf.RootOutput, &status, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	parsedID, err := model.ParseWorkflowID(id)
	if err != nil {
		return nil, fmt.Errorf("parse workflow id: %w", err)
	}
	wf.ID = parsedID
	wf.Status = model.WorkflowStatus(status)

	if err := json.Unmarshal([]byte(inputsJSON), &wf.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	var opts model.Options
	if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	wf.Options = opts
	if err := json.Unmarshal([]byte(labelsJSON), &wf.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}

	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wf.StartedAt = parseTimePtr(startedAt)
	wf.CompletedAt = parseTimePtr(completedAt)
	return &wf, nil
}

const workflowColumns = `id, source_ref, content_hash, inputs, options, labels, imports_ref, root_output, status, created_at, started_at, completed_at`

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id model.WorkflowID) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id.String())
	wf, err := s.scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wf, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, limit, offset int) ([]*model.Workflow, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "workflows", "limit", limit, "offset", offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, wf)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) ListNonTerminalWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	s.logger.Debug("sql", "op", "list_non_terminal", "table", "workflows")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE status IN ('Submitted', 'Running') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "update", "table", "workflows", "id", wf.ID)

	inputsJSON, err := json.Marshal(wf.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	optionsJSON, err := json.Marshal(wf.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	labelsJSON, err := json.Marshal(wf.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET source_ref=?, content_hash=?, inputs=?, options=?, labels=?, imports_ref=?,
		 root_output=?, status=?, started_at=?, completed_at=? WHERE id=?`,
		wf.SourceRef, wf.ContentHash, string(inputsJSON), string(optionsJSON), string(labelsJSON),
		wf.ImportsRef, wf.RootOutput, string(wf.Status), formatTimePtr(wf.StartedAt), formatTimePtr(wf.CompletedAt),
		wf.ID.String(),
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workflow %s not found", wf.ID)
	}
	return nil
}

// --- Call CRUD ---

func shardColumn(key model.CallKey) int {
	if shard, ok := key.ShardIndex(); ok {
		return shard
	}
	return noShard
}

func shardPtr(shardIndex int) *int {
	if shardIndex == noShard {
		return nil
	}
	v := shardIndex
	return &v
}

const callColumns = `workflow_id, task_name, shard_index, attempt, status, runtime, inputs, execution_root, outputs, detritus, execution_info, fingerprint, cache_hit, return_code, failure_reason, created_at, started_at, completed_at`

func (s *SQLiteStore) UpsertCall(ctx context.Context, call *model.Call) error {
	s.logger.Debug("sql", "op", "upsert", "table", "calls", "key", call.Key)

	runtimeJSON, err := json.Marshal(call.Runtime)
	if err != nil {
		return fmt.Errorf("marshal runtime: %w", err)
	}
	inputsJSON, err := json.Marshal(call.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputsJSON, err := json.Marshal(call.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	detritusJSON, err := json.Marshal(call.Detritus)
	if err != nil {
		return fmt.Errorf("marshal detritus: %w", err)
	}
	execInfoJSON, err := json.Marshal(call.ExecutionInfo)
	if err != nil {
		return fmt.Errorf("marshal execution info: %w", err)
	}
	var fingerprint string
	if call.Fingerprint != nil {
		fingerprint = call.Fingerprint.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calls (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workflow_id, task_name, shard_index, attempt) DO UPDATE SET
		   status=excluded.status, runtime=excluded.runtime, inputs=excluded.inputs,
		   execution_root=excluded.execution_root, outputs=excluded.outputs, detritus=excluded.detritus,
		   execution_info=excluded.execution_info, fingerprint=excluded.fingerprint, cache_hit=excluded.cache_hit,
		   return_code=excluded.return_code, failure_reason=excluded.failure_reason,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		call.Key.WorkflowID.String(), call.Key.TaskName, shardColumn(call.Key), call.Key.Attempt,
		string(call.Status), string(runtimeJSON), string(inputsJSON), call.ExecutionRoot,
		string(outputsJSON), string(detritusJSON), string(execInfoJSON), fingerprint, call.CacheHit,
		call.ReturnCode, call.FailureReason,
		call.CreatedAt.Format(time.RFC3339Nano), formatTimePtr(call.StartedAt), formatTimePtr(call.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) scanCall(row interface {
	Scan(dest ...any) error
}) (*model.Call, error) {
	var call model.Call
	var workflowID, taskName, status, createdAt string
	var shardIndex, attempt int
	var runtimeJSON, inputsJSON, outputsJSON, detritusJSON, execInfoJSON, fingerprint string
	var cacheHit bool
	var returnCode *int
	var startedAt, completedAt *string

	if err := row.Scan(&workflowID, &taskName, &shardIndex, &attempt, &status, &runtimeJSON, &inputsJSON,
		&call.ExecutionRoot, &outputsJSON, &detritusJSON, &execInfoJSON, &fingerprint, &cacheHit, &returnCode,
		&call.FailureReason, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	wfID, err := model.ParseWorkflowID(workflowID)
	if err != nil {
		return nil, fmt.Errorf("parse workflow id: %w", err)
	}
	call.Key = model.CallKey{WorkflowID: wfID, TaskName: taskName, Shard: shardPtr(shardIndex), Attempt: attempt}
	call.Status = model.CallStatus(status)

	if err := json.Unmarshal([]byte(runtimeJSON), &call.Runtime); err != nil {
		return nil, fmt.Errorf("unmarshal runtime: %w", err)
	}
	if err := json.Unmarshal([]byte(inputsJSON), &call.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &call.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(detritusJSON), &call.Detritus); err != nil {
		return nil, fmt.Errorf("unmarshal detritus: %w", err)
	}
	if err := json.Unmarshal([]byte(execInfoJSON), &call.ExecutionInfo); err != nil {
		return nil, fmt.Errorf("unmarshal execution info: %w", err)
	}
	if fingerprint != "" {
		var fp model.Fingerprint
		if _, err := hex.Decode(fp[:], []byte(fingerprint)); err == nil {
			call.Fingerprint = &fp
		}
	}
	call.CacheHit = cacheHit
	call.ReturnCode = returnCode

	call.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	call.StartedAt = parseTimePtr(startedAt)
	call.CompletedAt = parseTimePtr(completedAt)
	return &call, nil
}

func (s *SQLiteStore) GetCall(ctx context.Context, key model.CallKey) (*model.Call, error) {
	s.logger.Debug("sql", "op", "select", "table", "calls", "key", key)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE workflow_id=? AND task_name=? AND shard_index=? AND attempt=?`,
		key.WorkflowID.String(), key.TaskName, shardColumn(key), key.Attempt)
	call, err := s.scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return call, err
}

func (s *SQLiteStore) ListCallsByWorkflow(ctx context.Context, workflowID model.WorkflowID) ([]*model.Call, error) {
	s.logger.Debug("sql", "op", "list", "table", "calls", "workflow_id", workflowID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE workflow_id=? ORDER BY task_name, shard_index, attempt`, workflowID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Call
	for rows.Next() {
		call, err := s.scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListNonTerminalCalls(ctx context.Context, workflowID model.WorkflowID) ([]*model.Call, error) {
	s.logger.Debug("sql", "op", "list_non_terminal", "table", "calls", "workflow_id", workflowID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE workflow_id=? AND status NOT IN ('Succeeded', 'Failed', 'Aborted')
		 ORDER BY task_name, shard_index, attempt`, workflowID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Call
	for rows.Next() {
		call, err := s.scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

// ResetTransientExecutions implements the reset half of spec.md §4.G's
// restart rule: it loads the workflow's non-terminal calls and picks
// Starting calls, plus Running calls that carry no externalJobId key in
// execution_info (a transient in-flight dispatch rather than a resumable
// remote job), then sets each picked row to NotStarted with one UPDATE per
// call.
func (s *SQLiteStore) ResetTransientExecutions(ctx context.Context, workflowID model.WorkflowID) ([]model.CallKey, error) {
	candidates, err := s.ListNonTerminalCalls(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var reset []model.CallKey
	for _, c := range candidates {
		switch c.Status {
		case model.CallStarting:
			reset = append(reset, c.Key)
		case model.CallRunning:
			if extID, ok := c.ExecutionInfo[model.ExecInfoExternalJobID]; !ok || extID == "" {
				reset = append(reset, c.Key)
			}
		}
	}

	for _, key := range reset {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE calls SET status='NotStarted', started_at=NULL WHERE workflow_id=? AND task_name=? AND shard_index=? AND attempt=?`,
			key.WorkflowID.String(), key.TaskName, shardColumn(key), key.Attempt,
		); err != nil {
			return nil, err
		}
	}
	return reset, nil
}

// --- Call cache ---

func (s *SQLiteStore) LookupCache(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	s.logger.Debug("sql", "op", "select", "table", "call_cache", "fingerprint", fp)
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, task_name, shard_index, attempt, outputs, detritus FROM call_cache
		 WHERE fingerprint=? ORDER BY id DESC`, fp.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []model.CallRef
	for rows.Next() {
		var workflowID, taskName string
		var shardIndex, attempt int
		var outputsJSON, detritusJSON string
		if err := rows.Scan(&workflowID, &taskName, &shardIndex, &attempt, &outputsJSON, &detritusJSON); err != nil {
			return nil, err
		}
		wfID, err := model.ParseWorkflowID(workflowID)
		if err != nil {
			return nil, fmt.Errorf("parse workflow id: %w", err)
		}
		var ref model.CallRef
		ref.Key = model.CallKey{WorkflowID: wfID, TaskName: taskName, Shard: shardPtr(shardIndex), Attempt: attempt}
		if err := json.Unmarshal([]byte(outputsJSON), &ref.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
		if err := json.Unmarshal([]byte(detritusJSON), &ref.Detritus); err != nil {
			return nil, fmt.Errorf("unmarshal detritus: %w", err)
		}
		candidates = append(candidates, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &model.CacheEntry{Fingerprint: fp, Candidates: candidates}, nil
}

func (s *SQLiteStore) RecordCache(ctx context.Context, fp model.Fingerprint, ref model.CallRef) error {
	s.logger.Debug("sql", "op", "insert", "table", "call_cache", "fingerprint", fp)

	outputsJSON, err := json.Marshal(ref.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	detritusJSON, err := json.Marshal(ref.Detritus)
	if err != nil {
		return fmt.Errorf("marshal detritus: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_cache (fingerprint, workflow_id, task_name, shard_index, attempt, outputs, detritus, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fp.String(), ref.Key.WorkflowID.String(), ref.Key.TaskName, shardColumn(ref.Key), ref.Key.Attempt,
		string(outputsJSON), string(detritusJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}
