package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ordo/pkg/schema"
)

// LibSQLRepository implements the Repository interface using libSQL
// (embedded SQLite fork).
type LibSQLRepository struct {
	db *sql.DB
}

// NewLibSQLRepository opens a libSQL database at the given path and returns
// a Repository. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLRepository(dbPath string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistenceConnection,
			"open libsql: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

	return &LibSQLRepository{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (r *LibSQLRepository) DB() *sql.DB { return r.db }

// Close closes the database.
func (r *LibSQLRepository) Close() error { return r.db.Close() }

// Migrate runs all pending database migrations.
func (r *LibSQLRepository) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, r.db); err != nil {
		return classify(err, "migrate")
	}
	return nil
}

// Vacuum runs VACUUM on the database.
func (r *LibSQLRepository) Vacuum(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return classify(err, "vacuum")
	}
	return nil
}

// --- Instances ---

func (r *LibSQLRepository) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	contextJSON, err := marshalContext(inst.Context)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistenceQuery, "marshal context").WithCause(err)
	}

	now := time.Now().UTC()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (instance_id, workflow_name, current_step_name, status, context, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.WorkflowName, nullStr(inst.CurrentStepName), string(inst.Status),
		contextJSON, createdAt, updatedAt, nullTime(inst.CompletedAt),
	)
	if err != nil {
		return classify(err, fmt.Sprintf("create instance %s", inst.InstanceID))
	}
	return nil
}

func (r *LibSQLRepository) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT instance_id, workflow_name, current_step_name, status, context, created_at, updated_at, completed_at
		 FROM workflow_instances WHERE instance_id = ?`, id,
	)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get instance %s", id))
	}
	return inst, nil
}

func (r *LibSQLRepository) UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	res, err := execUpdateInstance(ctx, r.db, inst)
	if err != nil {
		return classify(err, fmt.Sprintf("update instance %s", inst.InstanceID))
	}
	return checkRowsAffected(res, inst.InstanceID)
}

func (r *LibSQLRepository) DeleteInstance(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE instance_id = ?`, id)
	if err != nil {
		return classify(err, fmt.Sprintf("delete instance %s", id))
	}
	return checkRowsAffected(res, id)
}

// --- Transactions ---

// CommitTransition appends the prepared history entry and applies the
// instance update in a single transaction.
func (r *LibSQLRepository) CommitTransition(ctx context.Context, entry *schema.HistoryEntry, inst *schema.WorkflowInstance) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transition")
	}
	defer tx.Rollback()

	if err := execAppendHistory(ctx, tx, entry); err != nil {
		return classify(err, fmt.Sprintf("append history for instance %s", entry.InstanceID))
	}
	res, err := execUpdateInstance(ctx, tx, inst)
	if err != nil {
		return classify(err, fmt.Sprintf("update instance %s", inst.InstanceID))
	}
	if err := checkRowsAffected(res, inst.InstanceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit transition")
	}
	return nil
}

// execer is the subset of *sql.DB / *sql.Tx the write helpers need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execUpdateInstance performs the full-record update. updated_at is refreshed
// here; completed_at is set only on the first update that carries COMPLETED
// and is never cleared afterwards.
func execUpdateInstance(ctx context.Context, q execer, inst *schema.WorkflowInstance) (sql.Result, error) {
	contextJSON, err := marshalContext(inst.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	var completedAt any
	if inst.Status == schema.StatusCompleted {
		completedAt = time.Now().UTC()
	}

	return q.ExecContext(ctx,
		`UPDATE workflow_instances
		 SET workflow_name = ?, current_step_name = ?, status = ?, context = ?,
		     updated_at = ?, completed_at = COALESCE(completed_at, ?)
		 WHERE instance_id = ?`,
		inst.WorkflowName, nullStr(inst.CurrentStepName), string(inst.Status), contextJSON,
		time.Now().UTC(), completedAt, inst.InstanceID,
	)
}

// --- Helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var (
		currentStep sql.NullString
		status      string
		contextJSON string
		completedAt sql.NullTime
	)
	err := row.Scan(&inst.InstanceID, &inst.WorkflowName, &currentStep, &status,
		&contextJSON, &inst.CreatedAt, &inst.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	inst.CurrentStepName = currentStep.String
	inst.Status = schema.InstanceStatus(status)
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &inst.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	return inst, nil
}

func instanceNotFound(id string) *schema.OrdoError {
	return schema.NewErrorf(schema.ErrCodeInstanceNotFound, "workflow instance %q not found", id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "rows affected")
	}
	if n == 0 {
		return instanceNotFound(id)
	}
	return nil
}

// classify maps a driver error to the persistence taxonomy: connection-level
// faults become PERSISTENCE_CONNECTION, everything else PERSISTENCE_QUERY.
func classify(err error, op string) error {
	msg := strings.ToLower(err.Error())
	connPatterns := []string{
		"unable to open database",
		"database is locked",
		"disk i/o error",
		"connection refused",
		"out of memory",
	}
	code := schema.ErrCodePersistenceQuery
	for _, p := range connPatterns {
		if strings.Contains(msg, p) {
			code = schema.ErrCodePersistenceConnection
			break
		}
	}
	return schema.NewErrorf(code, "%s: %s", op, err.Error()).WithCause(err)
}

func marshalContext(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
