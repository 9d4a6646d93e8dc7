package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is how timestamps are stored; RFC3339Nano keeps ordering
// lexicographic.
const timeFormat = time.RFC3339Nano

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Stack Operations
// =============================================================================

// stackRow represents a stack row in the database.
type stackRow struct {
	Name        string `db:"name"`
	ApplyID     string `db:"apply_id"`
	Declaration string `db:"declaration"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r stackRow) toRecord() StackRecord {
	createdAt, _ := time.Parse(timeFormat, r.CreatedAt)
	updatedAt, _ := time.Parse(timeFormat, r.UpdatedAt)
	return StackRecord{
		Name:        r.Name,
		ApplyID:     r.ApplyID,
		Declaration: r.Declaration,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}

// SaveStack inserts or updates a stack record. Re-applying the same stack
// keeps its original creation time.
func (s *SQLiteStore) SaveStack(ctx context.Context, stack *StackRecord) error {
	row := stackRow{
		Name:        stack.Name,
		ApplyID:     stack.ApplyID,
		Declaration: stack.Declaration,
		CreatedAt:   stack.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   stack.UpdatedAt.UTC().Format(timeFormat),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO stacks (name, apply_id, declaration, created_at, updated_at)
		VALUES (:name, :apply_id, :declaration, :created_at, :updated_at)
		ON CONFLICT(name) DO UPDATE SET
			apply_id = excluded.apply_id,
			declaration = excluded.declaration,
			updated_at = excluded.updated_at`,
		row)
	if err != nil {
		return NewStoreError("SaveStack", "stack", stack.Name, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) GetStack(ctx context.Context, name string) (*StackRecord, error) {
	var row stackRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM stacks WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetStack", "stack", name, "stack not found", ErrNotFound)
		}
		return nil, NewStoreError("GetStack", "stack", name, err.Error(), err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *SQLiteStore) ListStacks(ctx context.Context) ([]StackRecord, error) {
	var rows []stackRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM stacks ORDER BY name`); err != nil {
		return nil, NewStoreError("ListStacks", "stack", "", err.Error(), err)
	}
	records := make([]StackRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

func (s *SQLiteStore) DeleteStack(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stacks WHERE name = ?`, name)
	if err != nil {
		return NewStoreError("DeleteStack", "stack", name, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("DeleteStack", "stack", name, "stack not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Entity Operations
// =============================================================================

// entityRow represents an entity row in the database.
type entityRow struct {
	Stack     string `db:"stack"`
	Kind      string `db:"kind"`
	Name      string `db:"name"`
	RuntimeID string `db:"runtime_id"`
	CreatedAt string `db:"created_at"`
}

// UpsertEntity records a runtime entity. The creation timestamp is kept
// from the first insert so re-applying a topology does not rewrite it.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, entity *EntityRecord) error {
	row := entityRow{
		Stack:     entity.Stack,
		Kind:      string(entity.Kind),
		Name:      entity.Name,
		RuntimeID: entity.RuntimeID,
		CreatedAt: entity.CreatedAt.UTC().Format(timeFormat),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO entities (stack, kind, name, runtime_id, created_at)
		VALUES (:stack, :kind, :name, :runtime_id, :created_at)
		ON CONFLICT(stack, kind, name) DO UPDATE SET
			runtime_id = excluded.runtime_id`,
		row)
	if err != nil {
		return NewStoreError("UpsertEntity", string(entity.Kind), entity.Name, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, stack string) ([]EntityRecord, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM entities WHERE stack = ? ORDER BY kind, name`, stack)
	if err != nil {
		return nil, NewStoreError("ListEntities", "stack", stack, err.Error(), err)
	}

	records := make([]EntityRecord, 0, len(rows))
	for _, r := range rows {
		createdAt, _ := time.Parse(timeFormat, r.CreatedAt)
		records = append(records, EntityRecord{
			Stack:     r.Stack,
			Kind:      EntityKind(r.Kind),
			Name:      r.Name,
			RuntimeID: r.RuntimeID,
			CreatedAt: createdAt,
		})
	}
	return records, nil
}

func (s *SQLiteStore) DeleteEntities(ctx context.Context, stack string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE stack = ?`, stack); err != nil {
		return NewStoreError("DeleteEntities", "stack", stack, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Phase History Operations
// =============================================================================

// phaseRow represents a phase history row in the database.
type phaseRow struct {
	ID      int64  `db:"id"`
	Stack   string `db:"stack"`
	Service string `db:"service"`
	Phase   string `db:"phase"`
	Detail  string `db:"detail"`
	At      string `db:"at"`
}

func (s *SQLiteStore) RecordPhase(ctx context.Context, rec *PhaseRecord) error {
	row := phaseRow{
		Stack:   rec.Stack,
		Service: rec.Service,
		Phase:   rec.Phase,
		Detail:  rec.Detail,
		At:      rec.At.UTC().Format(timeFormat),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO phase_history (stack, service, phase, detail, at)
		VALUES (:stack, :service, :phase, :detail, :at)`,
		row)
	if err != nil {
		return NewStoreError("RecordPhase", "service", rec.Service, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListPhases(ctx context.Context, stack, service string, limit int) ([]PhaseRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []phaseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM phase_history
		WHERE stack = ? AND service = ?
		ORDER BY id DESC LIMIT ?`,
		stack, service, limit)
	if err != nil {
		return nil, NewStoreError("ListPhases", "service", service, err.Error(), err)
	}

	records := make([]PhaseRecord, 0, len(rows))
	for _, r := range rows {
		at, _ := time.Parse(timeFormat, r.At)
		records = append(records, PhaseRecord{
			Stack:   r.Stack,
			Service: r.Service,
			Phase:   r.Phase,
			Detail:  r.Detail,
			At:      at,
		})
	}
	return records, nil
}
