// Package sqlitestore implements the object store contract on SQLite.
//
// The database runs in embedded mode with WAL for concurrent reads;
// remote libSQL databases are supported through libsql:// DSNs for
// hosted deployments. Objects are stored as JSON documents in a single
// table keyed by (collection, id), with filters compiled to
// json_extract expressions. Batches map to one SQL transaction, which
// is what makes "entity write + log row" atomic.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/pagekeep/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps a SQLite (or remote libSQL) connection.
type Store struct {
	conn *sql.DB
	dsn  string
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at dsn and prepares the schema.
//
// Plain paths open an embedded SQLite file; dsns starting with
// "libsql://" connect to a remote libSQL database instead. The caller
// must Close() the returned store.
func Open(dsn string) (*Store, error) {
	driver := "sqlite3"
	connStr := dsn
	if strings.HasPrefix(dsn, "libsql://") {
		driver = "libsql"
	} else {
		if !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			connStr = "file:" + dsn
		}
	}

	conn, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, dsn: dsn}

	if driver == "sqlite3" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_user
			ON objects (collection, json_extract(data, '$.user'))`,
		`CREATE INDEX IF NOT EXISTS idx_objects_created_when
			ON objects (collection, json_extract(data, '$.createdWhen'))`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// execer abstracts *sql.DB and *sql.Tx so the same statement helpers
// serve both single operations and batches.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CreateObject implements store.Store.
func (s *Store) CreateObject(ctx context.Context, collection string, fields map[string]any) (map[string]any, error) {
	return createObject(ctx, s.conn, collection, fields)
}

func createObject(ctx context.Context, ex execer, collection string, fields map[string]any) (map[string]any, error) {
	obj := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	id, _ := obj[store.IDField].(string)
	if id == "" {
		id = uuid.NewString()
		obj[store.IDField] = id
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		"INSERT INTO objects (collection, id, data) VALUES (?, ?, ?)",
		collection, id, string(data)); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return obj, nil
}

// FindObject implements store.Store.
func (s *Store) FindObject(ctx context.Context, collection string, filter store.Filter) (map[string]any, error) {
	objs, err := findObjects(ctx, s.conn, collection, filter, &store.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, store.ErrNotFound
	}
	return objs[0], nil
}

// FindObjects implements store.Store.
func (s *Store) FindObjects(ctx context.Context, collection string, filter store.Filter, opts *store.FindOptions) ([]map[string]any, error) {
	return findObjects(ctx, s.conn, collection, filter, opts)
}

func findObjects(ctx context.Context, ex execer, collection string, filter store.Filter, opts *store.FindOptions) ([]map[string]any, error) {
	where, args := buildWhere(collection, filter)
	query := "SELECT data FROM objects WHERE " + where

	if opts != nil {
		for i, o := range opts.Order {
			if i == 0 {
				query += " ORDER BY "
			} else {
				query += ", "
			}
			query += "json_extract(data, ?)"
			if o.Desc {
				query += " DESC"
			}
			args = append(args, "$."+o.Field)
		}
		if opts.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, opts.Limit)
		}
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, fmt.Errorf("corrupt object in %s: %w", collection, err)
		}
		result = append(result, obj)
	}
	return result, rows.Err()
}

// UpdateObjects implements store.Store. Updates replace fields wholesale
// (a nested map overwrites the stored value, it does not merge into it),
// so the update is read-modify-write inside one transaction.
func (s *Store) UpdateObjects(ctx context.Context, collection string, filter store.Filter, updates map[string]any) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateObjects(ctx, tx, collection, filter, updates); err != nil {
		return err
	}
	return tx.Commit()
}

func updateObjects(ctx context.Context, ex execer, collection string, filter store.Filter, updates map[string]any) error {
	objs, err := findObjects(ctx, ex, collection, filter, nil)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		for k, v := range updates {
			obj[k] = v
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal update: %w", err)
		}
		id, _ := obj[store.IDField].(string)
		if _, err := ex.ExecContext(ctx,
			"UPDATE objects SET data = ? WHERE collection = ? AND id = ?",
			string(data), collection, id); err != nil {
			return fmt.Errorf("failed to update %s: %w", collection, err)
		}
	}
	return nil
}

// DeleteObjects implements store.Store.
func (s *Store) DeleteObjects(ctx context.Context, collection string, filter store.Filter) error {
	return deleteObjects(ctx, s.conn, collection, filter)
}

func deleteObjects(ctx context.Context, ex execer, collection string, filter store.Filter) error {
	where, args := buildWhere(collection, filter)
	if _, err := ex.ExecContext(ctx, "DELETE FROM objects WHERE "+where, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return nil
}

// ExecuteBatch implements store.Store. All steps run inside one SQL
// transaction; a failing step rolls the whole batch back.
func (s *Store) ExecuteBatch(ctx context.Context, steps []store.BatchStep) (*store.BatchResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &store.BatchResult{Objects: make([]map[string]any, len(steps))}
	for i, step := range steps {
		switch {
		case step.Create != nil:
			fields := make(map[string]any, len(step.Create.Fields))
			for k, v := range step.Create.Fields {
				fields[k] = v
			}
			for _, ref := range step.Create.Backrefs {
				if ref.FromStep < 0 || ref.FromStep >= i || result.Objects[ref.FromStep] == nil {
					return nil, fmt.Errorf("batch step %d: backref to invalid step %d", i, ref.FromStep)
				}
				fields[ref.Field] = result.Objects[ref.FromStep][store.IDField]
			}
			obj, err := createObject(ctx, tx, step.Create.Collection, fields)
			if err != nil {
				return nil, fmt.Errorf("batch step %d: %w", i, err)
			}
			result.Objects[i] = obj
		case step.Update != nil:
			if err := updateObjects(ctx, tx, step.Update.Collection, step.Update.Filter, step.Update.Updates); err != nil {
				return nil, fmt.Errorf("batch step %d: %w", i, err)
			}
		case step.Delete != nil:
			if err := deleteObjects(ctx, tx, step.Delete.Collection, step.Delete.Filter); err != nil {
				return nil, fmt.Errorf("batch step %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("batch step %d: empty step", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}

// buildWhere compiles a filter into a WHERE clause over json_extract.
func buildWhere(collection string, filter store.Filter) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{collection}

	for field, want := range filter {
		op := "="
		value := want
		if cond, ok := want.(store.Cond); ok {
			value = cond.Value
			switch cond.Op {
			case store.OpGt:
				op = ">"
			case store.OpGte:
				op = ">="
			case store.OpLt:
				op = "<"
			}
		}
		if field == store.IDField {
			clauses = append(clauses, "id "+op+" ?")
			args = append(args, value)
			continue
		}
		clauses = append(clauses, "json_extract(data, ?) "+op+" ?")
		args = append(args, "$."+field, bindValue(value))
	}
	return strings.Join(clauses, " AND "), args
}

// bindValue maps Go values to what json_extract yields for them.
// JSON booleans extract as 0/1 integers.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
