// Package postgres implements the analytical warehouse tier: one table per
// plate and category, held in a schema named after the configured dataset.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/zeebo/errs"

	"platecore/internal/dataset"
)

const (
	defaultDriver = "pgx"
	// Postgres caps a statement at 65535 bind parameters.
	maxParams    = 65535
	maxBatchRows = 1000
)

// Error is the error class for warehouse failures.
var Error = errs.Class("warehouse")

// ErrTableNotFound is returned by Read when the table does not exist.
var ErrTableNotFound = errors.New("table not found")

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store reads and replaces plate tables in Postgres.
type Store struct {
	db      *sqlx.DB
	project string
	dataset string
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn, project, datasetName string) (*Store, error) {
	if dsn == "" {
		return nil, Error.New("dsn required")
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, Error.New("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Error.New("ping postgres: %w", err)
	}
	return New(db, project, datasetName), nil
}

// New wraps an open database handle.
func New(db *sql.DB, project, datasetName string) *Store {
	return &Store{db: sqlx.NewDb(db, defaultDriver), project: project, dataset: datasetName}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// QualifiedName renders project.dataset.table for logs and errors.
func (s *Store) QualifiedName(table string) string {
	return s.project + "." + s.dataset + "." + table
}

func (s *Store) relation(table string) string {
	return quoteIdent(s.dataset) + "." + quoteIdent(table)
}

// Exists reports whether table is present in the dataset schema.
func (s *Store) Exists(ctx context.Context, table string) (bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1").From("information_schema.tables").Where(
		sb.Equal("table_schema", s.dataset),
		sb.Equal("table_name", table),
	)
	query, args := sb.Build()
	var one int
	err := s.db.GetContext(ctx, &one, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, Error.New("lookup %s: %w", s.QualifiedName(table), err)
	}
	return true, nil
}

// Read loads the whole table. A missing table yields ErrTableNotFound.
func (s *Store) Read(ctx context.Context, table string) (*dataset.Table, error) {
	ok, err := s.Exists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Error.Wrap(fmt.Errorf("%s: %w", s.QualifiedName(table), ErrTableNotFound))
	}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*").From(s.relation(table))
	query, args := sb.Build()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, Error.New("select %s: %w", s.QualifiedName(table), err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cols := make([]dataset.Column, len(types))
	for i, ct := range types {
		cols[i] = dataset.Column{Name: ct.Name(), Kind: kindFor(ct.DatabaseTypeName())}
	}
	out := dataset.New(cols...)
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, Error.New("scan %s: %w", s.QualifiedName(table), err)
		}
		row := make([]dataset.Value, len(raw))
		for i, v := range raw {
			row[i] = cell(cols[i].Kind, v)
		}
		if err := out.Append(row...); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("iterate %s: %w", s.QualifiedName(table), err)
	}
	return out, nil
}

// Replace drops and recreates table with the contents of t in one transaction.
func (s *Store) Replace(ctx context.Context, table string, t *dataset.Table) (err error) {
	t = t.Unified()
	if len(t.Columns) == 0 {
		return Error.New("replace %s: no columns", s.QualifiedName(table))
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.New("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rel := s.relation(table)
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(s.dataset),
		"DROP TABLE IF EXISTS " + rel,
	}
	ctb := sqlbuilder.PostgreSQL.NewCreateTableBuilder()
	ctb.CreateTable(rel)
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = quoteIdent(c.Name)
		ctb.Define(names[i], columnType(c.Kind))
	}
	ddl, _ := ctb.Build()
	stmts = append(stmts, ddl)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Error.New("%s: %w", s.QualifiedName(table), err)
		}
	}

	batch := maxParams / len(names)
	if batch > maxBatchRows {
		batch = maxBatchRows
	}
	for start := 0; start < len(t.Rows); start += batch {
		end := min(start+batch, len(t.Rows))
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(rel).Cols(names...)
		for _, row := range t.Rows[start:end] {
			args := make([]any, len(row))
			for i, v := range row {
				args[i] = v.Any()
			}
			ib.Values(args...)
		}
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return Error.New("insert %s: %w", s.QualifiedName(table), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Error.New("commit: %w", err)
	}
	committed = true
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(k dataset.Kind) string {
	switch k {
	case dataset.KindInt32:
		return "INTEGER"
	case dataset.KindInt64:
		return "BIGINT"
	case dataset.KindFloat32:
		return "REAL"
	case dataset.KindFloat64:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func kindFor(dbType string) dataset.Kind {
	switch strings.ToUpper(dbType) {
	case "INT2", "INT4":
		return dataset.KindInt32
	case "INT8":
		return dataset.KindInt64
	case "FLOAT4":
		return dataset.KindFloat32
	case "FLOAT8", "NUMERIC":
		return dataset.KindFloat64
	default:
		return dataset.KindString
	}
}

func cell(k dataset.Kind, v any) dataset.Value {
	if v == nil {
		return dataset.Null()
	}
	var out dataset.Value
	switch x := v.(type) {
	case int64:
		out = dataset.Int64(x)
	case int32:
		out = dataset.Int32(x)
	case float64:
		out = dataset.Float64(x)
	case float32:
		out = dataset.Float32(x)
	case []byte:
		out = dataset.String(string(x))
	case string:
		out = dataset.String(x)
	default:
		out = dataset.String(fmt.Sprint(x))
	}
	if conv, err := out.As(k); err == nil {
		return conv
	}
	return out
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
