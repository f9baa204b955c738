// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/marcboeker/go-duckdb/v2"
)

// InMemoryDatabase is the ServerConfig.Database marker for an in-memory engine.
const InMemoryDatabase = ":memory:"

// Engine is the adapter over an embedded DuckDB database. Each Engine owns
// exactly one connection; all query execution for a server instance funnels
// through it. The engine is safe to close more than once.
type Engine struct {
	db        *sql.DB
	conn      *sql.Conn
	path      string
	ingestSeq atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// OpenEngine opens a DuckDB database at path (or in memory for
// [InMemoryDatabase]) and pins a single connection. The connection is probed
// with a liveness query before the engine is returned; a probe failure is
// fatal to startup.
func OpenEngine(ctx context.Context, path string) (*Engine, error) {
	dsn := path
	if path == InMemoryDatabase {
		dsn = ""
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(dsn, nil)
	if err != nil {
		return nil, &EngineExecutionError{Op: "open", Err: err}
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &EngineExecutionError{Op: "open", Err: err}
	}

	e := &Engine{db: db, conn: conn, path: path}
	if err := e.Ping(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// Path returns the storage path the engine was opened with.
func (e *Engine) Path() string { return e.path }

// Ping runs a trivial liveness query against the connection.
func (e *Engine) Ping(ctx context.Context) error {
	var one int
	if err := e.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &EngineExecutionError{Op: "ping", Err: err}
	}
	return nil
}

// Exec executes a statement that produces no result set (DDL, inserts).
func (e *Engine) Exec(ctx context.Context, query string) error {
	if _, err := e.conn.ExecContext(ctx, query); err != nil {
		return &EngineExecutionError{Op: "exec", Query: query, Err: err}
	}
	return nil
}

// QueryArrow executes a query and returns its full columnar result. The whole
// result is materialized before returning so the connection is free again by
// the time the caller starts streaming. The caller owns the returned batches.
func (e *Engine) QueryArrow(ctx context.Context, query string) (*arrow.Schema, []arrow.RecordBatch, error) {
	var (
		schema *arrow.Schema
		recs   []arrow.RecordBatch
	)
	err := e.conn.Raw(func(driverConn any) error {
		ar, err := duckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return err
		}
		rdr, err := ar.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rdr.Release()

		schema = rdr.Schema()
		for rdr.Next() {
			rec := rdr.RecordBatch()
			rec.Retain()
			recs = append(recs, rec)
		}
		return rdr.Err()
	})
	if err != nil {
		releaseAll(recs)
		return nil, nil, &EngineExecutionError{Op: "query", Query: query, Err: err}
	}
	return schema, recs, nil
}

// IngestRecords inserts the given batches into table, creating it from the
// incoming schema when absent. The batches are registered as Arrow views on
// the pinned connection; creation and insertion are two statements so the
// table shape survives an empty insert. Returns the number of rows inserted.
func (e *Engine) IngestRecords(ctx context.Context, table string, schema *arrow.Schema, recs []arrow.RecordBatch) (int64, error) {
	var total int64
	for _, rec := range recs {
		total += rec.NumRows()
	}

	view := fmt.Sprintf("mallard_ingest_%d", e.ingestSeq.Add(1))
	err := e.conn.Raw(func(driverConn any) error {
		ar, err := duckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return err
		}
		exec, ok := driverConn.(driver.ExecerContext)
		if !ok {
			return fmt.Errorf("driver connection does not support ExecContext")
		}

		// Arrow view readers are single-pass, so the create and insert
		// statements each get their own registration.
		createRdr, err := array.NewRecordReader(schema, recs)
		if err != nil {
			return err
		}
		defer createRdr.Release()
		release, err := ar.RegisterView(createRdr, view)
		if err != nil {
			return err
		}
		create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s WHERE 1=0", quoteIdent(table), view)
		if _, err := exec.ExecContext(ctx, create, nil); err != nil {
			release()
			return err
		}
		release()

		insertRdr, err := array.NewRecordReader(schema, recs)
		if err != nil {
			return err
		}
		defer insertRdr.Release()
		release, err = ar.RegisterView(insertRdr, view)
		if err != nil {
			return err
		}
		defer release()
		insert := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(table), view)
		if _, err := exec.ExecContext(ctx, insert, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, &EngineExecutionError{Op: "ingest", Query: table, Err: err}
	}
	return total, nil
}

// Close releases the pinned connection and the database. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			e.closeErr = e.conn.Close()
		}
		if e.db != nil {
			if err := e.db.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// releaseAll releases every batch in the slice.
func releaseAll(recs []arrow.RecordBatch) {
	for _, rec := range recs {
		rec.Release()
	}
}
