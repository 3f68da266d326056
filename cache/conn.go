package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flanksource/commons/logger"
	_ "github.com/mattn/go-sqlite3"
)

// txMode selects how a transaction takes its locks
type txMode int

const (
	// readScope begins a deferred transaction: it reads from a snapshot and
	// only asks for the write lock if it writes.
	readScope txMode = iota
	// writeScope begins with BEGIN IMMEDIATE so the write lock is taken (and
	// waited for, up to busy_timeout) before anything is read.
	writeScope
)

func (m txMode) String() string {
	if m == writeScope {
		return "immediate"
	}
	return "deferred"
}

// commitError marks a failure of COMMIT itself, after the caller's work ran.
type commitError struct {
	err error
}

func (e *commitError) Error() string {
	return fmt.Sprintf("failed to commit transaction: %v", e.err)
}

func (e *commitError) Unwrap() error {
	return e.err
}

// dsn returns the go-sqlite3 data source name for path. _txlock controls the
// BEGIN statement database/sql issues.
func dsn(path string, mode txMode) string {
	return fmt.Sprintf("%s?_txlock=%s", path, mode)
}

// openConn opens a private database handle holding exactly one connection and
// applies pragmas to it. Handles are never shared: workers are separate
// processes and every operation gets its own connection.
func openConn(ctx context.Context, dataSource string, pragmas []string) (*sql.DB, *sql.Conn, error) {
	db, err := sql.Open("sqlite3", dataSource)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			db.Close()
			return nil, nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return db, conn, nil
}

func closeConn(log logger.Logger, db *sql.DB, conn *sql.Conn) {
	if err := conn.Close(); err != nil {
		log.Debugf("failed to close connection: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Debugf("failed to close database: %v", err)
	}
}

// withConn runs fn on a freshly configured connection outside of any
// transaction and closes it afterwards.
func (c *Cache) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	db, conn, err := openConn(ctx, dsn(c.config.DBPath, readScope), c.config.connectionPragmas())
	if err != nil {
		return err
	}
	defer closeConn(c.log, db, conn)
	return fn(conn)
}

// withTx opens a fresh connection, begins a transaction and hands it to fn.
// The transaction is committed when fn returns nil and rolled back when fn
// returns an error or panics. The connection is closed on every path.
func (c *Cache) withTx(ctx context.Context, mode txMode, fn func(*sql.Tx) error) error {
	db, conn, err := openConn(ctx, dsn(c.config.DBPath, mode), c.config.connectionPragmas())
	if err != nil {
		return err
	}
	defer closeConn(c.log, db, conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s transaction: %w", mode, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			c.log.Debugf("failed to roll back transaction: %v", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	committed = true
	if err := tx.Commit(); err != nil {
		return &commitError{err: err}
	}
	return nil
}
