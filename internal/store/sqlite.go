package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	socket_path       TEXT NOT NULL,
	daemon_pid        INTEGER NOT NULL,
	daemon_start_time INTEGER NOT NULL,
	role              TEXT NOT NULL DEFAULT '',
	workflow_ref      TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
`

// SQLite is the Store implementation over the relational
// fact-of-record. A single-connection pool is plenty: session metadata
// changes a handful of times per session lifetime.
type SQLite struct {
	pool *sqlitex.Pool
}

// OpenSQLite opens (creating if needed) the session metadata database.
// Use ":memory:" in tests.
func OpenSQLite(path string) (*SQLite, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 1,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}
	return &SQLite{pool: pool}, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO sessions
			(session_id, socket_path, daemon_pid, daemon_start_time, role, workflow_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.SessionID,
				rec.SocketPath,
				rec.DaemonPID,
				int64(rec.DaemonStartTime),
				rec.Role,
				rec.WorkflowRef,
				rec.CreatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("storing session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, sessionID string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	var rec Record
	found := false
	err = sqlitex.Execute(conn, `
		SELECT session_id, socket_path, daemon_pid, daemon_start_time, role, workflow_ref, created_at
		FROM sessions WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = recordFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var recs []Record
	err = sqlitex.Execute(conn, `
		SELECT session_id, socket_path, daemon_pid, daemon_start_time, role, workflow_ref, created_at
		FROM sessions ORDER BY created_at`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				recs = append(recs, recordFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return recs, nil
}

func (s *SQLite) Delete(ctx context.Context, sessionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{sessionID}})
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}

func recordFromRow(stmt *sqlite.Stmt) Record {
	return Record{
		SessionID:       stmt.ColumnText(0),
		SocketPath:      stmt.ColumnText(1),
		DaemonPID:       int(stmt.ColumnInt64(2)),
		DaemonStartTime: uint64(stmt.ColumnInt64(3)),
		Role:            stmt.ColumnText(4),
		WorkflowRef:     stmt.ColumnText(5),
		CreatedAt:       time.Unix(0, stmt.ColumnInt64(6)),
	}
}
