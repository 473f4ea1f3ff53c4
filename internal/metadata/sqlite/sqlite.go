// Package sqlite provides a SQLite-backed tree index.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metadata"
	"github.com/y3g0r/filehosting/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         INTEGER PRIMARY KEY,
	path       TEXT    NOT NULL UNIQUE,
	size       INTEGER NOT NULL,
	human_size TEXT    NOT NULL,
	is_dir     INTEGER NOT NULL,
	modified   INTEGER NOT NULL,
	parent_id  INTEGER
);
CREATE INDEX IF NOT EXISTS nodes_parent_id ON nodes(parent_id);

CREATE TABLE IF NOT EXISTS closure (
	ancestor   INTEGER NOT NULL,
	descendant INTEGER NOT NULL,
	depth      INTEGER NOT NULL,
	PRIMARY KEY (ancestor, descendant)
);
CREATE INDEX IF NOT EXISTS closure_descendant ON closure(descendant);
`

// Config holds the parameters for opening the index database.
type Config struct {
	// Path is the database file. Its parent directory must exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
}

// Store is a SQLite tree index.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens or creates the index database. The schema is applied on every
// new connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite index: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite index: open %s: %w", cfg.Path, err)
	}

	logging.Info("sqlite index opened",
		logging.String("path", cfg.Path),
		logging.Int("pool_size", poolSize))
	return &Store{pool: pool, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes all connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite index: close %s: %w", s.path, err)
	}
	return nil
}

// Update runs fn inside an immediate transaction.
func (s *Store) Update(ctx context.Context, fn func(metadata.Tx) error) (err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("sqlite_update", time.Since(start)) }()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %w", metadata.ErrTransient, err)
	}
	defer s.pool.Put(conn)
	defer func() { err = classify(err) }()

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTx(&err)

	return fn(&tx{conn: conn})
}

// View runs fn inside a read transaction.
func (s *Store) View(ctx context.Context, fn func(metadata.Tx) error) (err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("sqlite_view", time.Since(start)) }()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: take connection: %w", metadata.ErrTransient, err)
	}
	defer s.pool.Put(conn)
	defer func() { err = classify(err) }()

	release := sqlitex.Save(conn)
	defer release(&err)

	return fn(&tx{conn: conn})
}

// classify marks busy and locked results as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, metadata.ErrTransient) {
		return err
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return fmt.Errorf("%w: %w", metadata.ErrTransient, err)
	}
	return err
}

type tx struct {
	conn *sqlite.Conn
}

const nodeColumns = `n.id, n.path, n.size, n.human_size, n.is_dir, n.modified, n.parent_id`

func scanNode(stmt *sqlite.Stmt) metadata.IndexNode {
	n := metadata.IndexNode{
		ID:        stmt.ColumnInt64(0),
		Path:      stmt.ColumnText(1),
		Size:      stmt.ColumnInt64(2),
		HumanSize: stmt.ColumnText(3),
		IsDir:     stmt.ColumnInt64(4) != 0,
		ModTime:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		parent := stmt.ColumnInt64(6)
		n.ParentID = &parent
	}
	return n
}

func (t *tx) query(query string, args ...any) ([]metadata.IndexNode, error) {
	var out []metadata.IndexNode
	err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanNode(stmt))
			return nil
		},
	})
	return out, err
}

func (t *tx) Node(path string) (*metadata.IndexNode, error) {
	rows, err := t.query(`SELECT `+nodeColumns+` FROM nodes n WHERE n.path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("select node %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *tx) Descendants(id int64) ([]metadata.IndexNode, error) {
	rows, err := t.query(`SELECT `+nodeColumns+`
		FROM closure c JOIN nodes n ON n.id = c.descendant
		WHERE c.ancestor = ?
		ORDER BY c.depth, n.path`, id)
	if err != nil {
		return nil, fmt.Errorf("select descendants of %d: %w", id, err)
	}
	return rows, nil
}

func (t *tx) Ancestors(id int64) ([]metadata.IndexNode, error) {
	rows, err := t.query(`SELECT `+nodeColumns+`
		FROM closure c JOIN nodes n ON n.id = c.ancestor
		WHERE c.descendant = ?
		ORDER BY c.depth DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("select ancestors of %d: %w", id, err)
	}
	return rows, nil
}

func nullable(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (t *tx) Insert(n *metadata.IndexNode) (int64, error) {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO nodes (path, size, human_size, is_dir, modified, parent_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			n.Path, n.Size, n.HumanSize, boolInt(n.IsDir), n.ModTime.UnixNano(), nullable(n.ParentID),
		}})
	if err != nil {
		return 0, fmt.Errorf("insert node %s: %w", n.Path, err)
	}
	id := t.conn.LastInsertRowID()

	if n.ParentID == nil {
		err = sqlitex.Execute(t.conn,
			`INSERT INTO closure (ancestor, descendant, depth) VALUES (?1, ?1, 0)`,
			&sqlitex.ExecOptions{Args: []any{id}})
	} else {
		err = sqlitex.Execute(t.conn,
			`INSERT INTO closure (ancestor, descendant, depth)
			 SELECT ancestor, ?1, depth + 1 FROM closure WHERE descendant = ?2
			 UNION ALL SELECT ?1, ?1, 0`,
			&sqlitex.ExecOptions{Args: []any{id, *n.ParentID}})
	}
	if err != nil {
		return 0, fmt.Errorf("insert closure for %s: %w", n.Path, err)
	}
	n.ID = id
	return id, nil
}

func (t *tx) Update(n *metadata.IndexNode) error {
	var oldParent *int64
	found := false
	err := sqlitex.Execute(t.conn, `SELECT parent_id FROM nodes WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{n.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				if stmt.ColumnType(0) != sqlite.TypeNull {
					p := stmt.ColumnInt64(0)
					oldParent = &p
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("select parent of %s: %w", n.Path, err)
	}
	if !found {
		return fmt.Errorf("update node %s: id %d does not exist", n.Path, n.ID)
	}

	err = sqlitex.Execute(t.conn,
		`UPDATE nodes SET size = ?, human_size = ?, is_dir = ?, modified = ?, parent_id = ?
		 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			n.Size, n.HumanSize, boolInt(n.IsDir), n.ModTime.UnixNano(), nullable(n.ParentID), n.ID,
		}})
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.Path, err)
	}

	if sameParent(oldParent, n.ParentID) {
		return nil
	}
	return t.relink(n.ID, n.ParentID)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// relink moves the subtree rooted at id under parent.
func (t *tx) relink(id int64, parent *int64) error {
	err := sqlitex.Execute(t.conn,
		`DELETE FROM closure
		 WHERE descendant IN (SELECT descendant FROM closure WHERE ancestor = ?1)
		   AND ancestor NOT IN (SELECT descendant FROM closure WHERE ancestor = ?1)`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("detach subtree %d: %w", id, err)
	}
	if parent == nil {
		return nil
	}
	err = sqlitex.Execute(t.conn,
		`INSERT INTO closure (ancestor, descendant, depth)
		 SELECT super.ancestor, sub.descendant, super.depth + sub.depth + 1
		 FROM closure AS super CROSS JOIN closure AS sub
		 WHERE super.descendant = ?2 AND sub.ancestor = ?1`,
		&sqlitex.ExecOptions{Args: []any{id, *parent}})
	if err != nil {
		return fmt.Errorf("attach subtree %d under %d: %w", id, *parent, err)
	}
	return nil
}

// Delete removes one node. Its children become roots of their own
// subtrees, with closure rows to the old ancestors dropped.
func (t *tx) Delete(id int64) (int64, error) {
	children, err := t.query(`SELECT `+nodeColumns+` FROM nodes n WHERE n.parent_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("select children of %d: %w", id, err)
	}
	for _, child := range children {
		if err := t.relink(child.ID, nil); err != nil {
			return 0, err
		}
	}
	err = sqlitex.Execute(t.conn,
		`DELETE FROM closure WHERE descendant = ?1 OR ancestor = ?1`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return 0, fmt.Errorf("delete closure of %d: %w", id, err)
	}
	err = sqlitex.Execute(t.conn, `UPDATE nodes SET parent_id = NULL WHERE parent_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return 0, fmt.Errorf("orphan children of %d: %w", id, err)
	}
	err = sqlitex.Execute(t.conn, `DELETE FROM nodes WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return 0, fmt.Errorf("delete node %d: %w", id, err)
	}
	return int64(t.conn.Changes()), nil
}

func (t *tx) DeleteSubtree(id int64) (int64, error) {
	err := sqlitex.Execute(t.conn,
		`DELETE FROM nodes WHERE id IN (SELECT descendant FROM closure WHERE ancestor = ?)`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return 0, fmt.Errorf("delete subtree %d: %w", id, err)
	}
	removed := int64(t.conn.Changes())

	err = sqlitex.Execute(t.conn,
		`DELETE FROM closure WHERE descendant IN (SELECT descendant FROM closure WHERE ancestor = ?)`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return 0, fmt.Errorf("delete closure of subtree %d: %w", id, err)
	}
	return removed, nil
}
