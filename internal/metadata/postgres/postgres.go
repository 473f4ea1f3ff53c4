// Package postgres provides a PostgreSQL-backed tree index with metrics.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/y3g0r/filehosting/internal/logging"
	"github.com/y3g0r/filehosting/internal/metadata"
	"github.com/y3g0r/filehosting/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         BIGSERIAL PRIMARY KEY,
	path       TEXT        NOT NULL UNIQUE,
	size       BIGINT      NOT NULL,
	human_size TEXT        NOT NULL,
	is_dir     BOOLEAN     NOT NULL,
	modified   TIMESTAMPTZ NOT NULL,
	parent_id  BIGINT
);
CREATE INDEX IF NOT EXISTS nodes_parent_id ON nodes(parent_id);

CREATE TABLE IF NOT EXISTS closure (
	ancestor   BIGINT NOT NULL,
	descendant BIGINT NOT NULL,
	depth      INTEGER NOT NULL,
	PRIMARY KEY (ancestor, descendant)
);
CREATE INDEX IF NOT EXISTS closure_descendant ON closure(descendant);
`

// Store is a PostgreSQL tree index.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL tree index.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the index tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	logging.Info("applying index schema")
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// reset drops every indexed row.
func (s *Store) reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE nodes, closure RESTART IDENTITY`)
	return classify(err)
}

// Update runs fn inside one transaction.
func (s *Store) Update(ctx context.Context, fn func(metadata.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(metadata.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(metadata.Tx) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery("postgres_tx", time.Since(start))
	}()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify marks connection, resource and serialization failures as
// transient.
func classify(err error) error {
	if err == nil || errors.Is(err, metadata.ErrTransient) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return fmt.Errorf("%w: %w", metadata.ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", metadata.ErrTransient, err)
	}
	return err
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

const nodeColumns = `n.id, n.path, n.size, n.human_size, n.is_dir, n.modified, n.parent_id`

func (t *tx) query(name, query string, args ...any) ([]metadata.IndexNode, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery(name, time.Since(start))
	}()

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metadata.IndexNode
	for rows.Next() {
		var n metadata.IndexNode
		var parent sql.NullInt64
		if err := rows.Scan(&n.ID, &n.Path, &n.Size, &n.HumanSize, &n.IsDir, &n.ModTime, &parent); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		n.ModTime = n.ModTime.UTC()
		if parent.Valid {
			p := parent.Int64
			n.ParentID = &p
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *tx) exec(name, query string, args ...any) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBQuery(name, time.Since(start))
	}()

	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *tx) Node(path string) (*metadata.IndexNode, error) {
	rows, err := t.query("select_node", `SELECT `+nodeColumns+` FROM nodes n WHERE n.path = $1`, path)
	if err != nil {
		return nil, fmt.Errorf("select node %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *tx) Descendants(id int64) ([]metadata.IndexNode, error) {
	rows, err := t.query("select_descendants", `SELECT `+nodeColumns+`
		FROM closure c JOIN nodes n ON n.id = c.descendant
		WHERE c.ancestor = $1
		ORDER BY c.depth, n.path`, id)
	if err != nil {
		return nil, fmt.Errorf("select descendants of %d: %w", id, err)
	}
	return rows, nil
}

func (t *tx) Ancestors(id int64) ([]metadata.IndexNode, error) {
	rows, err := t.query("select_ancestors", `SELECT `+nodeColumns+`
		FROM closure c JOIN nodes n ON n.id = c.ancestor
		WHERE c.descendant = $1
		ORDER BY c.depth DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("select ancestors of %d: %w", id, err)
	}
	return rows, nil
}

func nullable(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (t *tx) Insert(n *metadata.IndexNode) (int64, error) {
	start := time.Now()
	var id int64
	err := t.tx.QueryRowContext(t.ctx,
		`INSERT INTO nodes (path, size, human_size, is_dir, modified, parent_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		n.Path, n.Size, n.HumanSize, n.IsDir, n.ModTime, nullable(n.ParentID),
	).Scan(&id)
	metrics.RecordDBQuery("insert_node", time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("insert node %s: %w", n.Path, err)
	}

	if n.ParentID == nil {
		_, err = t.exec("insert_closure",
			`INSERT INTO closure (ancestor, descendant, depth) VALUES ($1, $1, 0)`, id)
	} else {
		_, err = t.exec("insert_closure",
			`INSERT INTO closure (ancestor, descendant, depth)
			 SELECT ancestor, $1::bigint, depth + 1 FROM closure WHERE descendant = $2
			 UNION ALL SELECT $1::bigint, $1::bigint, 0`, id, *n.ParentID)
	}
	if err != nil {
		return 0, fmt.Errorf("insert closure for %s: %w", n.Path, err)
	}
	n.ID = id
	return id, nil
}

func (t *tx) Update(n *metadata.IndexNode) error {
	var oldParent sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `SELECT parent_id FROM nodes WHERE id = $1`, n.ID).Scan(&oldParent)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update node %s: id %d does not exist", n.Path, n.ID)
	}
	if err != nil {
		return fmt.Errorf("select parent of %s: %w", n.Path, err)
	}

	_, err = t.exec("update_node",
		`UPDATE nodes SET size = $1, human_size = $2, is_dir = $3, modified = $4, parent_id = $5
		 WHERE id = $6`,
		n.Size, n.HumanSize, n.IsDir, n.ModTime, nullable(n.ParentID), n.ID)
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.Path, err)
	}

	if oldParent == nullable(n.ParentID) {
		return nil
	}
	return t.relink(n.ID, n.ParentID)
}

// relink moves the subtree rooted at id under parent.
func (t *tx) relink(id int64, parent *int64) error {
	_, err := t.exec("detach_subtree",
		`DELETE FROM closure
		 WHERE descendant IN (SELECT descendant FROM closure WHERE ancestor = $1)
		   AND ancestor NOT IN (SELECT descendant FROM closure WHERE ancestor = $1)`, id)
	if err != nil {
		return fmt.Errorf("detach subtree %d: %w", id, err)
	}
	if parent == nil {
		return nil
	}
	_, err = t.exec("attach_subtree",
		`INSERT INTO closure (ancestor, descendant, depth)
		 SELECT super.ancestor, sub.descendant, super.depth + sub.depth + 1
		 FROM closure AS super CROSS JOIN closure AS sub
		 WHERE super.descendant = $2 AND sub.ancestor = $1`, id, *parent)
	if err != nil {
		return fmt.Errorf("attach subtree %d under %d: %w", id, *parent, err)
	}
	return nil
}

// Delete removes one node. Its children become roots of their own
// subtrees, with closure rows to the old ancestors dropped.
func (t *tx) Delete(id int64) (int64, error) {
	children, err := t.query("select_children",
		`SELECT `+nodeColumns+` FROM nodes n WHERE n.parent_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("select children of %d: %w", id, err)
	}
	for _, child := range children {
		if err := t.relink(child.ID, nil); err != nil {
			return 0, err
		}
	}
	if _, err := t.exec("delete_closure",
		`DELETE FROM closure WHERE descendant = $1 OR ancestor = $1`, id); err != nil {
		return 0, fmt.Errorf("delete closure of %d: %w", id, err)
	}
	if _, err := t.exec("orphan_children",
		`UPDATE nodes SET parent_id = NULL WHERE parent_id = $1`, id); err != nil {
		return 0, fmt.Errorf("orphan children of %d: %w", id, err)
	}
	removed, err := t.exec("delete_node", `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete node %d: %w", id, err)
	}
	return removed, nil
}

func (t *tx) DeleteSubtree(id int64) (int64, error) {
	removed, err := t.exec("delete_subtree",
		`DELETE FROM nodes WHERE id IN (SELECT descendant FROM closure WHERE ancestor = $1)`, id)
	if err != nil {
		return 0, fmt.Errorf("delete subtree %d: %w", id, err)
	}
	if _, err := t.exec("delete_subtree_closure",
		`DELETE FROM closure WHERE descendant IN (SELECT descendant FROM closure WHERE ancestor = $1)`, id); err != nil {
		return 0, fmt.Errorf("delete closure of subtree %d: %w", id, err)
	}
	return removed, nil
}
