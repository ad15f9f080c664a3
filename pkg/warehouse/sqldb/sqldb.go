// Package sqldb persists shelves and orders in PostgreSQL or SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"bookwarehouse/pkg/warehouse"
)

// Store persists shelf stock and orders in a SQL database.
type Store struct {
	runner
	db *sql.DB
}

// New returns a store over db. The caller must ensure the schema exists,
// see Migrate.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{runner: runner{q: db, d: d}, db: db}
}

// OpenPostgres connects to dsn and creates the tables if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, err
	}
	return open(ctx, db, Postgres)
}

// OpenSQLite opens the database file at path and creates the tables if needed.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	// busy_timeout avoids "database is locked" while another process holds the file
	db, err := sql.Open(SQLite.Driver, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(2 * time.Minute)
	return open(ctx, db, SQLite)
}

func open(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := New(db, d)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the shelf_stock and orders tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.Schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.d.Name, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, s.d.txOptions)
	if err != nil {
		return s.conflictOr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, runner{q: tx, d: s.d, inTx: true}); err != nil {
		return s.conflictOr(err)
	}
	return s.conflictOr(tx.Commit())
}

func (s *Store) conflictOr(err error) error {
	if err != nil && s.d.conflict(err) {
		return fmt.Errorf("%w: %w", warehouse.ErrConflict, err)
	}
	return err
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner implements warehouse.Tx over either the database or a transaction.
type runner struct {
	q    queryer
	d    Dialect
	inTx bool
}

func (r runner) query(q string) string {
	if r.inTx {
		q += r.d.forUpdate
	}
	return r.d.rebind(q)
}

// CopiesOnShelf returns the copies of book on shelf.
func (r runner) CopiesOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		r.query("SELECT copies FROM shelf_stock WHERE book_id=? AND shelf=?"), string(book), string(shelf)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Copies returns every shelf record of book.
func (r runner) Copies(ctx context.Context, book warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	rows, err := r.q.QueryContext(ctx, r.query("SELECT shelf, copies FROM shelf_stock WHERE book_id=?"), string(book))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[warehouse.ShelfID]int)
	for rows.Next() {
		var shelf warehouse.ShelfID
		var n int
		if err := rows.Scan(&shelf, &n); err != nil {
			return nil, err
		}
		out[shelf] = n
	}
	return out, rows.Err()
}

// PlaceBookOnShelf sets the copies of book on shelf.
func (r runner) PlaceBookOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID, copies int) error {
	if err := warehouse.ValidateCopies(copies); err != nil {
		return err
	}
	_, err := r.q.ExecContext(ctx, r.d.rebind(`
INSERT INTO shelf_stock (book_id, shelf, copies) VALUES (?,?,?)
ON CONFLICT (book_id, shelf) DO UPDATE SET copies = excluded.copies`), string(book), string(shelf), copies)
	return err
}

// CreateOrder inserts a new order.
func (r runner) CreateOrder(ctx context.Context, o warehouse.Order) error {
	books, err := encodeBooks(o.Books)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, r.d.rebind("INSERT INTO orders (id, books) VALUES (?,?)"), string(o.ID), books)
	return err
}

// GetOrder retrieves an order by ID.
func (r runner) GetOrder(ctx context.Context, id warehouse.OrderID) (warehouse.Order, error) {
	var raw []byte
	err := r.q.QueryRowContext(ctx, r.query("SELECT books FROM orders WHERE id=?"), string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return warehouse.Order{}, warehouse.ErrOrderNotFound
	}
	if err != nil {
		return warehouse.Order{}, err
	}
	books, err := decodeBooks(raw)
	if err != nil {
		return warehouse.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	return warehouse.Order{ID: id, Books: books}, nil
}

// ListOrders fetches all orders.
func (r runner) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT id, books FROM orders ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []warehouse.Order
	for rows.Next() {
		var o warehouse.Order
		var raw []byte
		if err := rows.Scan(&o.ID, &raw); err != nil {
			return nil, err
		}
		if o.Books, err = decodeBooks(raw); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeleteOrder removes an order by ID.
func (r runner) DeleteOrder(ctx context.Context, id warehouse.OrderID) error {
	res, err := r.q.ExecContext(ctx, r.d.rebind("DELETE FROM orders WHERE id=?"), string(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return warehouse.ErrOrderNotFound
	}
	return nil
}

func encodeBooks(books map[warehouse.BookID]int) (string, error) {
	if books == nil {
		books = map[warehouse.BookID]int{}
	}
	b, err := json.Marshal(books)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeBooks(raw []byte) (map[warehouse.BookID]int, error) {
	books := map[warehouse.BookID]int{}
	if err := json.Unmarshal(raw, &books); err != nil {
		return nil, fmt.Errorf("decode books: %w", err)
	}
	return books, nil
}
