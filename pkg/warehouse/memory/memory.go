// Package memory implements an in-memory warehouse store.
package memory

import (
	"context"
	"maps"
	"sync"

	"bookwarehouse/pkg/warehouse"
)

type stockKey struct {
	book  warehouse.BookID
	shelf warehouse.ShelfID
}

// Store provides an in-memory implementation of warehouse.Store. A unit of
// work holds the write lock until it finishes, so units never interleave.
type Store struct {
	mu     sync.RWMutex
	stock  map[stockKey]int
	orders map[warehouse.OrderID]warehouse.Order
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		stock:  make(map[stockKey]int),
		orders: make(map[warehouse.OrderID]warehouse.Order),
	}
}

// CopiesOnShelf returns the copies of book on shelf.
func (s *Store) CopiesOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[stockKey{book, shelf}], nil
}

// Copies returns every shelf record of book.
func (s *Store) Copies(ctx context.Context, book warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copies(book), nil
}

func (s *Store) copies(book warehouse.BookID) map[warehouse.ShelfID]int {
	out := make(map[warehouse.ShelfID]int)
	for k, n := range s.stock {
		if k.book == book {
			out[k.shelf] = n
		}
	}
	return out
}

// PlaceBookOnShelf sets the copies of book on shelf.
func (s *Store) PlaceBookOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID, copies int) error {
	if err := warehouse.ValidateCopies(copies); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey{book, shelf}] = copies
	return nil
}

// CreateOrder stores the order.
func (s *Store) CreateOrder(ctx context.Context, o warehouse.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, id warehouse.OrderID) (warehouse.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return warehouse.Order{}, warehouse.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// ListOrders returns all orders.
func (s *Store) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]warehouse.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, cloneOrder(o))
	}
	return out, nil
}

// DeleteOrder removes an order by ID.
func (s *Store) DeleteOrder(ctx context.Context, id warehouse.OrderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return warehouse.ErrOrderNotFound
	}
	delete(s.orders, id)
	return nil
}

// WithinTx runs fn against a staged view and applies its writes only when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txView{
		base:    s,
		stock:   make(map[stockKey]int),
		created: make(map[warehouse.OrderID]warehouse.Order),
		deleted: make(map[warehouse.OrderID]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id := range tx.deleted {
		delete(s.orders, id)
	}
	maps.Copy(s.orders, tx.created)
	maps.Copy(s.stock, tx.stock)
	return nil
}

// txView reads through to the store it was opened on, which the unit of
// work has already locked.
type txView struct {
	base    *Store
	stock   map[stockKey]int
	created map[warehouse.OrderID]warehouse.Order
	deleted map[warehouse.OrderID]bool
}

func (t *txView) CopiesOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID) (int, error) {
	k := stockKey{book, shelf}
	if n, ok := t.stock[k]; ok {
		return n, nil
	}
	return t.base.stock[k], nil
}

func (t *txView) Copies(ctx context.Context, book warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	out := t.base.copies(book)
	for k, n := range t.stock {
		if k.book == book {
			out[k.shelf] = n
		}
	}
	return out, nil
}

func (t *txView) PlaceBookOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID, copies int) error {
	if err := warehouse.ValidateCopies(copies); err != nil {
		return err
	}
	t.stock[stockKey{book, shelf}] = copies
	return nil
}

func (t *txView) CreateOrder(ctx context.Context, o warehouse.Order) error {
	delete(t.deleted, o.ID)
	t.created[o.ID] = cloneOrder(o)
	return nil
}

func (t *txView) GetOrder(ctx context.Context, id warehouse.OrderID) (warehouse.Order, error) {
	if o, ok := t.created[id]; ok {
		return cloneOrder(o), nil
	}
	if o, ok := t.base.orders[id]; ok && !t.deleted[id] {
		return cloneOrder(o), nil
	}
	return warehouse.Order{}, warehouse.ErrOrderNotFound
}

func (t *txView) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	out := make([]warehouse.Order, 0, len(t.base.orders)+len(t.created))
	for id, o := range t.base.orders {
		if _, replaced := t.created[id]; replaced || t.deleted[id] {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	for _, o := range t.created {
		out = append(out, cloneOrder(o))
	}
	return out, nil
}

func (t *txView) DeleteOrder(ctx context.Context, id warehouse.OrderID) error {
	if _, err := t.GetOrder(ctx, id); err != nil {
		return err
	}
	delete(t.created, id)
	t.deleted[id] = true
	return nil
}

func cloneOrder(o warehouse.Order) warehouse.Order {
	books := maps.Clone(o.Books)
	if books == nil {
		books = map[warehouse.BookID]int{}
	}
	return warehouse.Order{ID: o.ID, Books: books}
}
