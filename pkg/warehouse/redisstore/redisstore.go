// Package redisstore keeps shelves and orders as Redis documents.
//
// Layout:
//
//	stock:<book>   hash   shelf -> copies
//	order:<id>     string JSON encoded book -> quantity
//	orders         set    ids of pending orders
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"bookwarehouse/pkg/warehouse"
)

const ordersKey = "orders"

func stockKey(book warehouse.BookID) string { return "stock:" + string(book) }

func orderKey(id warehouse.OrderID) string { return "order:" + string(id) }

// Store implements warehouse.Store on Redis. Units of work are optimistic:
// every key read is watched and the writes are applied in one MULTI/EXEC,
// which fails with warehouse.ErrConflict if a watched key changed.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option customises a Store.
type Option func(*Store)

// WithPrefix namespaces every key, e.g. "warehouse:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New returns a store over client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.prefix + k }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CopiesOnShelf returns the copies of book on shelf.
func (s *Store) CopiesOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID) (int, error) {
	return copiesOnShelf(ctx, s.client, s.key(stockKey(book)), shelf)
}

// Copies returns every shelf record of book.
func (s *Store) Copies(ctx context.Context, book warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	return copies(ctx, s.client, s.key(stockKey(book)))
}

// PlaceBookOnShelf sets the copies of book on shelf.
func (s *Store) PlaceBookOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID, n int) error {
	if err := warehouse.ValidateCopies(n); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key(stockKey(book)), string(shelf), n).Err()
}

// CreateOrder stores the order document and indexes its id.
func (s *Store) CreateOrder(ctx context.Context, o warehouse.Order) error {
	doc, err := encodeBooks(o.Books)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(orderKey(o.ID)), doc, 0)
		pipe.SAdd(ctx, s.key(ordersKey), string(o.ID))
		return nil
	})
	return err
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, id warehouse.OrderID) (warehouse.Order, error) {
	return getOrder(ctx, s.client, s.key(orderKey(id)), id)
}

// ListOrders returns every indexed order.
func (s *Store) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	ids, err := s.client.SMembers(ctx, s.key(ordersKey)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(orderKey(warehouse.OrderID(id)))
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	orders := make([]warehouse.Order, 0, len(ids))
	for i, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		books, err := decodeBooks(raw)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", ids[i], err)
		}
		orders = append(orders, warehouse.Order{ID: warehouse.OrderID(ids[i]), Books: books})
	}
	return orders, nil
}

// DeleteOrder removes the order document and its index entry.
func (s *Store) DeleteOrder(ctx context.Context, id warehouse.OrderID) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(orderKey(id)))
		pipe.SRem(ctx, s.key(ordersKey), string(id))
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return warehouse.ErrOrderNotFound
	}
	return nil
}

// WithinTx runs fn optimistically and commits its writes atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		view := newTxView(s, rtx)
		if err := fn(ctx, view); err != nil {
			return err
		}
		if len(view.writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range view.writes {
				w(pipe)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %w", warehouse.ErrConflict, err)
	}
	return err
}

type shelfEntry struct {
	book  warehouse.BookID
	shelf warehouse.ShelfID
}

// txView reads through the watched connection and queues writes. Pending
// writes are visible to later reads of the same unit of work.
type txView struct {
	s       *Store
	rtx     *redis.Tx
	writes  []func(redis.Pipeliner)
	stock   map[shelfEntry]int
	created map[warehouse.OrderID]warehouse.Order
	deleted map[warehouse.OrderID]bool
}

func newTxView(s *Store, rtx *redis.Tx) *txView {
	return &txView{
		s:       s,
		rtx:     rtx,
		stock:   make(map[shelfEntry]int),
		created: make(map[warehouse.OrderID]warehouse.Order),
		deleted: make(map[warehouse.OrderID]bool),
	}
}

func (t *txView) watch(ctx context.Context, key string) error {
	return t.rtx.Watch(ctx, key).Err()
}

func (t *txView) CopiesOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID) (int, error) {
	if n, ok := t.stock[shelfEntry{book, shelf}]; ok {
		return n, nil
	}
	key := t.s.key(stockKey(book))
	if err := t.watch(ctx, key); err != nil {
		return 0, err
	}
	return copiesOnShelf(ctx, t.rtx, key, shelf)
}

func (t *txView) Copies(ctx context.Context, book warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	key := t.s.key(stockKey(book))
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	out, err := copies(ctx, t.rtx, key)
	if err != nil {
		return nil, err
	}
	for e, n := range t.stock {
		if e.book == book {
			out[e.shelf] = n
		}
	}
	return out, nil
}

func (t *txView) PlaceBookOnShelf(ctx context.Context, book warehouse.BookID, shelf warehouse.ShelfID, n int) error {
	if err := warehouse.ValidateCopies(n); err != nil {
		return err
	}
	t.stock[shelfEntry{book, shelf}] = n
	key := t.s.key(stockKey(book))
	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, string(shelf), n)
	})
	return nil
}

func (t *txView) CreateOrder(ctx context.Context, o warehouse.Order) error {
	doc, err := encodeBooks(o.Books)
	if err != nil {
		return err
	}
	delete(t.deleted, o.ID)
	t.created[o.ID] = o
	key, index := t.s.key(orderKey(o.ID)), t.s.key(ordersKey)
	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, doc, 0)
		pipe.SAdd(ctx, index, string(o.ID))
	})
	return nil
}

func (t *txView) GetOrder(ctx context.Context, id warehouse.OrderID) (warehouse.Order, error) {
	if o, ok := t.created[id]; ok {
		return o, nil
	}
	if t.deleted[id] {
		return warehouse.Order{}, warehouse.ErrOrderNotFound
	}
	key := t.s.key(orderKey(id))
	if err := t.watch(ctx, key); err != nil {
		return warehouse.Order{}, err
	}
	return getOrder(ctx, t.rtx, key, id)
}

func (t *txView) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	index := t.s.key(ordersKey)
	if err := t.watch(ctx, index); err != nil {
		return nil, err
	}
	stored, err := t.s.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]warehouse.Order, 0, len(stored)+len(t.created))
	for _, o := range stored {
		if _, replaced := t.created[o.ID]; replaced || t.deleted[o.ID] {
			continue
		}
		out = append(out, o)
	}
	for _, o := range t.created {
		out = append(out, o)
	}
	return out, nil
}

func (t *txView) DeleteOrder(ctx context.Context, id warehouse.OrderID) error {
	if _, err := t.GetOrder(ctx, id); err != nil {
		return err
	}
	delete(t.created, id)
	t.deleted[id] = true
	key, index := t.s.key(orderKey(id)), t.s.key(ordersKey)
	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, index, string(id))
	})
	return nil
}

func copiesOnShelf(ctx context.Context, c redis.Cmdable, key string, shelf warehouse.ShelfID) (int, error) {
	n, err := c.HGet(ctx, key, string(shelf)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func copies(ctx context.Context, c redis.Cmdable, key string) (map[warehouse.ShelfID]int, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[warehouse.ShelfID]int, len(fields))
	for shelf, v := range fields {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s field %s: %w", key, shelf, err)
		}
		out[warehouse.ShelfID(shelf)] = n
	}
	return out, nil
}

func getOrder(ctx context.Context, c redis.Cmdable, key string, id warehouse.OrderID) (warehouse.Order, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
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

func decodeBooks(raw string) (map[warehouse.BookID]int, error) {
	books := map[warehouse.BookID]int{}
	if err := json.Unmarshal([]byte(raw), &books); err != nil {
		return nil, fmt.Errorf("decode books: %w", err)
	}
	return books, nil
}
