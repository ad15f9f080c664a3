// Package warehouse tracks book copies across shelves and turns pending
// orders into shelf withdrawals without ever losing or double counting a copy.
package warehouse

import (
	"context"
	"errors"
	"fmt"
)

// BookID identifies a catalog entry.
type BookID string

// ShelfID names a physical storage location.
type ShelfID string

// OrderID identifies a pending order.
type OrderID string

// Order is a pending request for copies of books.
type Order struct {
	ID    OrderID        `json:"orderId"`
	Books map[BookID]int `json:"books"`
}

// FulfilmentLine proposes taking NumberOfBooks copies of Book from Shelf.
type FulfilmentLine struct {
	Book          BookID  `json:"book"`
	Shelf         ShelfID `json:"shelf"`
	NumberOfBooks int     `json:"numberOfBooks"`
}

// ShelfStore holds per book, per shelf copy counters.
type ShelfStore interface {
	// CopiesOnShelf returns 0 when no record exists.
	CopiesOnShelf(ctx context.Context, book BookID, shelf ShelfID) (int, error)
	// Copies returns every shelf record for book, zero counts included.
	Copies(ctx context.Context, book BookID) (map[ShelfID]int, error)
	// PlaceBookOnShelf sets the absolute count for book on shelf.
	PlaceBookOnShelf(ctx context.Context, book BookID, shelf ShelfID, copies int) error
}

// OrderStore holds pending orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o Order) error
	// GetOrder returns ErrOrderNotFound when id is unknown.
	GetOrder(ctx context.Context, id OrderID) (Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	// DeleteOrder returns ErrOrderNotFound when id is unknown.
	DeleteOrder(ctx context.Context, id OrderID) error
}

// Tx is the view of a store inside a unit of work.
type Tx interface {
	ShelfStore
	OrderStore
}

// Store is a shelf and order store able to run a unit of work. Writes made
// through the Tx handed to fn are applied together if fn returns nil and not
// at all otherwise. Implementations return ErrConflict when a concurrent
// writer invalidated what fn read.
type Store interface {
	Tx
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

var (
	// ErrValidation indicates malformed input, such as a negative count.
	ErrValidation = errors.New("validation error")

	// ErrOrderNotFound indicates the requested order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnknownBookInOrder indicates a fulfilment line names a book the order does not require.
	ErrUnknownBookInOrder = errors.New("book not in order")

	// ErrQuantityMismatch indicates the fulfilment lines do not add up to the order.
	ErrQuantityMismatch = errors.New("quantity mismatch")

	// ErrInsufficientStock indicates a shelf would go negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict indicates a concurrent write invalidated a unit of work.
	ErrConflict = errors.New("concurrent modification")

	// ErrServer wraps failures of the underlying store.
	ErrServer = errors.New("server error")
)

// ValidateCopies rejects negative shelf counts. Stores call it before writing.
func ValidateCopies(copies int) error {
	if copies < 0 {
		return fmt.Errorf("%w: number of copies must not be negative, got %d", ErrValidation, copies)
	}
	return nil
}
