package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bookwarehouse/pkg/logger"
	"bookwarehouse/pkg/otel"
)

// Service coordinates the shelf and order stores. It is the only writer of
// both.
type Service struct {
	store     Store
	publisher Publisher
	log       *logger.Logger
	newID     func() OrderID
	now       func() time.Time
	retryOpts []RetryOption
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher sets where committed events are sent. A nil p keeps events
// unpublished.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithIDGenerator replaces the uuid order id generator.
func WithIDGenerator(fn func() OrderID) Option {
	return func(s *Service) { s.newID = fn }
}

// WithRetryOptions tunes the retry of units of work that hit ErrConflict.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(s *Service) { s.retryOpts = opts }
}

// NewService returns a Service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: nopPublisher{},
		log:       logger.Nop(),
		newID:     func() OrderID { return OrderID(uuid.NewString()) },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that the store answers.
func (s *Service) Ping(ctx context.Context) error {
	p, ok := s.store.(Pinger)
	if !ok {
		return nil
	}
	return storeError(p.Ping(ctx))
}

// BookInfo returns the shelves holding at least one copy of book.
func (s *Service) BookInfo(ctx context.Context, book BookID) (map[ShelfID]int, error) {
	ctx, span := otel.AddSpan(ctx, "warehouse.BookInfo", attribute.String("book.id", string(book)))
	defer span.End()

	if book == "" {
		return nil, fmt.Errorf("%w: book id is required", ErrValidation)
	}

	copies, err := s.store.Copies(ctx, book)
	if err != nil {
		return nil, storeError(err)
	}

	out := make(map[ShelfID]int, len(copies))
	for shelf, n := range copies {
		if n > 0 {
			out[shelf] = n
		}
	}
	return out, nil
}

// PlaceBooksOnShelf adds number copies of book to shelf.
func (s *Service) PlaceBooksOnShelf(ctx context.Context, book BookID, shelf ShelfID, number int) error {
	ctx, span := otel.AddSpan(ctx, "warehouse.PlaceBooksOnShelf",
		attribute.String("book.id", string(book)),
		attribute.String("shelf.id", string(shelf)),
		attribute.Int("books.added", number),
	)
	defer span.End()

	switch {
	case book == "":
		return fmt.Errorf("%w: book id is required", ErrValidation)
	case shelf == "":
		return fmt.Errorf("%w: shelf id is required", ErrValidation)
	case number < 0:
		return fmt.Errorf("%w: number of books must not be negative, got %d", ErrValidation, number)
	}

	var total int
	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			current, err := tx.CopiesOnShelf(ctx, book, shelf)
			if err != nil {
				return err
			}
			total = current + number
			return tx.PlaceBookOnShelf(ctx, book, shelf, total)
		})
	}, s.retryOpts...)
	if err != nil {
		err = storeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error(ctx, "place books on shelf", "book", book, "shelf", shelf, "error", err)
		return err
	}

	s.log.Info(ctx, "books placed on shelf", "book", book, "shelf", shelf, "added", number, "copies", total)
	s.publish(ctx, Event{Type: EventBooksPlacedOnShelf, Book: book, Shelf: shelf, Added: number, Copies: total})
	return nil
}

// PlaceOrder records an order for books, one copy per occurrence. Stock is
// not checked until the order is fulfilled.
func (s *Service) PlaceOrder(ctx context.Context, books []BookID) (OrderID, error) {
	ctx, span := otel.AddSpan(ctx, "warehouse.PlaceOrder", attribute.Int("books.requested", len(books)))
	defer span.End()

	tally := make(map[BookID]int, len(books))
	for _, b := range books {
		if b == "" {
			return "", fmt.Errorf("%w: book id is required", ErrValidation)
		}
		tally[b]++
	}

	o := Order{ID: s.newID(), Books: tally}
	span.SetAttributes(attribute.String("order.id", string(o.ID)))

	if err := s.store.CreateOrder(ctx, o); err != nil {
		err = storeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error(ctx, "create order", "error", err)
		return "", err
	}

	s.log.Info(ctx, "order placed", "order_id", o.ID, "books", len(books))
	s.publish(ctx, Event{Type: EventOrderPlaced, OrderID: o.ID, Books: o.Books})
	return o.ID, nil
}

// ListOrders returns every pending order.
func (s *Service) ListOrders(ctx context.Context) ([]Order, error) {
	ctx, span := otel.AddSpan(ctx, "warehouse.ListOrders")
	defer span.End()

	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

// FulfilOrder takes the books of order id from the shelves named by lines
// and removes the order. Either the whole order is fulfilled or nothing
// changes.
func (s *Service) FulfilOrder(ctx context.Context, id OrderID, lines []FulfilmentLine) error {
	ctx, span := otel.AddSpan(ctx, "warehouse.FulfilOrder",
		attribute.String("order.id", string(id)),
		attribute.Int("fulfilment.lines", len(lines)),
	)
	defer span.End()

	err := validateLines(lines)
	if err == nil {
		err = RetryOnConflict(ctx, func(ctx context.Context) error {
			return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				return fulfil(ctx, tx, id, lines)
			})
		}, s.retryOpts...)
	}
	if err != nil {
		err = storeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrServer) {
			s.log.Error(ctx, "fulfil order", "order_id", id, "error", err)
		} else {
			s.log.Warn(ctx, "fulfilment rejected", "order_id", id, "error", err)
		}
		return err
	}

	s.log.Info(ctx, "order fulfilled", "order_id", id, "lines", len(lines))
	s.publish(ctx, Event{Type: EventOrderFulfilled, OrderID: id, Lines: lines})
	return nil
}

// publish never fails the caller: the change it reports is already committed.
func (s *Service) publish(ctx context.Context, e Event) {
	e.ID = uuid.NewString()
	e.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Error(ctx, "publish event", "type", e.Type, "event_id", e.ID, "error", err)
	}
}

// storeError passes domain errors through and wraps anything else as ErrServer.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrValidation,
		ErrOrderNotFound,
		ErrUnknownBookInOrder,
		ErrQuantityMismatch,
		ErrInsufficientStock,
		ErrConflict,
		ErrServer,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrServer, err)
}
