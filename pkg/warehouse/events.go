package warehouse

import (
	"context"
	"time"
)

// EventType names a change the service has committed.
type EventType string

const (
	EventOrderPlaced        EventType = "OrderPlaced"
	EventOrderFulfilled     EventType = "OrderFulfilled"
	EventBooksPlacedOnShelf EventType = "BooksPlacedOnShelf"
)

// Event describes a committed change. Only the fields relevant to Type are set.
type Event struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	OrderID    OrderID          `json:"orderId,omitempty"`
	Books      map[BookID]int   `json:"books,omitempty"`
	Lines      []FulfilmentLine `json:"lines,omitempty"`
	Book       BookID           `json:"book,omitempty"`
	Shelf      ShelfID          `json:"shelf,omitempty"`
	Added      int              `json:"added,omitempty"`
	Copies     int              `json:"copies,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// Key is the partitioning key used by publishers.
func (e Event) Key() string {
	if e.OrderID != "" {
		return string(e.OrderID)
	}
	return string(e.Book)
}

// Publisher delivers committed events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
