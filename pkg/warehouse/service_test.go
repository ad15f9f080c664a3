package warehouse_test

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwarehouse/pkg/logger"
	"bookwarehouse/pkg/warehouse"
	"bookwarehouse/pkg/warehouse/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []warehouse.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e warehouse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []warehouse.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]warehouse.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newService(t *testing.T, opts ...warehouse.Option) (*warehouse.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return warehouse.NewService(store, opts...), store
}

func line(book warehouse.BookID, shelf warehouse.ShelfID, n int) warehouse.FulfilmentLine {
	return warehouse.FulfilmentLine{Book: book, Shelf: shelf, NumberOfBooks: n}
}

// snapshot captures everything fulfilment may touch.
type snapshot struct {
	orders []warehouse.Order
	stock  map[warehouse.BookID]map[warehouse.ShelfID]int
}

func takeSnapshot(t *testing.T, s *memory.Store, books ...warehouse.BookID) snapshot {
	t.Helper()
	ctx := context.Background()
	orders, err := s.ListOrders(ctx)
	require.NoError(t, err)
	slices.SortFunc(orders, func(a, b warehouse.Order) int { return cmp.Compare(a.ID, b.ID) })
	snap := snapshot{orders: orders, stock: map[warehouse.BookID]map[warehouse.ShelfID]int{}}
	for _, b := range books {
		copies, err := s.Copies(ctx, b)
		require.NoError(t, err)
		snap.stock[b] = copies
	}
	return snap
}

func TestScenarioA_BookInfoAfterPlacement(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 5))

	info, err := svc.BookInfo(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, map[warehouse.ShelfID]int{"A": 5}, info)
}

func TestScenarioB_PlaceOrderTalliesRepeats(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, warehouse.WithIDGenerator(func() warehouse.OrderID { return "o-1" }))

	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X", "X", "Y"})
	require.NoError(t, err)
	assert.Equal(t, warehouse.OrderID("o-1"), id)

	o, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[warehouse.BookID]int{"X": 2, "Y": 1}, o.Books)
}

func TestScenarioC_FulfilmentRemovesOrderAndStock(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 2))
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "Y", "A", 1))
	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X", "X", "Y"})
	require.NoError(t, err)

	require.NoError(t, svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{line("X", "A", 2), line("Y", "A", 1)}))

	_, err = store.GetOrder(ctx, id)
	assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
	for _, b := range []warehouse.BookID{"X", "Y"} {
		n, err := store.CopiesOnShelf(ctx, b, "A")
		require.NoError(t, err)
		assert.Equal(t, 0, n, "book %s", b)
	}

	info, err := svc.BookInfo(ctx, "X")
	require.NoError(t, err)
	assert.Empty(t, info)
	copies, err := store.Copies(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, map[warehouse.ShelfID]int{"A": 0}, copies, "emptied shelves keep their record")
}

func TestFulfilmentRejections(t *testing.T) {
	tests := []struct {
		name    string
		orderID warehouse.OrderID
		lines   []warehouse.FulfilmentLine
		wantErr error
	}{
		{
			name:    "scenario_D_lines_short_of_order",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 1), line("Y", "A", 1)},
			wantErr: warehouse.ErrQuantityMismatch,
		},
		{
			name:    "lines_exceed_order",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 2), line("X", "B", 1), line("Y", "A", 1)},
			wantErr: warehouse.ErrQuantityMismatch,
		},
		{
			name:    "book_of_order_missing_from_lines",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 2)},
			wantErr: warehouse.ErrQuantityMismatch,
		},
		{
			name:    "scenario_E_shelf_short_of_copies",
			lines:   []warehouse.FulfilmentLine{line("X", "B", 2), line("Y", "A", 1)},
			wantErr: warehouse.ErrInsufficientStock,
		},
		{
			name:    "scenario_F_unknown_order",
			orderID: "does-not-exist",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 2), line("Y", "A", 1)},
			wantErr: warehouse.ErrOrderNotFound,
		},
		{
			name:    "book_not_in_order",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 2), line("Y", "A", 1), line("Z", "A", 1)},
			wantErr: warehouse.ErrUnknownBookInOrder,
		},
		{
			name:    "unknown_book_wins_over_quantity_mismatch",
			lines:   []warehouse.FulfilmentLine{line("Z", "A", 1)},
			wantErr: warehouse.ErrUnknownBookInOrder,
		},
		{
			name:    "negative_line_quantity",
			lines:   []warehouse.FulfilmentLine{line("X", "A", 3), line("X", "B", -1), line("Y", "A", 1)},
			wantErr: warehouse.ErrValidation,
		},
		{
			name:    "missing_shelf",
			lines:   []warehouse.FulfilmentLine{line("X", "", 2), line("Y", "A", 1)},
			wantErr: warehouse.ErrValidation,
		},
		{
			name:    "repeated_pair_exceeding_shelf",
			lines:   []warehouse.FulfilmentLine{line("X", "B", 1), line("X", "B", 1), line("Y", "A", 1)},
			wantErr: warehouse.ErrInsufficientStock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, store := newService(t)
			require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 2))
			require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "B", 1))
			require.NoError(t, svc.PlaceBooksOnShelf(ctx, "Y", "A", 1))
			id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X", "X", "Y"})
			require.NoError(t, err)

			if tt.orderID != "" {
				id = tt.orderID
			}

			before := takeSnapshot(t, store, "X", "Y", "Z")
			err = svc.FulfilOrder(ctx, id, tt.lines)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, takeSnapshot(t, store, "X", "Y", "Z"))
		})
	}
}

func TestScenarioE_InsufficientStockMessage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 2))
	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X", "X", "X"})
	require.NoError(t, err)

	err = svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{line("X", "A", 3)})
	require.ErrorIs(t, err, warehouse.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "shelf A holds 2 copies of book X, 3 requested")
}

func TestFulfilmentSplitsAcrossShelvesAndRepeatedLines(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 2))
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "B", 5))
	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X", "X", "X", "X"})
	require.NoError(t, err)

	err = svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{
		line("X", "A", 1), line("X", "B", 2), line("X", "A", 1), line("X", "C", 0),
	})
	require.NoError(t, err)

	copies, err := store.Copies(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, map[warehouse.ShelfID]int{"A": 0, "B": 3}, copies)
}

func TestFulfilmentIsConsumedOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 10))
	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{line("X", "A", 1)})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
	}
	assert.Equal(t, 1, succeeded)
	n, err := store.CopiesOnShelf(ctx, "X", "A")
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestEmptyOrderIsAcceptedAndFulfilledWithoutLines(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	id, err := svc.PlaceOrder(ctx, nil)
	require.NoError(t, err)
	o, err := store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, o.Books)

	require.NoError(t, svc.FulfilOrder(ctx, id, nil))
	_, err = store.GetOrder(ctx, id)
	assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
}

func TestPlaceOrderRejectsEmptyBookID(t *testing.T) {
	svc, store := newService(t)

	_, err := svc.PlaceOrder(context.Background(), []warehouse.BookID{"X", ""})
	assert.ErrorIs(t, err, warehouse.ErrValidation)

	orders, err := store.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlacementIsAdditive(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	require.NoError(t, store.PlaceBookOnShelf(ctx, "X", "A", 4))

	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 3))
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 0))
	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 5))

	n, err := store.CopiesOnShelf(ctx, "X", "A")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestPlacementRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		book   warehouse.BookID
		shelf  warehouse.ShelfID
		number int
	}{
		{name: "negative_number", book: "X", shelf: "A", number: -1},
		{name: "missing_book", shelf: "A", number: 1},
		{name: "missing_shelf", book: "X", number: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newService(t)
			err := svc.PlaceBooksOnShelf(context.Background(), tt.book, tt.shelf, tt.number)
			assert.ErrorIs(t, err, warehouse.ErrValidation)

			copies, err := store.Copies(context.Background(), tt.book)
			require.NoError(t, err)
			assert.Empty(t, copies)
		})
	}
}

func TestConcurrentPlacementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 2))
		}()
	}
	wg.Wait()

	n, err := store.CopiesOnShelf(ctx, "X", "A")
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

// TestConservationAndNonNegativity replays random placements and
// fulfilment attempts and checks that copies are neither created nor lost.
func TestConservationAndNonNegativity(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	books := []warehouse.BookID{"X", "Y", "Z"}
	shelves := []warehouse.ShelfID{"A", "B"}

	svc, store := newService(t)
	placed, shipped := 0, 0

	for step := 0; step < 300; step++ {
		switch rng.Intn(3) {
		case 0:
			n := rng.Intn(4)
			require.NoError(t, svc.PlaceBooksOnShelf(ctx, books[rng.Intn(3)], shelves[rng.Intn(2)], n))
			placed += n
		case 1:
			var requested []warehouse.BookID
			for i, n := 0, rng.Intn(4); i < n; i++ {
				requested = append(requested, books[rng.Intn(3)])
			}
			_, err := svc.PlaceOrder(ctx, requested)
			require.NoError(t, err)
		case 2:
			orders, err := svc.ListOrders(ctx)
			require.NoError(t, err)
			if len(orders) == 0 {
				continue
			}
			o := orders[rng.Intn(len(orders))]
			var lines []warehouse.FulfilmentLine
			want := 0
			for b, q := range o.Books {
				want += q
				// sometimes propose a wrong amount
				if rng.Intn(5) == 0 {
					q += rng.Intn(3) - 1
				}
				for q > 0 {
					take := 1 + rng.Intn(q)
					lines = append(lines, line(b, shelves[rng.Intn(2)], take))
					q -= take
				}
			}
			before := takeSnapshot(t, store, books...)
			err = svc.FulfilOrder(ctx, o.ID, lines)
			if err == nil {
				shipped += want
				continue
			}
			require.True(t,
				errors.Is(err, warehouse.ErrInsufficientStock) || errors.Is(err, warehouse.ErrQuantityMismatch),
				"step %d: unexpected error %v", step, err)
			require.Equal(t, before, takeSnapshot(t, store, books...), "step %d: failed fulfilment mutated state", step)
		}

		onShelves := 0
		for _, b := range books {
			copies, err := store.Copies(ctx, b)
			require.NoError(t, err)
			for shelf, n := range copies {
				require.GreaterOrEqual(t, n, 0, "step %d: %s on %s", step, b, shelf)
				onShelves += n
			}
		}
		require.Equal(t, placed-shipped, onShelves, "step %d", step)
	}
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	orders, err := svc.ListOrders(ctx)
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)

	a, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X"})
	require.NoError(t, err)
	b, err := svc.PlaceOrder(ctx, []warehouse.BookID{"Y", "Y"})
	require.NoError(t, err)

	orders, err = svc.ListOrders(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []warehouse.Order{
		{ID: a, Books: map[warehouse.BookID]int{"X": 1}},
		{ID: b, Books: map[warehouse.BookID]int{"Y": 2}},
	}, orders)
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc, _ := newService(t, warehouse.WithPublisher(pub))

	require.NoError(t, svc.PlaceBooksOnShelf(ctx, "X", "A", 1))
	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X"})
	require.NoError(t, err)
	assert.Error(t, svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{line("X", "A", 2)}))
	require.NoError(t, svc.FulfilOrder(ctx, id, []warehouse.FulfilmentLine{line("X", "A", 1)}))

	assert.Equal(t, []warehouse.EventType{
		warehouse.EventBooksPlacedOnShelf,
		warehouse.EventOrderPlaced,
		warehouse.EventOrderFulfilled,
	}, pub.types())

	placed := pub.events[0]
	assert.Equal(t, warehouse.BookID("X"), placed.Book)
	assert.Equal(t, 1, placed.Copies)
	assert.NotEmpty(t, placed.ID)
	assert.False(t, placed.OccurredAt.IsZero())
	assert.Equal(t, id, pub.events[2].OrderID)
}

func TestPublishFailureDoesNotFailTheOperation(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc, store := newService(t,
		warehouse.WithPublisher(pub),
		warehouse.WithLogger(logger.New(&buf, logger.LevelInfo, "test", nil)),
	)

	id, err := svc.PlaceOrder(ctx, []warehouse.BookID{"X"})
	require.NoError(t, err)
	_, err = store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "broker down")
}

// failingStore fails the named operation with a transport error.
type failingStore struct {
	*memory.Store
	failOn string
}

var errTransport = errors.New("connection reset")

func (f failingStore) fail(op string) error {
	if f.failOn == op {
		return fmt.Errorf("%s: %w", op, errTransport)
	}
	return nil
}

func (f failingStore) Copies(ctx context.Context, b warehouse.BookID) (map[warehouse.ShelfID]int, error) {
	if err := f.fail("copies"); err != nil {
		return nil, err
	}
	return f.Store.Copies(ctx, b)
}

func (f failingStore) CreateOrder(ctx context.Context, o warehouse.Order) error {
	if err := f.fail("create"); err != nil {
		return err
	}
	return f.Store.CreateOrder(ctx, o)
}

func (f failingStore) ListOrders(ctx context.Context) ([]warehouse.Order, error) {
	if err := f.fail("list"); err != nil {
		return nil, err
	}
	return f.Store.ListOrders(ctx)
}

func (f failingStore) WithinTx(ctx context.Context, fn func(context.Context, warehouse.Tx) error) error {
	if err := f.fail("tx"); err != nil {
		return err
	}
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
		return fn(ctx, failingTx{Tx: tx, f: f})
	})
}

type failingTx struct {
	warehouse.Tx
	f failingStore
}

func (t failingTx) PlaceBookOnShelf(ctx context.Context, b warehouse.BookID, s warehouse.ShelfID, n int) error {
	if err := t.f.fail("tx.place"); err != nil {
		return err
	}
	return t.Tx.PlaceBookOnShelf(ctx, b, s, n)
}

func TestStoreFailuresSurfaceAsServerErrors(t *testing.T) {
	ctx := context.Background()

	for _, op := range []string{"copies", "create", "list", "tx", "tx.place"} {
		t.Run(op, func(t *testing.T) {
			base := memory.New()
			require.NoError(t, base.PlaceBookOnShelf(ctx, "X", "A", 3))
			require.NoError(t, base.CreateOrder(ctx, warehouse.Order{ID: "o-1", Books: map[warehouse.BookID]int{"X": 1}}))
			svc := warehouse.NewService(failingStore{Store: base, failOn: op})

			var err error
			switch op {
			case "copies":
				_, err = svc.BookInfo(ctx, "X")
			case "create":
				_, err = svc.PlaceOrder(ctx, []warehouse.BookID{"X"})
			case "list":
				_, err = svc.ListOrders(ctx)
			default:
				err = svc.FulfilOrder(ctx, "o-1", []warehouse.FulfilmentLine{line("X", "A", 1)})
			}

			assert.ErrorIs(t, err, warehouse.ErrServer)
			assert.ErrorIs(t, err, errTransport)

			// a unit of work that failed mid-commit left nothing behind
			_, getErr := base.GetOrder(ctx, "o-1")
			assert.NoError(t, getErr)
			n, _ := base.CopiesOnShelf(ctx, "X", "A")
			assert.Equal(t, 3, n)
		})
	}
}
