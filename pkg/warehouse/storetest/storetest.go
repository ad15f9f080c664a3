// Package storetest holds the behaviour every warehouse.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwarehouse/pkg/warehouse"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) warehouse.Store

var errAbort = errors.New("abort unit of work")

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("missing_shelf_record_reads_zero", func(t *testing.T) {
		s := newStore(t)
		n, err := s.CopiesOnShelf(context.Background(), "X", "A")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		copies, err := s.Copies(context.Background(), "X")
		require.NoError(t, err)
		assert.Empty(t, copies)
	})

	t.Run("place_book_on_shelf_overwrites_count", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "A", 5))
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "A", 2))
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "B", 0))
		require.NoError(t, s.PlaceBookOnShelf(ctx, "Y", "A", 7))

		n, err := s.CopiesOnShelf(ctx, "X", "A")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		copies, err := s.Copies(ctx, "X")
		require.NoError(t, err)
		assert.Equal(t, map[warehouse.ShelfID]int{"A": 2, "B": 0}, copies)
	})

	t.Run("negative_count_is_rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "A", 3))

		err := s.PlaceBookOnShelf(ctx, "X", "A", -1)
		assert.ErrorIs(t, err, warehouse.ErrValidation)

		n, err := s.CopiesOnShelf(ctx, "X", "A")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("order_lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		o := warehouse.Order{ID: "o-1", Books: map[warehouse.BookID]int{"X": 2, "Y": 1}}
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.CreateOrder(ctx, warehouse.Order{ID: "o-2", Books: map[warehouse.BookID]int{}}))

		got, err := s.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, o, got)

		empty, err := s.GetOrder(ctx, "o-2")
		require.NoError(t, err)
		assert.Empty(t, empty.Books)

		list, err := s.ListOrders(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []warehouse.OrderID{"o-1", "o-2"}, orderIDs(list))

		require.NoError(t, s.DeleteOrder(ctx, "o-1"))
		_, err = s.GetOrder(ctx, "o-1")
		assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
		assert.ErrorIs(t, s.DeleteOrder(ctx, "o-1"), warehouse.ErrOrderNotFound)

		list, err = s.ListOrders(ctx)
		require.NoError(t, err)
		assert.Equal(t, []warehouse.OrderID{"o-2"}, orderIDs(list))
	})

	t.Run("unknown_order", func(t *testing.T) {
		_, err := newStore(t).GetOrder(context.Background(), "nope")
		assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
	})

	t.Run("unit_of_work_commits_all_writes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateOrder(ctx, warehouse.Order{ID: "o-1", Books: map[warehouse.BookID]int{"X": 1}}))
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "A", 4))

		err := s.WithinTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			n, err := tx.CopiesOnShelf(ctx, "X", "A")
			if err != nil {
				return err
			}
			if err := tx.PlaceBookOnShelf(ctx, "X", "A", n-1); err != nil {
				return err
			}
			if err := tx.PlaceBookOnShelf(ctx, "X", "B", 9); err != nil {
				return err
			}
			return tx.DeleteOrder(ctx, "o-1")
		})
		require.NoError(t, err)

		copies, err := s.Copies(ctx, "X")
		require.NoError(t, err)
		assert.Equal(t, map[warehouse.ShelfID]int{"A": 3, "B": 9}, copies)
		_, err = s.GetOrder(ctx, "o-1")
		assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
	})

	t.Run("unit_of_work_reads_its_own_writes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		err := s.WithinTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			if err := tx.PlaceBookOnShelf(ctx, "X", "A", 2); err != nil {
				return err
			}
			n, err := tx.CopiesOnShelf(ctx, "X", "A")
			if err != nil {
				return err
			}
			assert.Equal(t, 2, n)
			copies, err := tx.Copies(ctx, "X")
			if err != nil {
				return err
			}
			assert.Equal(t, map[warehouse.ShelfID]int{"A": 2}, copies)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed_unit_of_work_changes_nothing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		o := warehouse.Order{ID: "o-1", Books: map[warehouse.BookID]int{"X": 1}}
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.PlaceBookOnShelf(ctx, "X", "A", 4))

		err := s.WithinTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			if err := tx.DeleteOrder(ctx, "o-1"); err != nil {
				return err
			}
			if err := tx.PlaceBookOnShelf(ctx, "X", "A", 0); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		got, err := s.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, o, got)
		n, err := s.CopiesOnShelf(ctx, "X", "A")
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("unit_of_work_sees_missing_order", func(t *testing.T) {
		err := newStore(t).WithinTx(context.Background(), func(ctx context.Context, tx warehouse.Tx) error {
			_, err := tx.GetOrder(ctx, "nope")
			return err
		})
		assert.ErrorIs(t, err, warehouse.ErrOrderNotFound)
	})
}

func orderIDs(orders []warehouse.Order) []warehouse.OrderID {
	ids := make([]warehouse.OrderID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
