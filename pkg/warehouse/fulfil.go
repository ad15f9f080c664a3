package warehouse

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// stockKey addresses one shelf stock entry.
type stockKey struct {
	book  BookID
	shelf ShelfID
}

func compareStockKeys(a, b stockKey) int {
	if c := cmp.Compare(a.book, b.book); c != 0 {
		return c
	}
	return cmp.Compare(a.shelf, b.shelf)
}

// withdrawal is the number of copies a fulfilment takes from one shelf.
type withdrawal struct {
	stockKey
	copies int
}

func validateLines(lines []FulfilmentLine) error {
	for i, l := range lines {
		switch {
		case l.Book == "":
			return fmt.Errorf("%w: line %d: book id is required", ErrValidation, i)
		case l.Shelf == "":
			return fmt.Errorf("%w: line %d: shelf id is required", ErrValidation, i)
		case l.NumberOfBooks < 0:
			return fmt.Errorf("%w: line %d: number of books must not be negative, got %d", ErrValidation, i, l.NumberOfBooks)
		}
	}
	return nil
}

// planWithdrawals checks lines against the books o requires and returns
// what must be taken from each shelf, sorted by book then shelf. Lines
// naming the same book and shelf are summed; shelves left untouched are
// dropped.
func planWithdrawals(o Order, lines []FulfilmentLine) ([]withdrawal, error) {
	for _, l := range lines {
		if _, ok := o.Books[l.Book]; !ok {
			return nil, fmt.Errorf("%w: order %s does not require book %s", ErrUnknownBookInOrder, o.ID, l.Book)
		}
	}

	perBook := make(map[BookID]int, len(o.Books))
	perShelf := make(map[stockKey]int, len(lines))
	for _, l := range lines {
		perBook[l.Book] += l.NumberOfBooks
		perShelf[stockKey{book: l.Book, shelf: l.Shelf}] += l.NumberOfBooks
	}

	books := make([]BookID, 0, len(o.Books))
	for b := range o.Books {
		books = append(books, b)
	}
	slices.Sort(books)
	for _, b := range books {
		if got, want := perBook[b], o.Books[b]; got != want {
			return nil, fmt.Errorf("%w: order %s requires %d copies of book %s, lines provide %d",
				ErrQuantityMismatch, o.ID, want, b, got)
		}
	}

	plan := make([]withdrawal, 0, len(perShelf))
	for k, n := range perShelf {
		if n > 0 {
			plan = append(plan, withdrawal{stockKey: k, copies: n})
		}
	}
	slices.SortFunc(plan, func(a, b withdrawal) int { return compareStockKeys(a.stockKey, b.stockKey) })
	return plan, nil
}

// fulfil validates the whole fulfilment before its first write.
func fulfil(ctx context.Context, tx Tx, id OrderID, lines []FulfilmentLine) error {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return err
	}

	plan, err := planWithdrawals(o, lines)
	if err != nil {
		return err
	}

	remaining := make([]int, len(plan))
	for i, w := range plan {
		have, err := tx.CopiesOnShelf(ctx, w.book, w.shelf)
		if err != nil {
			return err
		}
		if have < w.copies {
			return fmt.Errorf("%w: shelf %s holds %d copies of book %s, %d requested",
				ErrInsufficientStock, w.shelf, have, w.book, w.copies)
		}
		remaining[i] = have - w.copies
	}

	if err := tx.DeleteOrder(ctx, id); err != nil {
		return err
	}
	for i, w := range plan {
		if err := tx.PlaceBookOnShelf(ctx, w.book, w.shelf, remaining[i]); err != nil {
			return err
		}
	}
	return nil
}
