package market

import (
	"github.com/google/btree"

	"github.com/easybet/market-engine/internal/model"
)

// listingLess is the canonical order: unit price ascending, then listing id
// ascending. The ledger collects listings by id and then sorts them by
// price, so ties must fall back to id, never to seller or arrival order.
func listingLess(a, b model.Listing) bool {
	if c := a.UnitPrice.Cmp(b.UnitPrice); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Book holds validated listings in canonical order.
type Book struct {
	tree *btree.BTreeG[model.Listing]
}

// NewBook builds a book from validated listings. A listing id seen twice
// keeps its last occurrence only when the price is equal too; listing ids
// are unique on the ledger so this does not arise from a real snapshot.
func NewBook(listings []model.Listing) *Book {
	const degree = 32
	b := &Book{tree: btree.NewG[model.Listing](degree, listingLess)}
	for _, l := range listings {
		b.tree.ReplaceOrInsert(l)
	}
	return b
}

// Len returns the number of listings in the book.
func (b *Book) Len() int {
	return b.tree.Len()
}

// Ordered returns the listings in canonical order.
func (b *Book) Ordered() []model.Listing {
	out := make([]model.Listing, 0, b.tree.Len())
	b.tree.Ascend(func(l model.Listing) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Supply returns the total remaining units, saturating at the uint64 max.
func (b *Book) Supply() uint64 {
	var total uint64
	b.tree.Ascend(func(l model.Listing) bool {
		if total+l.Remaining < total {
			total = ^uint64(0)
			return false
		}
		total += l.Remaining
		return true
	})
	return total
}

// Order returns listings in canonical order.
func Order(listings []model.Listing) []model.Listing {
	return NewBook(listings).Ordered()
}
