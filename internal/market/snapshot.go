// Package market turns the ledger's listing pool into an allocation plan:
// it snapshots listings with their owners, drops stale ones, orders the rest
// the way the ledger's matcher does, allocates greedily and slices the
// result into batches.
package market

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
)

// DefaultOwnerReadConcurrency bounds in-flight registry reads per snapshot.
const DefaultOwnerReadConcurrency = 8

// Entry pairs a listing with the ownership fact read for its ticket. Owner
// is the zero fact for listings that were not purchasable when read, since
// no registry read is made for them.
type Entry struct {
	Listing model.Listing       `json:"listing"`
	Owner   model.OwnershipFact `json:"owner"`
}

// Snapshot is one read of a project option's listing pool.
type Snapshot struct {
	ProjectID uint64    `json:"project_id"`
	Option    uint32    `json:"option"`
	Entries   []Entry   `json:"entries"` // ascending listing id
	Dropped   []uint64  `json:"dropped"` // listings removed by read failures
	TakenAt   time.Time `json:"taken_at"`
}

// DuplicateTickets returns tickets offered by more than one purchasable
// listing, mapped to those listing ids in ascending order.
func (s *Snapshot) DuplicateTickets() map[uint64][]uint64 {
	byTicket := make(map[uint64][]uint64)
	for _, e := range s.Entries {
		if purchasable(e.Listing) {
			byTicket[e.Listing.TicketID] = append(byTicket[e.Listing.TicketID], e.Listing.ID)
		}
	}
	dups := make(map[uint64][]uint64)
	for ticket, ids := range byTicket {
		if len(ids) > 1 {
			dups[ticket] = ids
		}
	}
	return dups
}

// SnapshotReader reads listings and their ticket owners from the ledger.
type SnapshotReader struct {
	reader      ledger.Reader
	concurrency int
	now         func() time.Time
}

// NewSnapshotReader creates a reader. concurrency <= 0 takes the default.
func NewSnapshotReader(reader ledger.Reader, concurrency int) *SnapshotReader {
	if concurrency <= 0 {
		concurrency = DefaultOwnerReadConcurrency
	}
	return &SnapshotReader{reader: reader, concurrency: concurrency, now: time.Now}
}

// Read returns every listing of the project option paired with a fresh
// ownership fact. Only a failure to fetch the listing set itself is an
// error: a listing that fails to decode, or whose owner cannot be read, is
// logged and dropped while the rest of the snapshot proceeds.
func (r *SnapshotReader) Read(ctx context.Context, projectID uint64, option uint32) (*Snapshot, error) {
	records, err := r.reader.Listings(ctx, projectID, option)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{ProjectID: projectID, Option: option, TakenAt: r.now().UTC()}
	listings := make([]model.Listing, 0, len(records))
	for _, rec := range records {
		l, err := ledger.DecodeListing(rec, projectID, option)
		if err != nil {
			slog.Warn("dropping undecodable listing",
				"project_id", projectID,
				"option", option,
				"error", err,
			)
			metrics.ListingReadFailures.WithLabelValues("decode").Inc()
			if rec.ID != nil && rec.ID.IsUint64() {
				snap.Dropped = append(snap.Dropped, rec.ID.Uint64())
			}
			continue
		}
		listings = append(listings, l)
	}

	facts := make([]model.OwnershipFact, len(listings))
	failed := make([]error, len(listings))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, l := range listings {
		if !purchasable(l) {
			continue
		}
		g.Go(func() error {
			owner, err := r.reader.OwnerOf(ctx, l.TicketID)
			if err != nil {
				failed[i] = err
				return nil
			}
			facts[i] = model.OwnershipFact{TicketID: l.TicketID, Owner: owner, ReadAt: r.now().UTC()}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, l := range listings {
		if failed[i] != nil {
			slog.Warn("dropping listing with unreadable owner",
				"listing_id", l.ID,
				"ticket_id", l.TicketID,
				"error", failed[i],
			)
			metrics.ListingReadFailures.WithLabelValues("owner").Inc()
			snap.Dropped = append(snap.Dropped, l.ID)
			continue
		}
		snap.Entries = append(snap.Entries, Entry{Listing: l, Owner: facts[i]})
	}

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Listing.ID < snap.Entries[j].Listing.ID
	})
	sort.Slice(snap.Dropped, func(i, j int) bool { return snap.Dropped[i] < snap.Dropped[j] })

	if dups := snap.DuplicateTickets(); len(dups) > 0 {
		slog.Warn("tickets listed more than once",
			"project_id", projectID,
			"option", option,
			"tickets", len(dups),
		)
	}
	return snap, nil
}

func purchasable(l model.Listing) bool {
	return l.Active && l.Remaining > 0
}
