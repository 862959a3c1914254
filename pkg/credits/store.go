package credits

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
//
// Mutations run inside WithTx. LockBalance must create the balance row when
// it does not exist yet and hold a row lock until the transaction ends, so
// concurrent mutations of the same (holder, key) pair serialize.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockBalance(ctx context.Context, holder HolderID, key CreditKey) (int64, error)
	SaveBalance(ctx context.Context, holder HolderID, key CreditKey, balance int64, updatedAt time.Time) error
	AppendEntry(ctx context.Context, entry EntryInput) error
	HasIdempotencyKey(ctx context.Context, key IdempotencyKey) (bool, error)
	GetBalance(ctx context.Context, holder HolderID, key CreditKey) (int64, error)
	ListBalances(ctx context.Context, holder HolderID) ([]BalanceSnapshot, error)
	ListEntries(ctx context.Context, holder HolderID, query HistoryQuery) ([]Entry, error)
	ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]HolderID, error)
	SeatSourceForHolder(ctx context.Context, holder HolderID) (string, bool, error)
	SumBySourceGroup(ctx context.Context, holder HolderID, sourceID string, sources []Source) (map[CreditKey]int64, error)
	CountEntriesBySourceSince(ctx context.Context, holder HolderID, key CreditKey, source Source, since time.Time) (int64, error)
}
