package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

const (
	holderIDValue    = "user-1"
	creditKeyValue   = "email_credits"
	subscriptionID   = "sub_123"
	idempotencyValue = "idem-1"
	metadataValue    = "{\"reason\":\"test\"}"
)

var fixedNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

func TestGrantIncreasesBalanceAndAppendsEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	amount := mustAmount(test, 100)

	balance, err := service.Grant(context.Background(), holder, key, amount, mustDetails(test, SourceSubscription))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected balance 100, got %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Type != TransactionGrant {
		test.Fatalf("expected grant entry, got %s", entry.Type)
	}
	if entry.Amount != 100 || entry.BalanceAfter != 100 {
		test.Fatalf("unexpected entry amounts: %+v", entry)
	}
	if entry.CreatedAt != fixedNow {
		test.Fatalf("expected entry stamped with injected clock, got %v", entry.CreatedAt)
	}
}

func TestGrantKeepsKeysIndependent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	emailKey := mustCreditKey(test, creditKeyValue)
	smsKey := mustCreditKey(test, "sms_credits")

	if _, err := service.Grant(context.Background(), holder, emailKey, mustAmount(test, 10), mustDetails(test, SourceSubscription)); err != nil {
		test.Fatalf("grant email: %v", err)
	}
	if _, err := service.Grant(context.Background(), holder, smsKey, mustAmount(test, 25), mustDetails(test, SourceSubscription)); err != nil {
		test.Fatalf("grant sms: %v", err)
	}

	emailBalance, err := service.Balance(context.Background(), holder, emailKey)
	if err != nil {
		test.Fatalf("balance email: %v", err)
	}
	smsBalance, err := service.Balance(context.Background(), holder, smsKey)
	if err != nil {
		test.Fatalf("balance sms: %v", err)
	}
	if emailBalance != 10 || smsBalance != 25 {
		test.Fatalf("expected 10/25, got %d/%d", emailBalance, smsBalance)
	}
}

func TestConsumeDeductsWhenBalanceCovers(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 100)

	result, err := service.Consume(context.Background(), holder, key, mustAmount(test, 40), mustDetails(test, SourceUsage))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !result.Consumed {
		test.Fatalf("expected consume to succeed")
	}
	if result.Balance != 60 {
		test.Fatalf("expected balance 60, got %d", result.Balance)
	}
	entry := store.entries[len(store.entries)-1]
	if entry.Type != TransactionConsume || entry.Amount != -40 || entry.BalanceAfter != 60 {
		test.Fatalf("unexpected consume entry: %+v", entry)
	}
}

func TestConsumeInsufficientBalanceLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 30)
	entriesBefore := len(store.entries)

	result, err := service.Consume(context.Background(), holder, key, mustAmount(test, 50), mustDetails(test, SourceUsage))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.Consumed {
		test.Fatalf("expected consume to refuse")
	}
	if result.Balance != 30 {
		test.Fatalf("expected untouched balance 30, got %d", result.Balance)
	}
	if len(store.entries) != entriesBefore {
		test.Fatalf("expected no new ledger entries, got %d", len(store.entries)-entriesBefore)
	}
}

func TestConsumeExactBalanceReachesZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 50)

	result, err := service.Consume(context.Background(), holder, key, mustAmount(test, 50), mustDetails(test, SourceUsage))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !result.Consumed || result.Balance != 0 {
		test.Fatalf("expected consume to zero, got %+v", result)
	}
}

func TestConsumeSequenceHonorsBalanceFloor(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 100)
	amount := mustAmount(test, 7)

	successes := 0
	for {
		result, err := service.Consume(context.Background(), holder, key, amount, mustDetails(test, SourceUsage))
		if err != nil {
			test.Fatalf("consume: %v", err)
		}
		if !result.Consumed {
			break
		}
		successes++
		if successes > 100 {
			test.Fatalf("consume never refused")
		}
	}
	if successes != 14 {
		test.Fatalf("expected 14 successful consumes, got %d", successes)
	}
	balance, err := service.Balance(context.Background(), holder, key)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 2 {
		test.Fatalf("expected remainder 2, got %d", balance)
	}
}

func TestRevokeClampsToCurrentBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 30)

	revoked, err := service.Revoke(context.Background(), holder, key, mustAmount(test, 100), mustDetails(test, SourceSubscription))
	if err != nil {
		test.Fatalf("revoke: %v", err)
	}
	if revoked != 30 {
		test.Fatalf("expected 30 revoked, got %d", revoked)
	}
	balance, err := service.Balance(context.Background(), holder, key)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestRevokeWritesEntryEvenWhenNothingRemoved(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)

	revoked, err := service.Revoke(context.Background(), holder, key, mustAmount(test, 10), mustDetails(test, SourceSeatRevoke))
	if err != nil {
		test.Fatalf("revoke: %v", err)
	}
	if revoked != 0 {
		test.Fatalf("expected 0 revoked, got %d", revoked)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected the zero revoke to be recorded, got %d entries", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Type != TransactionRevoke || entry.Amount != 0 || entry.Source != SourceSeatRevoke {
		test.Fatalf("unexpected revoke entry: %+v", entry)
	}
}

func TestGrantThenRevokeRestoresOriginalBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 55)

	if _, err := service.Grant(context.Background(), holder, key, mustAmount(test, 17), mustDetails(test, SourceTopUp)); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := service.Revoke(context.Background(), holder, key, mustAmount(test, 17), mustDetails(test, SourceAdmin)); err != nil {
		test.Fatalf("revoke: %v", err)
	}
	balance, err := service.Balance(context.Background(), holder, key)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 55 {
		test.Fatalf("expected original balance 55, got %d", balance)
	}
}

func TestSetBalanceRecordsAdjustmentDelta(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 120)

	adjustment, err := service.SetBalance(context.Background(), holder, key, 100, mustDetails(test, SourceSubscriptionRenewal))
	if err != nil {
		test.Fatalf("set balance: %v", err)
	}
	if adjustment != -20 {
		test.Fatalf("expected adjustment -20, got %d", adjustment)
	}
	entry := store.entries[len(store.entries)-1]
	if entry.Type != TransactionAdjust || entry.Amount != -20 || entry.BalanceAfter != 100 {
		test.Fatalf("unexpected adjust entry: %+v", entry)
	}
}

func TestSetBalanceRejectsNegativeTarget(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)

	_, err := service.SetBalance(context.Background(), holder, key, -5, mustDetails(test, SourceAdmin))
	if !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestIdempotentMutationAppliesExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	details := mustDetails(test, SourceTopUp)
	details.IdempotencyKey = mustIdempotencyKey(test, idempotencyValue)

	if _, err := service.Grant(context.Background(), holder, key, mustAmount(test, 100), details); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	_, err := service.Grant(context.Background(), holder, key, mustAmount(test, 100), details)
	if !errors.Is(err, ErrIdempotencyConflict) {
		test.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	balance, err := service.Balance(context.Background(), holder, key)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		test.Fatalf("expected single application, got balance %d", balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
}

func TestMutationsRequireKnownSource(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)

	_, err := service.Grant(context.Background(), holder, key, mustAmount(test, 10), MutationDetails{Source: Source("mystery")})
	if !errors.Is(err, ErrInvalidSource) {
		test.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestRevokeAllRemovesEntireBalanceOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 80)

	revoked, err := service.RevokeAll(context.Background(), holder, key, mustDetails(test, SourceSubscription))
	if err != nil {
		test.Fatalf("revoke all: %v", err)
	}
	if revoked != 80 {
		test.Fatalf("expected 80 revoked, got %d", revoked)
	}
	entriesAfterFirst := len(store.entries)

	revoked, err = service.RevokeAll(context.Background(), holder, key, mustDetails(test, SourceSubscription))
	if err != nil {
		test.Fatalf("second revoke all: %v", err)
	}
	if revoked != 0 {
		test.Fatalf("expected nothing left to revoke, got %d", revoked)
	}
	if len(store.entries) != entriesAfterFirst {
		test.Fatalf("expected empty balance to leave no entry")
	}
}

func TestRevokeAllForHolderSweepsEveryPositiveKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	emailKey := mustCreditKey(test, creditKeyValue)
	walletKey := WalletKey
	mustGrant(test, service, holder, emailKey, 40)
	mustGrant(test, service, holder, walletKey, 5000)

	details := mustDetails(test, SourceSubscription)
	details.IdempotencyKey = mustIdempotencyKey(test, "sub_cancelled_sub_123_user-1")

	revoked, err := service.RevokeAllForHolder(context.Background(), holder, details)
	if err != nil {
		test.Fatalf("revoke all for holder: %v", err)
	}
	if revoked[emailKey] != 40 || revoked[walletKey] != 5000 {
		test.Fatalf("unexpected revocations: %+v", revoked)
	}
	snapshots, err := service.Balances(context.Background(), holder)
	if err != nil {
		test.Fatalf("balances: %v", err)
	}
	for _, snapshot := range snapshots {
		if snapshot.Balance != 0 {
			test.Fatalf("expected all balances zeroed, got %+v", snapshot)
		}
	}

	seen := make(map[string]struct{})
	for _, entry := range store.entries {
		if entry.Type != TransactionRevoke {
			continue
		}
		if entry.IdempotencyKey.IsZero() {
			test.Fatalf("expected derived idempotency key on revoke entry")
		}
		seen[entry.IdempotencyKey.String()] = struct{}{}
	}
	if len(seen) != 2 {
		test.Fatalf("expected distinct per-key idempotency keys, got %v", seen)
	}
}

func TestHasCreditsComparesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)
	mustGrant(test, service, holder, key, 10)

	enough, err := service.HasCredits(context.Background(), holder, key, mustAmount(test, 10))
	if err != nil {
		test.Fatalf("has credits: %v", err)
	}
	if !enough {
		test.Fatalf("expected exact balance to qualify")
	}
	enough, err = service.HasCredits(context.Background(), holder, key, mustAmount(test, 11))
	if err != nil {
		test.Fatalf("has credits: %v", err)
	}
	if enough {
		test.Fatalf("expected 11 to exceed balance 10")
	}
}

func TestBalanceDefaultsToZeroForUnknownHolder(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, "never-seen")
	key := mustCreditKey(test, creditKeyValue)

	balance, err := service.Balance(context.Background(), holder, key)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected 0 for unknown holder, got %d", balance)
	}
}

func TestHistoryPaginatesWithCursor(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.listEntries = []Entry{
		{ID: 9, HolderID: holderIDValue, Key: creditKeyValue, Amount: 10},
		{ID: 7, HolderID: holderIDValue, Key: creditKeyValue, Amount: -3},
	}
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)

	page, err := service.History(context.Background(), holder, HistoryQuery{Limit: 2})
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(page.Entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(page.Entries))
	}
	if page.NextBeforeID != 7 {
		test.Fatalf("expected cursor 7, got %d", page.NextBeforeID)
	}

	store.listEntries = store.listEntries[:1]
	page, err = service.History(context.Background(), holder, HistoryQuery{Limit: 2})
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if page.NextBeforeID != 0 {
		test.Fatalf("expected exhausted cursor, got %d", page.NextBeforeID)
	}
}

func TestHistoryNormalizesLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	holder := mustHolderID(test, holderIDValue)

	if _, err := service.History(context.Background(), holder, HistoryQuery{Limit: 0}); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != defaultHistoryLimit {
		test.Fatalf("expected default limit %d, got %d", defaultHistoryLimit, store.lastListLimit)
	}
	if _, err := service.History(context.Background(), holder, HistoryQuery{Limit: 10_000}); err != nil {
		test.Fatalf("history: %v", err)
	}
	if store.lastListLimit != maxHistoryLimit {
		test.Fatalf("expected capped limit %d, got %d", maxHistoryLimit, store.lastListLimit)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() time.Time { return fixedNow })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

type recordingLogger struct {
	logs []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.logs = append(logger.logs, entry)
}

func TestOperationLoggerReceivesOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recordingLogger{}
	service, err := NewService(store, func() time.Time { return fixedNow }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	holder := mustHolderID(test, holderIDValue)
	key := mustCreditKey(test, creditKeyValue)

	if _, err := service.Grant(context.Background(), holder, key, mustAmount(test, 5), mustDetails(test, SourceAdmin)); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if len(logger.logs) != 1 {
		test.Fatalf("expected 1 log, got %d", len(logger.logs))
	}
	logEntry := logger.logs[0]
	if logEntry.Operation != operationGrant || logEntry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry: %+v", logEntry)
	}

	store.lockBalanceError = errStoreFailure
	if _, err := service.Grant(context.Background(), holder, key, mustAmount(test, 5), mustDetails(test, SourceAdmin)); err == nil {
		test.Fatalf("expected grant to fail")
	}
	logEntry = logger.logs[len(logger.logs)-1]
	if logEntry.Status != operationStatusError || logEntry.Error == nil {
		test.Fatalf("expected error log entry, got %+v", logEntry)
	}
}

type balanceKey struct {
	holder string
	key    string
}

type stubStore struct {
	balances    map[balanceKey]int64
	entries     []EntryInput
	idempotency map[string]struct{}

	listEntries   []Entry
	lastListLimit int

	seatHolders []HolderID
	seatSource  string
	seatActive  bool
	sums        map[CreditKey]int64
	countSince  int64

	withTxError          error
	lockBalanceError     error
	saveBalanceError     error
	appendEntryError     error
	hasKeyError          error
	getBalanceError      error
	listBalancesError    error
	listEntriesError     error
	seatHoldersError     error
	seatSourceError      error
	sumsError            error
	countError           error
	appendErrorAtCall    int
	appendEntryCallCount int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:    make(map[balanceKey]int64),
		idempotency: make(map[string]struct{}),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	return fn(ctx, store)
}

func (store *stubStore) LockBalance(ctx context.Context, holder HolderID, key CreditKey) (int64, error) {
	if store.lockBalanceError != nil {
		return 0, store.lockBalanceError
	}
	return store.balances[balanceKey{holder: holder.String(), key: key.String()}], nil
}

func (store *stubStore) SaveBalance(ctx context.Context, holder HolderID, key CreditKey, balance int64, updatedAt time.Time) error {
	if store.saveBalanceError != nil {
		return store.saveBalanceError
	}
	store.balances[balanceKey{holder: holder.String(), key: key.String()}] = balance
	return nil
}

func (store *stubStore) AppendEntry(ctx context.Context, entry EntryInput) error {
	store.appendEntryCallCount++
	if store.appendEntryError != nil && (store.appendErrorAtCall == 0 || store.appendErrorAtCall == store.appendEntryCallCount) {
		return store.appendEntryError
	}
	if !entry.IdempotencyKey.IsZero() {
		if _, exists := store.idempotency[entry.IdempotencyKey.String()]; exists {
			return fmt.Errorf("%w: %s", ErrIdempotencyConflict, entry.IdempotencyKey.String())
		}
		store.idempotency[entry.IdempotencyKey.String()] = struct{}{}
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) HasIdempotencyKey(ctx context.Context, key IdempotencyKey) (bool, error) {
	if store.hasKeyError != nil {
		return false, store.hasKeyError
	}
	_, exists := store.idempotency[key.String()]
	return exists, nil
}

func (store *stubStore) GetBalance(ctx context.Context, holder HolderID, key CreditKey) (int64, error) {
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	return store.balances[balanceKey{holder: holder.String(), key: key.String()}], nil
}

func (store *stubStore) ListBalances(ctx context.Context, holder HolderID) ([]BalanceSnapshot, error) {
	if store.listBalancesError != nil {
		return nil, store.listBalancesError
	}
	var snapshots []BalanceSnapshot
	for composite, balance := range store.balances {
		if composite.holder != holder.String() {
			continue
		}
		key, err := NewCreditKey(composite.key)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, BalanceSnapshot{Key: key, Balance: balance})
	}
	sort.Slice(snapshots, func(left, right int) bool {
		return snapshots[left].Key.String() < snapshots[right].Key.String()
	})
	return snapshots, nil
}

func (store *stubStore) ListEntries(ctx context.Context, holder HolderID, query HistoryQuery) ([]Entry, error) {
	store.lastListLimit = query.Limit
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	return store.listEntries, nil
}

func (store *stubStore) ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]HolderID, error) {
	if store.seatHoldersError != nil {
		return nil, store.seatHoldersError
	}
	return store.seatHolders, nil
}

func (store *stubStore) SeatSourceForHolder(ctx context.Context, holder HolderID) (string, bool, error) {
	if store.seatSourceError != nil {
		return "", false, store.seatSourceError
	}
	return store.seatSource, store.seatActive, nil
}

func (store *stubStore) SumBySourceGroup(ctx context.Context, holder HolderID, sourceID string, sources []Source) (map[CreditKey]int64, error) {
	if store.sumsError != nil {
		return nil, store.sumsError
	}
	sums := make(map[CreditKey]int64, len(store.sums))
	for key, total := range store.sums {
		sums[key] = total
	}
	return sums, nil
}

func (store *stubStore) CountEntriesBySourceSince(ctx context.Context, holder HolderID, key CreditKey, source Source, since time.Time) (int64, error) {
	if store.countError != nil {
		return 0, store.countError
	}
	return store.countSince, nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustHolderID(test *testing.T, raw string) HolderID {
	test.Helper()
	value, err := NewHolderID(raw)
	if err != nil {
		test.Fatalf("holder id: %v", err)
	}
	return value
}

func mustCreditKey(test *testing.T, raw string) CreditKey {
	test.Helper()
	value, err := NewCreditKey(raw)
	if err != nil {
		test.Fatalf("credit key: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	value, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustDetails(test *testing.T, source Source) MutationDetails {
	test.Helper()
	return MutationDetails{
		Source:   source,
		SourceID: subscriptionID,
		Metadata: mustMetadata(test, metadataValue),
	}
}

func mustGrant(test *testing.T, service *Service, holder HolderID, key CreditKey, amount int64) {
	test.Helper()
	if _, err := service.Grant(context.Background(), holder, key, mustAmount(test, amount), mustDetails(test, SourceSubscription)); err != nil {
		test.Fatalf("grant: %v", err)
	}
}
