package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintLedgerIdempotencyKey = "uniq_credit_ledger_idempotency_key"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectEntry              = "entry"
	errorSubjectSeat               = "seat"
	errorSubjectFailure            = "failure"
	errorSubjectTransaction        = "transaction"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCount                 = "count"
	errorCodeDelete                = "delete"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLock                  = "lock"
	errorCodeSave                  = "save"
	errorCodeSum                   = "sum"
	errorCodeUpsert                = "upsert"

	sqlSeedBalance = `
		insert into credit_balances(holder_id, credit_key, balance, updated_at)
		values ($1, $2, 0, now())
		on conflict (holder_id, credit_key) do nothing
	`

	sqlLockBalance = `
		select balance from credit_balances
		where holder_id = $1 and credit_key = $2
		for update
	`

	sqlUpsertBalance = `
		insert into credit_balances(holder_id, credit_key, balance, updated_at)
		values ($1, $2, $3, $4)
		on conflict (holder_id, credit_key) do update
		set balance = excluded.balance, updated_at = excluded.updated_at
	`

	sqlInsertEntry = `
		insert into credit_ledger(
			holder_id, credit_key, amount, balance_after, type, source,
			source_id, description, metadata, idempotency_key, created_at
		)
		values (
			$1, $2, $3, $4, $5, $6,
			$7, $8, coalesce(nullif($9,''),'{}')::jsonb, nullif($10,''), $11
		)
	`

	sqlHasIdempotencyKey = `
		select exists(select 1 from credit_ledger where idempotency_key = $1)
	`

	sqlSelectBalance = `
		select balance from credit_balances
		where holder_id = $1 and credit_key = $2
	`

	sqlListBalances = `
		select credit_key, balance, updated_at from credit_balances
		where holder_id = $1
		order by credit_key asc
	`

	sqlListEntries = `
		select
			id, holder_id, credit_key, amount, balance_after,
			type::text, source::text, source_id, description,
			coalesce(metadata::text,'{}'), coalesce(idempotency_key,''), created_at
		from credit_ledger
		where holder_id = $1
		and ($2::text = '' or credit_key = $2)
		and ($3::bigint = 0 or id < $3)
		order by id desc
		limit $4
	`

	sqlActiveSeatHolders = `
		select holder_id from (
			select distinct on (holder_id) holder_id, source
			from credit_ledger
			where source_id = $1 and source in ('seat_grant','seat_revoke')
			order by holder_id, id desc
		) latest
		where source = 'seat_grant'
		order by holder_id asc
	`

	sqlLatestSeatMarker = `
		select source::text, source_id from credit_ledger
		where holder_id = $1 and source in ('seat_grant','seat_revoke')
		order by id desc
		limit 1
	`

	sqlSumBySourceGroup = `
		select credit_key, coalesce(sum(amount),0)
		from credit_ledger
		where holder_id = $1 and source_id = $2 and source = any($3::text[])
		group by credit_key
	`

	sqlCountEntriesBySource = `
		select count(*) from credit_ledger
		where holder_id = $1 and credit_key = $2 and source = $3
		and ($4::timestamptz is null or created_at >= $4)
	`

	sqlSelectFailure = `
		select holder_id, credit_key, payment_method_id, decline_type,
			decline_code, failure_count, last_failure_at, disabled
		from topup_failures
		where holder_id = $1 and credit_key = $2
	`

	sqlUpsertFailure = `
		insert into topup_failures(
			holder_id, credit_key, payment_method_id, decline_type,
			decline_code, failure_count, last_failure_at, disabled, updated_at
		)
		values ($1, $2, $3, $4, $5, 1, $6, $7, $6)
		on conflict (holder_id, credit_key) do update set
			payment_method_id = excluded.payment_method_id,
			decline_type = excluded.decline_type,
			decline_code = excluded.decline_code,
			failure_count = topup_failures.failure_count + 1,
			last_failure_at = excluded.last_failure_at,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at
		returning holder_id, credit_key, payment_method_id, decline_type,
			decline_code, failure_count, last_failure_at, disabled
	`

	sqlDeleteFailure = `
		delete from topup_failures where holder_id = $1 and credit_key = $2
	`

	sqlDeleteHolderFailures = `
		delete from topup_failures where holder_id = $1
	`
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so the
// pool-level and transaction-level stores run the same statements.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store and topup.FailureStore using a pgx
// connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) LockBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	return lockBalance(ctx, store.pool, holder, key)
}

func (store *Store) SaveBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey, balance int64, updatedAt time.Time) error {
	return saveBalance(ctx, store.pool, holder, key, balance, updatedAt)
}

func (store *Store) AppendEntry(ctx context.Context, entryInput credits.EntryInput) error {
	return appendEntry(ctx, store.pool, entryInput)
}

func (store *Store) HasIdempotencyKey(ctx context.Context, key credits.IdempotencyKey) (bool, error) {
	return hasIdempotencyKey(ctx, store.pool, key)
}

func (store *Store) GetBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	return getBalance(ctx, store.pool, holder, key)
}

func (store *Store) ListBalances(ctx context.Context, holder credits.HolderID) ([]credits.BalanceSnapshot, error) {
	return listBalances(ctx, store.pool, holder)
}

func (store *Store) ListEntries(ctx context.Context, holder credits.HolderID, query credits.HistoryQuery) ([]credits.Entry, error) {
	return listEntries(ctx, store.pool, holder, query)
}

func (store *Store) ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]credits.HolderID, error) {
	return activeSeatHolders(ctx, store.pool, subscriptionID)
}

func (store *Store) SeatSourceForHolder(ctx context.Context, holder credits.HolderID) (string, bool, error) {
	return seatSourceForHolder(ctx, store.pool, holder)
}

func (store *Store) SumBySourceGroup(ctx context.Context, holder credits.HolderID, sourceID string, sources []credits.Source) (map[credits.CreditKey]int64, error) {
	return sumBySourceGroup(ctx, store.pool, holder, sourceID, sources)
}

func (store *Store) CountEntriesBySourceSince(ctx context.Context, holder credits.HolderID, key credits.CreditKey, source credits.Source, since time.Time) (int64, error) {
	return countEntriesBySourceSince(ctx, store.pool, holder, key, source, since)
}

func (store *Store) GetFailure(ctx context.Context, holderID string, key string) (*topup.FailureRecord, error) {
	return getFailure(ctx, store.pool, holderID, key)
}

func (store *Store) RecordFailure(ctx context.Context, record topup.FailureRecord) (topup.FailureRecord, error) {
	return recordFailure(ctx, store.pool, record)
}

func (store *Store) ClearFailure(ctx context.Context, holderID string, key string) error {
	return clearFailure(ctx, store.pool, holderID, key)
}

func (store *Store) ClearFailuresForHolder(ctx context.Context, holderID string) error {
	return clearFailuresForHolder(ctx, store.pool, holderID)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) LockBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	return lockBalance(ctx, store.tx, holder, key)
}

func (store *TxStore) SaveBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey, balance int64, updatedAt time.Time) error {
	return saveBalance(ctx, store.tx, holder, key, balance, updatedAt)
}

func (store *TxStore) AppendEntry(ctx context.Context, entryInput credits.EntryInput) error {
	return appendEntry(ctx, store.tx, entryInput)
}

func (store *TxStore) HasIdempotencyKey(ctx context.Context, key credits.IdempotencyKey) (bool, error) {
	return hasIdempotencyKey(ctx, store.tx, key)
}

func (store *TxStore) GetBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	return getBalance(ctx, store.tx, holder, key)
}

func (store *TxStore) ListBalances(ctx context.Context, holder credits.HolderID) ([]credits.BalanceSnapshot, error) {
	return listBalances(ctx, store.tx, holder)
}

func (store *TxStore) ListEntries(ctx context.Context, holder credits.HolderID, query credits.HistoryQuery) ([]credits.Entry, error) {
	return listEntries(ctx, store.tx, holder, query)
}

func (store *TxStore) ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]credits.HolderID, error) {
	return activeSeatHolders(ctx, store.tx, subscriptionID)
}

func (store *TxStore) SeatSourceForHolder(ctx context.Context, holder credits.HolderID) (string, bool, error) {
	return seatSourceForHolder(ctx, store.tx, holder)
}

func (store *TxStore) SumBySourceGroup(ctx context.Context, holder credits.HolderID, sourceID string, sources []credits.Source) (map[credits.CreditKey]int64, error) {
	return sumBySourceGroup(ctx, store.tx, holder, sourceID, sources)
}

func (store *TxStore) CountEntriesBySourceSince(ctx context.Context, holder credits.HolderID, key credits.CreditKey, source credits.Source, since time.Time) (int64, error) {
	return countEntriesBySourceSince(ctx, store.tx, holder, key, source, since)
}

func lockBalance(ctx context.Context, runner querier, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	if _, err := runner.Exec(ctx, sqlSeedBalance, holder.String(), key.String()); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}
	var balance int64
	err := runner.QueryRow(ctx, sqlLockBalance, holder.String(), key.String()).Scan(&balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return balance, nil
}

func saveBalance(ctx context.Context, runner querier, holder credits.HolderID, key credits.CreditKey, balance int64, updatedAt time.Time) error {
	_, err := runner.Exec(ctx, sqlUpsertBalance, holder.String(), key.String(), balance, updatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func appendEntry(ctx context.Context, runner querier, entryInput credits.EntryInput) error {
	createdAt := entryInput.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := runner.Exec(ctx, sqlInsertEntry,
		entryInput.HolderID.String(),
		entryInput.Key.String(),
		entryInput.Amount,
		entryInput.BalanceAfter,
		entryInput.Type.String(),
		entryInput.Source.String(),
		entryInput.SourceID,
		entryInput.Description,
		entryInput.Metadata.String(),
		entryInput.IdempotencyKey.String(),
		createdAt,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrIdempotencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func hasIdempotencyKey(ctx context.Context, runner querier, key credits.IdempotencyKey) (bool, error) {
	var seen bool
	err := runner.QueryRow(ctx, sqlHasIdempotencyKey, key.String()).Scan(&seen)
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return seen, nil
}

func getBalance(ctx context.Context, runner querier, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	var balance int64
	err := runner.QueryRow(ctx, sqlSelectBalance, holder.String(), key.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func listBalances(ctx context.Context, runner querier, holder credits.HolderID) ([]credits.BalanceSnapshot, error) {
	rows, err := runner.Query(ctx, sqlListBalances, holder.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()

	snapshots := make([]credits.BalanceSnapshot, 0, 8)
	for rows.Next() {
		var (
			keyValue  string
			balance   int64
			updatedAt time.Time
		)
		if err := rows.Scan(&keyValue, &balance, &updatedAt); err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		key, err := credits.NewCreditKey(keyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		snapshots = append(snapshots, credits.BalanceSnapshot{Key: key, Balance: balance, UpdatedAt: updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return snapshots, nil
}

func listEntries(ctx context.Context, runner querier, holder credits.HolderID, query credits.HistoryQuery) ([]credits.Entry, error) {
	keyFilter := ""
	if query.Key != nil {
		keyFilter = query.Key.String()
	}
	rows, err := runner.Query(ctx, sqlListEntries, holder.String(), keyFilter, query.BeforeID, query.Limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func activeSeatHolders(ctx context.Context, runner querier, subscriptionID string) ([]credits.HolderID, error) {
	rows, err := runner.Query(ctx, sqlActiveSeatHolders, subscriptionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSeat, errorCodeList, err)
	}
	defer rows.Close()

	holders := make([]credits.HolderID, 0, 8)
	for rows.Next() {
		var holderValue string
		if err := rows.Scan(&holderValue); err != nil {
			return nil, wrapStoreError(errorSubjectSeat, errorCodeInvalid, err)
		}
		holder, err := credits.NewHolderID(holderValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSeat, errorCodeInvalid, err)
		}
		holders = append(holders, holder)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSeat, errorCodeList, err)
	}
	return holders, nil
}

func seatSourceForHolder(ctx context.Context, runner querier, holder credits.HolderID) (string, bool, error) {
	var (
		sourceValue   string
		sourceIDValue string
	)
	err := runner.QueryRow(ctx, sqlLatestSeatMarker, holder.String()).Scan(&sourceValue, &sourceIDValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectSeat, errorCodeGet, err)
	}
	if sourceValue != credits.SourceSeatGrant.String() {
		return "", false, nil
	}
	return sourceIDValue, true, nil
}

func sumBySourceGroup(ctx context.Context, runner querier, holder credits.HolderID, sourceID string, sources []credits.Source) (map[credits.CreditKey]int64, error) {
	sourceValues := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceValues = append(sourceValues, source.String())
	}
	rows, err := runner.Query(ctx, sqlSumBySourceGroup, holder.String(), sourceID, sourceValues)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	defer rows.Close()

	totals := make(map[credits.CreditKey]int64)
	for rows.Next() {
		var (
			keyValue string
			total    int64
		)
		if err := rows.Scan(&keyValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		key, err := credits.NewCreditKey(keyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[key] = total
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return totals, nil
}

func countEntriesBySourceSince(ctx context.Context, runner querier, holder credits.HolderID, key credits.CreditKey, source credits.Source, since time.Time) (int64, error) {
	var sinceArg any
	if !since.IsZero() {
		sinceArg = since.UTC()
	}
	var count int64
	err := runner.QueryRow(ctx, sqlCountEntriesBySource, holder.String(), key.String(), source.String(), sinceArg).Scan(&count)
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func getFailure(ctx context.Context, runner querier, holderID string, key string) (*topup.FailureRecord, error) {
	record, err := scanFailure(runner.QueryRow(ctx, sqlSelectFailure, holderID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectFailure, errorCodeGet, err)
	}
	return &record, nil
}

func recordFailure(ctx context.Context, runner querier, record topup.FailureRecord) (topup.FailureRecord, error) {
	stored, err := scanFailure(runner.QueryRow(ctx, sqlUpsertFailure,
		record.HolderID,
		record.Key,
		record.PaymentMethodID,
		string(record.DeclineType),
		record.DeclineCode,
		record.LastFailureAt.UTC(),
		record.Disabled,
	))
	if err != nil {
		return topup.FailureRecord{}, wrapStoreError(errorSubjectFailure, errorCodeUpsert, err)
	}
	return stored, nil
}

func clearFailure(ctx context.Context, runner querier, holderID string, key string) error {
	if _, err := runner.Exec(ctx, sqlDeleteFailure, holderID, key); err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeDelete, err)
	}
	return nil
}

func clearFailuresForHolder(ctx context.Context, runner querier, holderID string) error {
	if _, err := runner.Exec(ctx, sqlDeleteHolderFailures, holderID); err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeDelete, err)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]credits.Entry, error) {
	entries := make([]credits.Entry, 0, 32)
	for rows.Next() {
		var (
			id             int64
			holderValue    string
			keyValue       string
			amount         int64
			balanceAfter   int64
			typeValue      string
			sourceValue    string
			sourceID       string
			description    string
			metadataValue  string
			idempotencyKey string
			createdAt      time.Time
		)
		if err := rows.Scan(
			&id,
			&holderValue,
			&keyValue,
			&amount,
			&balanceAfter,
			&typeValue,
			&sourceValue,
			&sourceID,
			&description,
			&metadataValue,
			&idempotencyKey,
			&createdAt,
		); err != nil {
			return nil, err
		}
		entryType, err := credits.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		source, err := credits.ParseSource(sourceValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, credits.Entry{
			ID:             id,
			HolderID:       holderValue,
			Key:            keyValue,
			Amount:         amount,
			BalanceAfter:   balanceAfter,
			Type:           entryType,
			Source:         source,
			SourceID:       sourceID,
			Description:    description,
			Metadata:       metadataValue,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      createdAt,
		})
	}
	return entries, rows.Err()
}

func scanFailure(row pgx.Row) (topup.FailureRecord, error) {
	var (
		record       topup.FailureRecord
		declineValue string
	)
	err := row.Scan(
		&record.HolderID,
		&record.Key,
		&record.PaymentMethodID,
		&declineValue,
		&record.DeclineCode,
		&record.FailureCount,
		&record.LastFailureAt,
		&record.Disabled,
	)
	if err != nil {
		return topup.FailureRecord{}, err
	}
	record.DeclineType = topup.DeclineType(declineValue)
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerIdempotencyKey
	}
	return false
}
