package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/topup"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerIdempotencyKey = "uniq_credit_ledger_idempotency_key"
	defaultMetadataJSON            = "{}"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	mysqlDuplicateEntryCode        = 1062
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectEntry              = "entry"
	errorSubjectSeat               = "seat"
	errorSubjectFailure            = "failure"
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
)

// Store implements credits.Store and topup.FailureStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockBalance creates the balance row when missing, then locks it for the
// rest of the transaction. The sqlite driver drops the FOR UPDATE clause;
// there the caller serializes mutators by capping the pool at one
// connection.
func (store *Store) LockBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	seed := BalanceRow{
		HolderID:  holder.String(),
		CreditKey: key.String(),
		Balance:   0,
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "holder_id"}, {Name: "credit_key"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil && !isUniqueViolation(err) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInsert, err)
	}

	var row BalanceRow
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("holder_id = ? AND credit_key = ?", holder.String(), key.String()).
		Take(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return row.Balance, nil
}

func (store *Store) SaveBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey, balance int64, updatedAt time.Time) error {
	row := BalanceRow{
		HolderID:  holder.String(),
		CreditKey: key.String(),
		Balance:   balance,
		UpdatedAt: updatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "holder_id"}, {Name: "credit_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    balance,
				"updated_at": updatedAt.UTC(),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) AppendEntry(ctx context.Context, entryInput credits.EntryInput) error {
	var idempotencyKey *string
	if !entryInput.IdempotencyKey.IsZero() {
		value := entryInput.IdempotencyKey.String()
		idempotencyKey = &value
	}
	row := LedgerRow{
		HolderID:       entryInput.HolderID.String(),
		CreditKey:      entryInput.Key.String(),
		Amount:         entryInput.Amount,
		BalanceAfter:   entryInput.BalanceAfter,
		Type:           entryInput.Type.String(),
		Source:         entryInput.Source.String(),
		SourceID:       entryInput.SourceID,
		Description:    entryInput.Description,
		Metadata:       datatypesJSON(entryInput.Metadata.String()),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      entryInput.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrIdempotencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) HasIdempotencyKey(ctx context.Context, key credits.IdempotencyKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerRow{}).
		Where("idempotency_key = ?", key.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) GetBalance(ctx context.Context, holder credits.HolderID, key credits.CreditKey) (int64, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).
		Where("holder_id = ? AND credit_key = ?", holder.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Balance, nil
}

func (store *Store) ListBalances(ctx context.Context, holder credits.HolderID) ([]credits.BalanceSnapshot, error) {
	var rows []BalanceRow
	err := store.db.WithContext(ctx).
		Where("holder_id = ?", holder.String()).
		Order("credit_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	snapshots := make([]credits.BalanceSnapshot, 0, len(rows))
	for _, row := range rows {
		key, err := credits.NewCreditKey(row.CreditKey)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		snapshots = append(snapshots, credits.BalanceSnapshot{
			Key:       key,
			Balance:   row.Balance,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return snapshots, nil
}

func (store *Store) ListEntries(ctx context.Context, holder credits.HolderID, query credits.HistoryQuery) ([]credits.Entry, error) {
	tx := store.db.WithContext(ctx).Where("holder_id = ?", holder.String())
	if query.Key != nil {
		tx = tx.Where("credit_key = ?", query.Key.String())
	}
	if query.BeforeID > 0 {
		tx = tx.Where("id < ?", query.BeforeID)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var rows []LedgerRow
	if err := tx.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerRow(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ActiveSeatHolders lists holders whose latest seat-marker entry for the
// subscription is a grant, ordered by holder id.
func (store *Store) ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]credits.HolderID, error) {
	latest := store.db.
		Model(&LedgerRow{}).
		Select("MAX(id)").
		Where("source_id = ? AND source IN ?", subscriptionID, sourceValues(credits.SeatSources())).
		Group("holder_id")

	var rows []LedgerRow
	err := store.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Where("source = ?", credits.SourceSeatGrant.String()).
		Order("holder_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSeat, errorCodeList, err)
	}

	holders := make([]credits.HolderID, 0, len(rows))
	for _, row := range rows {
		holder, err := credits.NewHolderID(row.HolderID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSeat, errorCodeInvalid, err)
		}
		holders = append(holders, holder)
	}
	return holders, nil
}

// SeatSourceForHolder returns the subscription id of the holder's latest
// seat-marker entry when that entry is a grant.
func (store *Store) SeatSourceForHolder(ctx context.Context, holder credits.HolderID) (string, bool, error) {
	var row LedgerRow
	err := store.db.WithContext(ctx).
		Where("holder_id = ? AND source IN ?", holder.String(), sourceValues(credits.SeatSources())).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectSeat, errorCodeGet, err)
	}
	if row.Source != credits.SourceSeatGrant.String() {
		return "", false, nil
	}
	return row.SourceID, true, nil
}

func (store *Store) SumBySourceGroup(ctx context.Context, holder credits.HolderID, sourceID string, sources []credits.Source) (map[credits.CreditKey]int64, error) {
	var sums []keySum
	err := store.db.WithContext(ctx).
		Model(&LedgerRow{}).
		Select("credit_key, coalesce(sum(amount),0) as total").
		Where("holder_id = ? AND source_id = ? AND source IN ?", holder.String(), sourceID, sourceValues(sources)).
		Group("credit_key").
		Scan(&sums).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}

	totals := make(map[credits.CreditKey]int64, len(sums))
	for _, sum := range sums {
		key, err := credits.NewCreditKey(sum.CreditKey)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[key] = sum.Total
	}
	return totals, nil
}

func (store *Store) CountEntriesBySourceSince(ctx context.Context, holder credits.HolderID, key credits.CreditKey, source credits.Source, since time.Time) (int64, error) {
	tx := store.db.WithContext(ctx).
		Model(&LedgerRow{}).
		Where("holder_id = ? AND credit_key = ? AND source = ?", holder.String(), key.String(), source.String())
	if !since.IsZero() {
		tx = tx.Where("created_at >= ?", since.UTC())
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) GetFailure(ctx context.Context, holderID string, key string) (*topup.FailureRecord, error) {
	var row FailureRow
	err := store.db.WithContext(ctx).
		Where("holder_id = ? AND credit_key = ?", holderID, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectFailure, errorCodeGet, err)
	}
	record := mapFailureRow(row)
	return &record, nil
}

// RecordFailure upserts the pair's failure row with an in-database
// failure_count increment, then reads the stored state back.
func (store *Store) RecordFailure(ctx context.Context, record topup.FailureRecord) (topup.FailureRecord, error) {
	row := FailureRow{
		HolderID:        record.HolderID,
		CreditKey:       record.Key,
		PaymentMethodID: record.PaymentMethodID,
		DeclineType:     string(record.DeclineType),
		DeclineCode:     record.DeclineCode,
		FailureCount:    1,
		LastFailureAt:   record.LastFailureAt.UTC(),
		Disabled:        record.Disabled,
		UpdatedAt:       record.LastFailureAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "holder_id"}, {Name: "credit_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"payment_method_id": row.PaymentMethodID,
				"decline_type":      row.DeclineType,
				"decline_code":      row.DeclineCode,
				"failure_count":     gorm.Expr("failure_count + 1"),
				"last_failure_at":   row.LastFailureAt,
				"disabled":          row.Disabled,
				"updated_at":        row.UpdatedAt,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return topup.FailureRecord{}, wrapStoreError(errorSubjectFailure, errorCodeUpsert, err)
	}

	var stored FailureRow
	err = store.db.WithContext(ctx).
		Where("holder_id = ? AND credit_key = ?", record.HolderID, record.Key).
		Take(&stored).Error
	if err != nil {
		return topup.FailureRecord{}, wrapStoreError(errorSubjectFailure, errorCodeGet, err)
	}
	return mapFailureRow(stored), nil
}

func (store *Store) ClearFailure(ctx context.Context, holderID string, key string) error {
	err := store.db.WithContext(ctx).
		Where("holder_id = ? AND credit_key = ?", holderID, key).
		Delete(&FailureRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) ClearFailuresForHolder(ctx context.Context, holderID string) error {
	err := store.db.WithContext(ctx).
		Where("holder_id = ?", holderID).
		Delete(&FailureRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectFailure, errorCodeDelete, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type keySum struct {
	CreditKey string
	Total     int64
}

func mapLedgerRow(row LedgerRow) (credits.Entry, error) {
	entryType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Entry{}, err
	}
	source, err := credits.ParseSource(row.Source)
	if err != nil {
		return credits.Entry{}, err
	}
	var idempotencyKey string
	if row.IdempotencyKey != nil {
		idempotencyKey = *row.IdempotencyKey
	}
	return credits.Entry{
		ID:             row.ID,
		HolderID:       row.HolderID,
		Key:            row.CreditKey,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Type:           entryType,
		Source:         source,
		SourceID:       row.SourceID,
		Description:    row.Description,
		Metadata:       string(row.Metadata),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func mapFailureRow(row FailureRow) topup.FailureRecord {
	return topup.FailureRecord{
		HolderID:        row.HolderID,
		Key:             row.CreditKey,
		PaymentMethodID: row.PaymentMethodID,
		DeclineType:     topup.DeclineType(row.DeclineType),
		DeclineCode:     row.DeclineCode,
		FailureCount:    row.FailureCount,
		LastFailureAt:   row.LastFailureAt,
		Disabled:        row.Disabled,
	}
}

func sourceValues(sources []credits.Source) []string {
	values := make([]string, 0, len(sources))
	for _, source := range sources {
		values = append(values, source.String())
	}
	return values
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintLedgerIdempotencyKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
