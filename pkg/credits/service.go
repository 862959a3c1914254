package credits

import (
	"context"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
//
// Every mutation runs as one transaction: lock the balance row, compute the
// new balance, save it, and append a ledger entry whose BalanceAfter equals
// the saved balance. Replaying ledger deltas therefore always reproduces the
// stored balance.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Grant adds amount to the holder's balance for key and returns the new balance.
func (service *Service) Grant(ctx context.Context, holder HolderID, key CreditKey, amount Amount, details MutationDetails) (int64, error) {
	var balanceAfter int64
	operationError := service.validateAndRun(ctx, details, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockBalance(ctx, holder, key)
		if err != nil {
			return err
		}
		now := service.nowFn()
		balanceAfter = current + amount.Int64()
		if err := transactionStore.SaveBalance(ctx, holder, key, balanceAfter, now); err != nil {
			return err
		}
		return transactionStore.AppendEntry(ctx, EntryInput{
			HolderID:       holder,
			Key:            key,
			Amount:         amount.Int64(),
			BalanceAfter:   balanceAfter,
			Type:           TransactionGrant,
			Source:         details.Source,
			SourceID:       details.SourceID,
			Description:    details.Description,
			Metadata:       details.Metadata,
			IdempotencyKey: details.IdempotencyKey,
			CreatedAt:      now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		HolderID:       holder,
		Key:            key,
		Amount:         amount.Int64(),
		BalanceAfter:   balanceAfter,
		Source:         details.Source,
		SourceID:       details.SourceID,
		IdempotencyKey: details.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balanceAfter, nil
}

// Consume deducts amount if the balance covers it. An insufficient balance is
// reported through ConsumeResult, leaves no trace in the ledger, and is not
// an error.
func (service *Service) Consume(ctx context.Context, holder HolderID, key CreditKey, amount Amount, details MutationDetails) (ConsumeResult, error) {
	var result ConsumeResult
	operationError := service.validateAndRun(ctx, details, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockBalance(ctx, holder, key)
		if err != nil {
			return err
		}
		if current < amount.Int64() {
			result = ConsumeResult{Consumed: false, Balance: current}
			return nil
		}
		now := service.nowFn()
		balanceAfter := current - amount.Int64()
		if err := transactionStore.SaveBalance(ctx, holder, key, balanceAfter, now); err != nil {
			return err
		}
		if err := transactionStore.AppendEntry(ctx, EntryInput{
			HolderID:       holder,
			Key:            key,
			Amount:         -amount.Int64(),
			BalanceAfter:   balanceAfter,
			Type:           TransactionConsume,
			Source:         details.Source,
			SourceID:       details.SourceID,
			Description:    details.Description,
			Metadata:       details.Metadata,
			IdempotencyKey: details.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		result = ConsumeResult{Consumed: true, Balance: balanceAfter}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsume,
		HolderID:       holder,
		Key:            key,
		Amount:         amount.Int64(),
		BalanceAfter:   result.Balance,
		Source:         details.Source,
		SourceID:       details.SourceID,
		IdempotencyKey: details.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	return result, nil
}

// Revoke removes up to maxAmount, clamped so the balance never drops below
// zero from this operation. The ledger entry is written even when nothing
// could be removed, so revocations remain visible in the history.
func (service *Service) Revoke(ctx context.Context, holder HolderID, key CreditKey, maxAmount Amount, details MutationDetails) (int64, error) {
	var revoked int64
	var balanceAfter int64
	operationError := service.validateAndRun(ctx, details, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockBalance(ctx, holder, key)
		if err != nil {
			return err
		}
		revoked = min(maxAmount.Int64(), current)
		if revoked < 0 {
			revoked = 0
		}
		now := service.nowFn()
		balanceAfter = current - revoked
		if err := transactionStore.SaveBalance(ctx, holder, key, balanceAfter, now); err != nil {
			return err
		}
		return transactionStore.AppendEntry(ctx, EntryInput{
			HolderID:       holder,
			Key:            key,
			Amount:         -revoked,
			BalanceAfter:   balanceAfter,
			Type:           TransactionRevoke,
			Source:         details.Source,
			SourceID:       details.SourceID,
			Description:    details.Description,
			Metadata:       details.Metadata,
			IdempotencyKey: details.IdempotencyKey,
			CreatedAt:      now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRevoke,
		HolderID:       holder,
		Key:            key,
		Amount:         revoked,
		BalanceAfter:   balanceAfter,
		Source:         details.Source,
		SourceID:       details.SourceID,
		IdempotencyKey: details.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return revoked, nil
}

// SetBalance forces the balance to target and returns the signed adjustment
// that was applied.
func (service *Service) SetBalance(ctx context.Context, holder HolderID, key CreditKey, target int64, details MutationDetails) (int64, error) {
	if target < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	var adjustment int64
	operationError := service.validateAndRun(ctx, details, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockBalance(ctx, holder, key)
		if err != nil {
			return err
		}
		now := service.nowFn()
		adjustment = target - current
		if err := transactionStore.SaveBalance(ctx, holder, key, target, now); err != nil {
			return err
		}
		return transactionStore.AppendEntry(ctx, EntryInput{
			HolderID:       holder,
			Key:            key,
			Amount:         adjustment,
			BalanceAfter:   target,
			Type:           TransactionAdjust,
			Source:         details.Source,
			SourceID:       details.SourceID,
			Description:    details.Description,
			Metadata:       details.Metadata,
			IdempotencyKey: details.IdempotencyKey,
			CreatedAt:      now,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSetBalance,
		HolderID:       holder,
		Key:            key,
		Amount:         adjustment,
		BalanceAfter:   target,
		Source:         details.Source,
		SourceID:       details.SourceID,
		IdempotencyKey: details.IdempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return adjustment, nil
}

// RevokeAll removes the entire positive balance for one key. A balance at or
// below zero is left untouched and no entry is written.
func (service *Service) RevokeAll(ctx context.Context, holder HolderID, key CreditKey, details MutationDetails) (int64, error) {
	current, err := service.store.GetBalance(ctx, holder, key)
	if err != nil {
		return 0, err
	}
	if current <= 0 {
		return 0, nil
	}
	amount, err := NewAmount(current)
	if err != nil {
		return 0, err
	}
	return service.Revoke(ctx, holder, key, amount, details)
}

// RevokeAllForHolder removes every positive balance the holder has, one key
// per transaction, and returns the amount revoked per key. When details carry
// an idempotency key each per-key revoke derives its own key from it.
func (service *Service) RevokeAllForHolder(ctx context.Context, holder HolderID, details MutationDetails) (map[CreditKey]int64, error) {
	snapshots, err := service.store.ListBalances(ctx, holder)
	if err != nil {
		return nil, err
	}
	revoked := make(map[CreditKey]int64, len(snapshots))
	for _, snapshot := range snapshots {
		if snapshot.Balance <= 0 {
			continue
		}
		amount, err := NewAmount(snapshot.Balance)
		if err != nil {
			return revoked, err
		}
		perKeyDetails := details
		if !details.IdempotencyKey.IsZero() {
			derivedKey, err := deriveIdempotencyKey(details.IdempotencyKey, snapshot.Key.String())
			if err != nil {
				return revoked, err
			}
			perKeyDetails.IdempotencyKey = derivedKey
		}
		amountRevoked, err := service.Revoke(ctx, holder, snapshot.Key, amount, perKeyDetails)
		if err != nil {
			return revoked, err
		}
		revoked[snapshot.Key] = amountRevoked
	}
	return revoked, nil
}

// Balance returns the current balance for one key, zero when the holder has
// no row yet.
func (service *Service) Balance(ctx context.Context, holder HolderID, key CreditKey) (int64, error) {
	return service.store.GetBalance(ctx, holder, key)
}

// Balances returns every balance row the holder has.
func (service *Service) Balances(ctx context.Context, holder HolderID) ([]BalanceSnapshot, error) {
	return service.store.ListBalances(ctx, holder)
}

// HasCredits reports whether the balance covers amount without mutating anything.
func (service *Service) HasCredits(ctx context.Context, holder HolderID, key CreditKey, amount Amount) (bool, error) {
	current, err := service.store.GetBalance(ctx, holder, key)
	if err != nil {
		return false, err
	}
	return current >= amount.Int64(), nil
}

// History returns a page of ledger entries, newest first, with a cursor for
// the next page.
func (service *Service) History(ctx context.Context, holder HolderID, query HistoryQuery) (HistoryPage, error) {
	normalized := query
	normalized.Limit = normalizeHistoryLimit(query.Limit)
	entries, err := service.store.ListEntries(ctx, holder, normalized)
	if err != nil {
		return HistoryPage{}, err
	}
	page := HistoryPage{Entries: entries}
	if len(entries) == normalized.Limit {
		page.NextBeforeID = entries[len(entries)-1].ID
	}
	return page, nil
}

// CountEntriesBySource counts ledger entries for one key and source created
// at or after since.
func (service *Service) CountEntriesBySource(ctx context.Context, holder HolderID, key CreditKey, source Source, since time.Time) (int64, error) {
	return service.store.CountEntriesBySourceSince(ctx, holder, key, source, since)
}

func (service *Service) validateAndRun(ctx context.Context, details MutationDetails, fn func(ctx context.Context, txStore Store) error) error {
	if err := details.validate(); err != nil {
		return err
	}
	if !details.IdempotencyKey.IsZero() {
		seen, err := service.store.HasIdempotencyKey(ctx, details.IdempotencyKey)
		if err != nil {
			return err
		}
		if seen {
			return fmt.Errorf("%w: %s", ErrIdempotencyConflict, details.IdempotencyKey.String())
		}
	}
	return service.store.WithTx(ctx, fn)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
