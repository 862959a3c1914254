package credits

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HolderID identifies the owner of credit balances, typically a user id.
type HolderID struct {
	value string
}

// CreditKey names one consumable credit type, for example "email_credits".
type CreditKey struct {
	value string
}

// Amount is a strictly positive quantity of credit units.
type Amount int64

// IdempotencyKey scopes duplicate detection. The zero value means the
// mutation is not deduplicated.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionGrant   TransactionType = "grant"
	TransactionConsume TransactionType = "consume"
	TransactionRevoke  TransactionType = "revoke"
	TransactionAdjust  TransactionType = "adjust"
)

// Source enumerates the business reasons a ledger entry may carry.
type Source string

const (
	SourceSubscription        Source = "subscription"
	SourceSubscriptionRenewal Source = "subscription_renewal"
	SourceSeatGrant           Source = "seat_grant"
	SourceSeatRevoke          Source = "seat_revoke"
	SourceTopUp               Source = "top_up"
	SourceAutoTopUp           Source = "auto_top_up"
	SourceUsage               Source = "usage"
	SourceAdmin               Source = "admin"
)

// SubscriptionSources lists the sources that count toward net credits
// attributed to a subscription or seat lifecycle.
func SubscriptionSources() []Source {
	return []Source{
		SourceSubscription,
		SourceSubscriptionRenewal,
		SourceSeatGrant,
		SourceSeatRevoke,
	}
}

// SeatSources lists the sources that carry seat membership markers.
func SeatSources() []Source {
	return []Source{SourceSeatGrant, SourceSeatRevoke}
}

// NewHolderID validates and normalizes a holder id.
func NewHolderID(raw string) (HolderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HolderID{}, fmt.Errorf("%w: empty value", ErrInvalidHolderID)
	}
	return HolderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HolderID) String() string {
	return id.value
}

// NewCreditKey validates and normalizes a credit key.
func NewCreditKey(raw string) (CreditKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CreditKey{}, fmt.Errorf("%w: empty value", ErrInvalidCreditKey)
	}
	return CreditKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key CreditKey) String() string {
	return key.value
}

// IsWallet reports whether the key is the reserved monetary wallet key.
func (key CreditKey) IsWallet() bool {
	return key.value == WalletKey.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw unit count.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key, empty when absent.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionGrant, TransactionConsume, TransactionRevoke, TransactionAdjust:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the raw transaction type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseSource validates a raw source.
func ParseSource(raw string) (Source, error) {
	switch Source(raw) {
	case SourceSubscription, SourceSubscriptionRenewal, SourceSeatGrant, SourceSeatRevoke,
		SourceTopUp, SourceAutoTopUp, SourceUsage, SourceAdmin:
		return Source(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// String returns the raw source.
func (source Source) String() string {
	return string(source)
}

// MutationDetails carries the attribution of a balance mutation.
type MutationDetails struct {
	Source         Source
	SourceID       string
	Description    string
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
}

func (details MutationDetails) validate() error {
	if _, err := ParseSource(details.Source.String()); err != nil {
		return err
	}
	return nil
}

// BalanceSnapshot is the current balance of one credit key.
type BalanceSnapshot struct {
	Key       CreditKey
	Balance   int64
	UpdatedAt time.Time
}

// Entry is a single immutable line in the credit ledger.
type Entry struct {
	ID             int64
	HolderID       string
	Key            string
	Amount         int64
	BalanceAfter   int64
	Type           TransactionType
	Source         Source
	SourceID       string
	Description    string
	Metadata       string
	IdempotencyKey string
	CreatedAt      time.Time
}

// EntryInput is the write model handed to the store inside a mutation
// transaction. Amount carries the signed delta already applied to
// BalanceAfter.
type EntryInput struct {
	HolderID       HolderID
	Key            CreditKey
	Amount         int64
	BalanceAfter   int64
	Type           TransactionType
	Source         Source
	SourceID       string
	Description    string
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
	CreatedAt      time.Time
}

// ConsumeResult reports the outcome of a consume attempt.
type ConsumeResult struct {
	Consumed bool
	Balance  int64
}

// HistoryQuery selects a page of ledger entries, newest first.
type HistoryQuery struct {
	Key      *CreditKey
	BeforeID int64
	Limit    int
}

// HistoryPage is one page of ledger entries plus the cursor for the next.
type HistoryPage struct {
	Entries      []Entry
	NextBeforeID int64
}
