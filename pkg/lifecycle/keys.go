package lifecycle

import "fmt"

// Idempotency keys are derived from provider identifiers that never change
// across redeliveries, so a replayed event maps onto the same ledger rows.

func creationKey(subscriptionID string, holder string, creditKey string) string {
	return fmt.Sprintf("sub_created_%s_%s_%s", subscriptionID, holder, creditKey)
}

func renewalKey(invoiceID string, holder string, creditKey string) string {
	return fmt.Sprintf("sub_renewal_%s_%s_%s", invoiceID, holder, creditKey)
}

func cancellationKey(subscriptionID string, holder string) string {
	return fmt.Sprintf("sub_cancelled_%s_%s", subscriptionID, holder)
}

func cancellationSeatKey(subscriptionID string, holder string, creditKey string) string {
	return fmt.Sprintf("sub_cancelled_seat_%s_%s_%s", subscriptionID, holder, creditKey)
}

func planChangeKey(subscriptionID string, priceID string, holder string, creditKey string) string {
	return fmt.Sprintf("plan_change_%s_%s_%s_%s", subscriptionID, priceID, holder, creditKey)
}

func planChangeRevokeKey(subscriptionID string, priceID string, holder string, creditKey string) string {
	return fmt.Sprintf("plan_change_revoke_%s_%s_%s_%s", subscriptionID, priceID, holder, creditKey)
}

func downgradeKey(subscriptionID string, priceID string, holder string, creditKey string) string {
	return fmt.Sprintf("downgrade_%s_%s_%s_%s", subscriptionID, priceID, holder, creditKey)
}

// Seat keys carry a generation counter derived from prior seat markers in
// the ledger, so a holder removed and re-added receives a fresh grant while
// concurrent duplicates of the same add still collide on one key.

func seatAddKey(subscriptionID string, holder string, creditKey string, generation int64) string {
	return fmt.Sprintf("seat_add_%s_%s_%s_%d", subscriptionID, holder, creditKey, generation)
}

func seatRemoveKey(subscriptionID string, holder string, creditKey string, generation int64) string {
	return fmt.Sprintf("seat_remove_%s_%s_%s_%d", subscriptionID, holder, creditKey, generation)
}
