package lifecycle

import (
	"fmt"
	"strings"
)

// MetadataPendingDowngrade marks a subscription whose plan change must not
// touch balances until the next renewal boundary applies the downgrade.
const MetadataPendingDowngrade = "pending_credit_downgrade"

// Subscription is the slice of the provider's subscription object the
// orchestrator needs: identity, owner, current price, and metadata flags.
type Subscription struct {
	ID       string
	HolderID string
	PriceID  string
	Metadata map[string]string
}

func (subscription Subscription) validate() error {
	if strings.TrimSpace(subscription.ID) == "" {
		return fmt.Errorf("%w: empty subscription id", ErrInvalidSubscription)
	}
	if strings.TrimSpace(subscription.HolderID) == "" {
		return fmt.Errorf("%w: empty holder id", ErrInvalidSubscription)
	}
	if strings.TrimSpace(subscription.PriceID) == "" {
		return fmt.Errorf("%w: empty price id", ErrInvalidSubscription)
	}
	return nil
}

func (subscription Subscription) pendingDowngrade() bool {
	return strings.TrimSpace(subscription.Metadata[MetadataPendingDowngrade]) != ""
}
