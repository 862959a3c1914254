package credits

import (
	"context"
	"fmt"
	"strings"
)

// Seat membership is derived from the ledger rather than stored in its own
// table. A holder is an active seat member of a subscription when their most
// recent seat-sourced entry for that subscription is a seat_grant.

// ActiveSeatHolders returns every holder whose latest seat marker for the
// subscription is a grant.
func (service *Service) ActiveSeatHolders(ctx context.Context, subscriptionID string) ([]HolderID, error) {
	trimmed := strings.TrimSpace(subscriptionID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty subscription id", ErrInvalidSourceID)
	}
	return service.store.ActiveSeatHolders(ctx, trimmed)
}

// SeatSubscription returns the subscription id of the holder's most recent
// seat marker and whether that marker still grants a seat. Holders that never
// held a seat return an empty id and false.
func (service *Service) SeatSubscription(ctx context.Context, holder HolderID) (string, bool, error) {
	return service.store.SeatSourceForHolder(ctx, holder)
}

// CreditsGrantedBySource sums the net credits each key received from one
// subscription across grants, renewals, and seat markers. Keys whose net is
// not positive are omitted.
func (service *Service) CreditsGrantedBySource(ctx context.Context, holder HolderID, sourceID string) (map[CreditKey]int64, error) {
	trimmed := strings.TrimSpace(sourceID)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty source id", ErrInvalidSourceID)
	}
	sums, err := service.store.SumBySourceGroup(ctx, holder, trimmed, SubscriptionSources())
	if err != nil {
		return nil, err
	}
	granted := make(map[CreditKey]int64, len(sums))
	for key, net := range sums {
		if net > 0 {
			granted[key] = net
		}
	}
	return granted, nil
}
