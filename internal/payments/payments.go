// Package payments defines the value-transfer collaborator used when parcels
// change hands or pay tax.
package payments

import (
	"context"

	"github.com/stwalsh4118/parcelledger/internal/models"
)

// Gateway moves value between principals.
// Implementations must either complete a transfer or leave balances untouched.
type Gateway interface {
	// Settle pays amount from buyer to seller for a purchase.
	Settle(ctx context.Context, buyer, seller models.Principal, amount uint64) error

	// CollectTax debits owner for tax on a parcel in zone.
	// The amount, if any, is the gateway's decision.
	CollectTax(ctx context.Context, owner models.Principal, zone models.Zone) error

	// Refund reverses a completed Settle with the same arguments.
	Refund(ctx context.Context, buyer, seller models.Principal, amount uint64) error

	// RefundTax reverses a completed CollectTax with the same arguments.
	RefundTax(ctx context.Context, owner models.Principal, zone models.Zone) error
}

// Noop is a Gateway that accepts every transfer without moving value.
type Noop struct{}

// Settle always succeeds.
func (Noop) Settle(context.Context, models.Principal, models.Principal, uint64) error {
	return nil
}

// CollectTax always succeeds.
func (Noop) CollectTax(context.Context, models.Principal, models.Zone) error {
	return nil
}

// Refund always succeeds.
func (Noop) Refund(context.Context, models.Principal, models.Principal, uint64) error {
	return nil
}

// RefundTax always succeeds.
func (Noop) RefundTax(context.Context, models.Principal, models.Zone) error {
	return nil
}
