package payments

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// StatusKind enumerates where the latest payment for a receiving address
// stands in the attestation pipeline.
type StatusKind int

const (
	// StatusNoPayment means no accepted payment exists yet.
	StatusNoPayment StatusKind = iota
	// StatusPending means a payment arrived but is not final yet.
	StatusPending
	// StatusInAttestation means the payment is confirmed and the attestation
	// has not been posted yet.
	StatusInAttestation
	// StatusAttested means the attestation unit was posted.
	StatusAttested
)

// Status describes the latest transaction on a receiving address.
type Status struct {
	Kind              StatusKind
	ReceivedAmount    int64
	AttestedAtSeconds int64
}

// LatestStatus inspects the most recent transaction for the receiving
// address, used by the conversation router to render the right prompt.
func (e *Engine) LatestStatus(ctx context.Context, receivingAddress string) (Status, error) {
	var tx Transaction
	err := e.db.WithContext(ctx).
		Where("receiving_address = ?", receivingAddress).
		Order("transaction_id DESC").
		Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{Kind: StatusNoPayment}, nil
	}
	if err != nil {
		return Status{}, err
	}

	if !tx.IsConfirmed {
		return Status{Kind: StatusPending, ReceivedAmount: tx.ReceivedAmount}, nil
	}

	postedAt, posted, err := e.dispatcher.PostedAt(ctx, tx.ID)
	if err != nil {
		return Status{}, err
	}
	if !posted {
		return Status{Kind: StatusInAttestation, ReceivedAmount: tx.ReceivedAmount}, nil
	}
	return Status{Kind: StatusAttested, ReceivedAmount: tx.ReceivedAmount, AttestedAtSeconds: postedAt}, nil
}
