package payments

// NativeAsset is the only asset accepted for fee payments. The wallet
// daemon normalizes the network's base-asset marker to this value.
const NativeAsset = "base"

// Transaction is an accepted fee payment. It is created in the unconfirmed
// state, transitions to confirmed exactly once on finality, and is marked
// settled once the attestation and reward fan-out has completed. A confirmed
// but unsettled row is a settlement interrupted by a collaborator failure,
// picked up by the retry sweep.
type Transaction struct {
	ID                 int64  `gorm:"column:transaction_id;primaryKey;autoIncrement"`
	PaymentUnit        string `gorm:"column:payment_unit;size:64;not null;uniqueIndex:idx_tx_unit"`
	ReceivingAddress   string `gorm:"column:receiving_address;size:64;not null;index:idx_tx_recv"`
	PriceBytes         int64  `gorm:"column:price_bytes;not null"`
	ReceivedAmount     int64  `gorm:"column:received_amount;not null"`
	IsConfirmed        bool   `gorm:"column:is_confirmed;not null;default:false"`
	ConfirmedAtSeconds *int64 `gorm:"column:confirmed_at_s"`
	IsSettled          bool   `gorm:"column:is_settled;not null;default:false"`
	SettledAtSeconds   *int64 `gorm:"column:settled_at_s"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "transactions"
}

// RejectedPayment records a payment that failed validation, with the reason
// sent to the user. Keyed by unit so redelivered detection events do not
// duplicate the row or the notification.
type RejectedPayment struct {
	PaymentUnit      string `gorm:"column:payment_unit;primaryKey;size:64"`
	ReceivingAddress string `gorm:"column:receiving_address;size:64;not null"`
	PriceBytes       int64  `gorm:"column:price_bytes;not null"`
	ReceivedAmount   int64  `gorm:"column:received_amount;not null"`
	Reason           string `gorm:"column:reason;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RejectedPayment) TableName() string {
	return "rejected_payments"
}
