package attestation

// Record marks a transaction as handed to the attestor. Its presence is the
// exactly-once dispatch gate; the posted unit is filled in once the attestor
// accepts the payload.
type Record struct {
	TransactionID    int64   `gorm:"column:transaction_id;primaryKey;autoIncrement:false"`
	PayloadJSON      string  `gorm:"column:payload_json;type:text;not null"`
	PostedUnit       *string `gorm:"column:posted_unit;size:64"`
	PostedAtSeconds  *int64  `gorm:"column:posted_at_s"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "attestation_records"
}
