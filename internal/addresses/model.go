package addresses

// ReceivingAddress is a payment address issued to collect the attestation
// fee for one (device, user address, identity) triple. At most one row per
// triple ever exists; only the visibility choice may change after creation.
type ReceivingAddress struct {
	Address           string `gorm:"column:receiving_address;primaryKey;size:64;not null"`
	DeviceAddress     string `gorm:"column:device_address;size:64;not null;uniqueIndex:idx_recv_triple,priority:1"`
	UserAddress       string `gorm:"column:user_address;size:64;not null;uniqueIndex:idx_recv_triple,priority:2"`
	IdentityID        int64  `gorm:"column:identity_id;not null;uniqueIndex:idx_recv_triple,priority:3"`
	PriceBytes        int64  `gorm:"column:price_bytes;not null"`
	PostPublicly      *bool  `gorm:"column:post_publicly"`
	AssignedAtSeconds int64  `gorm:"column:assigned_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReceivingAddress) TableName() string {
	return "receiving_addresses"
}
