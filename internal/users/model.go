package users

// User is the per-device conversation state. A row is created on first
// contact from a device and never deleted.
type User struct {
	DeviceAddress     string  `gorm:"column:device_address;primaryKey;size:64;not null"`
	UserAddress       *string `gorm:"column:user_address;size:64"`
	IdentityID        *int64  `gorm:"column:identity_id"`
	PendingIdentityID *int64  `gorm:"column:pending_identity_id"`
	CreatedAtSeconds  int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}
