package rewards

// RewardRecord marks a first-time attestation bonus as issued. The composite
// key (user address, identity) is the dedup gate; the paid unit is stamped
// only after the payout succeeds, so "recorded but unpaid" is a recoverable
// state for the retry sweep.
type RewardRecord struct {
	UserAddress      string  `gorm:"column:user_address;primaryKey;size:64;autoIncrement:false"`
	IdentityID       int64   `gorm:"column:identity_id;primaryKey;autoIncrement:false"`
	TransactionID    int64   `gorm:"column:transaction_id;not null"`
	DeviceAddress    string  `gorm:"column:device_address;size:64;not null"`
	RewardUSD        float64 `gorm:"column:reward_usd;not null"`
	AmountBytes      int64   `gorm:"column:amount_bytes;not null"`
	PaidUnit         *string `gorm:"column:paid_unit;size:64"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RewardRecord) TableName() string {
	return "reward_records"
}

// ReferralRewardRecord marks a referral bonus as issued, keyed by the
// referring address and the newly attested identity.
type ReferralRewardRecord struct {
	ReferrerAddress  string  `gorm:"column:referrer_address;primaryKey;size:64;autoIncrement:false"`
	NewIdentityID    int64   `gorm:"column:new_identity_id;primaryKey;autoIncrement:false"`
	TransactionID    int64   `gorm:"column:transaction_id;not null"`
	ReferrerDevice   string  `gorm:"column:referrer_device;size:64;not null"`
	NewUserAddress   string  `gorm:"column:new_user_address;size:64;not null"`
	RewardUSD        float64 `gorm:"column:reward_usd;not null"`
	AmountBytes      int64   `gorm:"column:amount_bytes;not null"`
	PaidUnit         *string `gorm:"column:paid_unit;size:64"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReferralRewardRecord) TableName() string {
	return "referral_reward_records"
}
