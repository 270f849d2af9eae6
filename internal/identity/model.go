package identity

import "time"

// Identity is one external social-reputation account. The row always points
// at the latest data version; prior versions are retained in Version rows.
type Identity struct {
	ID                       int64  `gorm:"column:identity_id;primaryKey;autoIncrement"`
	ProviderID               string `gorm:"column:provider_id;size:190;not null;uniqueIndex:idx_identities_provider"`
	DisplayName              string `gorm:"column:display_name;size:190;not null"`
	Karma                    int64  `gorm:"column:karma;not null"`
	DataVersion              int64  `gorm:"column:data_version;not null;default:1"`
	ProviderCreatedAtSeconds int64  `gorm:"column:provider_created_at_s;not null"`
	FirstSeenAtSeconds       int64  `gorm:"column:first_seen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Identity) TableName() string {
	return "identities"
}

// Version is an immutable reputation snapshot. A new row is appended
// whenever the provider reports a different karma value.
type Version struct {
	IdentityID        int64  `gorm:"column:identity_id;primaryKey;autoIncrement:false"`
	Version           int64  `gorm:"column:version;primaryKey;autoIncrement:false"`
	Karma             int64  `gorm:"column:karma;not null"`
	ProfileJSON       string `gorm:"column:profile_json;type:text;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "identity_versions"
}

// Profile is the provider-asserted account data delivered by the OAuth
// callback.
type Profile struct {
	ProviderID  string
	DisplayName string
	Karma       int64
	CreatedAt   time.Time
	RawJSON     string
}
