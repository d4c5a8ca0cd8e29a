package users

import "time"

// User holds the per-user state this backend owns: the selected privacy
// tier and the homomorphic-encryption public key recorded at consent time.
// Account credentials live in the external account service.
type User struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	PrivacyTier string     `gorm:"column:privacy_tier;size:32;not null;default:'local_only'"`
	HEPublicKey []byte     `gorm:"column:he_public_key;type:blob"`
	ConsentAt   *time.Time `gorm:"column:consent_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user sync state.
func (User) TableName() string {
	return "users"
}
