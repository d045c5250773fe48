package user

import "time"

// StoredUser is one connected chat user's durable credential record. At most
// one row per user; reconnecting overwrites the account and token but keeps
// the worker name until it is reset.
type StoredUser struct {
	UserID         int64   `gorm:"primaryKey"`
	CloudAccountID string  `gorm:"type:varchar(64);not null"`
	EncryptedToken string  `gorm:"type:text;not null"`
	WorkerName     *string `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (StoredUser) TableName() string { return "stored_users" }
