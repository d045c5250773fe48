package user

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Upsert inserts or replaces the user's account and token. WorkerName is
// deliberately left out of the update set so reconnecting keeps it.
func (r *Repo) Upsert(ctx context.Context, u *StoredUser) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cloud_account_id", "encrypted_token", "updated_at"}),
	}).Create(u).Error
}

func (r *Repo) Get(ctx context.Context, userID int64) (*StoredUser, error) {
	var u StoredUser
	if err := r.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Delete removes the user's row. Deleting an absent row is a no-op, so
// /forget stays idempotent.
func (r *Repo) Delete(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).Delete(&StoredUser{}, "user_id = ?", userID).Error
}

func (r *Repo) SetWorkerName(ctx context.Context, userID int64, workerName string) error {
	return r.db.WithContext(ctx).Model(&StoredUser{}).
		Where("user_id = ?", userID).
		Update("worker_name", workerName).Error
}

func (r *Repo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&StoredUser{}).Count(&n).Error
	return n, err
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
