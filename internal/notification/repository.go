package notification

import (
	"context"

	"gorm.io/gorm"
)

// Recipient is the read-only view of a marketplace user.
type Recipient struct {
	ID       string
	Email    string
	FullName string
}

type UserRepository interface {
	FindRecipient(ctx context.Context, db *gorm.DB, userID string) (*Recipient, error)
}

type userRepo struct{}

func NewUserRepository() UserRepository {
	return &userRepo{}
}

func (r *userRepo) FindRecipient(ctx context.Context, db *gorm.DB, userID string) (*Recipient, error) {
	var row Recipient
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, COALESCE(full_name, '') AS full_name
		FROM users
		WHERE id = ?
		LIMIT 1`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return &row, nil
}
