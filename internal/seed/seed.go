package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	devUserID    = "00000000-0000-0000-0000-000000000001"
	devUserEmail = "coach@coachpay.local"
	devUserName  = "Local Coach"
)

// EnsureDevUser seeds a local user so checkout and invoice emails can be
// exercised without the external auth service.
func EnsureDevUser(db *gorm.DB) error {
	return EnsureUser(context.Background(), db, devUserID, devUserEmail, devUserName)
}

// EnsureUser inserts a user row if it does not exist yet.
func EnsureUser(ctx context.Context, db *gorm.DB, id, email, fullName string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	id = strings.TrimSpace(id)
	email = strings.TrimSpace(email)
	if id == "" || email == "" {
		return errors.New("seed user requires id and email")
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, full_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id,
		email,
		fullName,
		time.Now().UTC(),
	).Error
}
