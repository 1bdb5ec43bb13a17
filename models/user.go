package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity record behind a principal
type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Email       string    `json:"email" db:"email"`
	IsSuperuser bool      `json:"isSuperuser" db:"is_superuser"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	IsVerified  bool      `json:"isVerified" db:"is_verified"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates an active, unverified user
func NewUser(name, email string) *User {
	now := time.Now()
	return &User{
		ID:        uuid.New(),
		Name:      name,
		Email:     email,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DisplayName falls back to the email when no name is set
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
