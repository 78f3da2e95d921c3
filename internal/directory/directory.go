// Package directory holds the user records the access core resolves
// principals against. Identity proofing happens upstream.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PrimaryRole is the account-level role tag fixed at signup.
type PrimaryRole string

const (
	RoleHomeowner PrimaryRole = "homeowner"
	RoleAgent     PrimaryRole = "agent"
	RoleLender    PrimaryRole = "lender"
)

// Valid reports whether r is one of the account-level role tags.
func (r PrimaryRole) Valid() bool {
	switch r {
	case RoleHomeowner, RoleAgent, RoleLender:
		return true
	}
	return false
}

// Professional reports whether r can be linked to homeowners as a client.
func (r PrimaryRole) Professional() bool {
	return r == RoleAgent || r == RoleLender
}

var (
	ErrNotFound     = errors.New("directory: user not found")
	ErrInvalidInput = errors.New("directory: invalid input")
	ErrConflict     = errors.New("directory: user already exists")
)

// User is a principal known to the platform. PrimaryRole never changes
// after creation; elevated roles live in the permission store.
type User struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	PrimaryRole PrimaryRole `json:"primary_role"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store persists users.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
}

// Directory validates input before it reaches the store.
type Directory struct {
	store Store
}

func New(store Store) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	return &Directory{store: store}, nil
}

// Create registers a user. The id is supplied by the upstream identity system.
func (d *Directory) Create(ctx context.Context, u User) (User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	u.PrimaryRole = PrimaryRole(strings.ToLower(strings.TrimSpace(string(u.PrimaryRole))))
	if u.ID == "" {
		return User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if !u.PrimaryRole.Valid() {
		return User{}, fmt.Errorf("%w: unsupported primary role %q", ErrInvalidInput, u.PrimaryRole)
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Email
	}
	return d.store.CreateUser(ctx, u)
}

// Find returns the user with id or ErrNotFound.
func (d *Directory) Find(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, ErrNotFound
	}
	return d.store.FindUser(ctx, id)
}
