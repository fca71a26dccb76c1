// Package model defines the data structures used throughout the application.
package model

import "time"

// Role names shipped with the schema. Roles are reference data: they are
// seeded by migrations and never modified at runtime.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Account is the canonical identity record.
//
// Username and Email are each globally unique. The store decides case
// handling: both adapters compare them case-insensitively.
//
// WHY PasswordHash string (not *string)?
// An account created by a federated login has no password. We use the empty
// string for "no password" rather than a nullable pointer, and every such
// account owns at least one LinkedIdentity.
type Account struct {
	ID                  int64      `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	Phone               string     `json:"phone,omitempty"`
	Roles               []string   `json:"roles"`
	EmailVerified       bool       `json:"emailVerified"`
	Active              bool       `json:"active"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HasPassword reports whether the account can log in with a password.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// IsLocked reports whether a lockout is in force at the given instant.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Role is a named permission grouping assigned to accounts many-to-many.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LinkedIdentity binds an Account to one subject at an external identity
// provider. (Provider, Subject) is globally unique.
//
// The cached provider tokens never leave the service: they have no JSON
// representation.
type LinkedIdentity struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"accountId"`
	Provider       string     `json:"provider"`
	Subject        string     `json:"subject"`
	Email          string     `json:"email"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"-"`
	LinkedAt       time.Time  `json:"linkedAt"`
	LastUsedAt     time.Time  `json:"lastUsedAt"`
}
