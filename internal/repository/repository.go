// Package repository defines the storage contract the service layer consumes.
//
// WHY INTERFACES?
// The service layer depends on AccountRepository, not on SQLite or Postgres.
// That lets us:
//   - swap the backend through configuration (sqlite for one node, postgres
//     for many)
//   - test the service with an in-memory fake
//
// CONTRACT:
//   - Find* return (nil, nil) when nothing matches. "Not found" is an answer,
//     not an error.
//   - Create* return an *apperror.AppError of kind ErrConflict, with Field set
//     to "username", "email" or "identity", when a unique constraint rejects
//     the row. Callers may treat that as "someone else just created it".
//   - Any other error means the store itself failed.
package repository

import (
	"context"

	"github.com/sakif/identity-service/internal/model"
)

// AccountRepository is the credential store adapter.
type AccountRepository interface {
	FindByID(ctx context.Context, id int64) (*model.Account, error)
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	// FindByLinkedIdentity returns the account owning (provider, subject).
	FindByLinkedIdentity(ctx context.Context, provider, subject string) (*model.Account, error)

	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)

	// CreateAccount inserts the account and its role assignments and sets
	// ID, CreatedAt and UpdatedAt on success.
	CreateAccount(ctx context.Context, account *model.Account) error
	// UpdateAccount persists the mutable fields: profile, email-verified,
	// active, failure counter, lock and last-login.
	UpdateAccount(ctx context.Context, account *model.Account) error

	// CreateLinkedIdentity sets ID on success.
	CreateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error
	// UpdateLinkedIdentity updates the row matching (Provider, Subject):
	// email, cached tokens and last-used time.
	UpdateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error

	// LinkedIdentities lists the identities bound to an account, oldest
	// first. Cached provider tokens are not loaded.
	LinkedIdentities(ctx context.Context, accountID int64) ([]model.LinkedIdentity, error)

	// FindRoleByName returns the named role, or nil if the store has none.
	FindRoleByName(ctx context.Context, name string) (*model.Role, error)

	// WithinTx runs fn against a repository bound to one transaction.
	// fn's error rolls the transaction back. Nested calls reuse the outer
	// transaction.
	WithinTx(ctx context.Context, fn func(repo AccountRepository) error) error

	Ping(ctx context.Context) error
}
