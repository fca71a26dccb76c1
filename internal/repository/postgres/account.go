package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
)

// Roles come back with the row as a sorted text[]; ARRAY() of no rows is
// '{}', never NULL.
const accountSelect = `SELECT a.id, a.username, a.email, a.password_hash, a.first_name, a.last_name, a.phone,
	a.email_verified, a.active, a.failed_login_attempts, a.locked_until, a.last_login_at,
	a.created_at, a.updated_at,
	ARRAY(SELECT r.name FROM account_roles ar JOIN roles r ON r.id = ar.role_id
	      WHERE ar.account_id = a.id ORDER BY r.name) AS roles
	FROM accounts a`

func (db *DB) findAccount(ctx context.Context, what, where string, args ...any) (*model.Account, error) {
	var a model.Account
	err := db.q.QueryRow(ctx, accountSelect+" "+where, args...).Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.PasswordHash,
		&a.FirstName,
		&a.LastName,
		&a.Phone,
		&a.EmailVerified,
		&a.Active,
		&a.FailedLoginAttempts,
		&a.LockedUntil,
		&a.LastLoginAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Roles,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: finding account by %s: %w", what, err)
	}
	return &a, nil
}

func (db *DB) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	return db.findAccount(ctx, "id", "WHERE a.id = $1", id)
}

func (db *DB) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	return db.findAccount(ctx, "username", "WHERE lower(a.username) = lower($1)", username)
}

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	return db.findAccount(ctx, "email", "WHERE lower(a.email) = lower($1)", email)
}

func (db *DB) FindByLinkedIdentity(ctx context.Context, provider, subject string) (*model.Account, error) {
	return db.findAccount(ctx, "linked identity",
		`JOIN linked_identities li ON li.account_id = a.id
		 WHERE li.provider = $1 AND li.subject = $2`,
		provider, subject)
}

func (db *DB) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return db.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE lower(username) = lower($1))`, username)
}

func (db *DB) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return db.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE lower(email) = lower($1))`, email)
}

func (db *DB) exists(ctx context.Context, query string, arg any) (bool, error) {
	var found bool
	if err := db.q.QueryRow(ctx, query, arg).Scan(&found); err != nil {
		return false, fmt.Errorf("postgres: existence check: %w", err)
	}
	return found, nil
}

// CreateAccount inserts the account and its role rows in one transaction.
func (db *DB) CreateAccount(ctx context.Context, account *model.Account) error {
	return db.atomic(ctx, func(tx *DB) error {
		err := tx.q.QueryRow(ctx,
			`INSERT INTO accounts (username, email, password_hash, first_name, last_name, phone,
				email_verified, active, failed_login_attempts, locked_until, last_login_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id, created_at, updated_at`,
			account.Username,
			account.Email,
			account.PasswordHash,
			account.FirstName,
			account.LastName,
			account.Phone,
			account.EmailVerified,
			account.Active,
			account.FailedLoginAttempts,
			account.LockedUntil,
			account.LastLoginAt,
		).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			if conflict := uniqueViolation(err); conflict != nil {
				return conflict
			}
			return fmt.Errorf("postgres: inserting account %q: %w", account.Username, err)
		}

		for _, role := range account.Roles {
			tag, err := tx.q.Exec(ctx,
				`INSERT INTO account_roles (account_id, role_id)
				 SELECT $1, id FROM roles WHERE name = $2`,
				account.ID, role,
			)
			if err != nil {
				return fmt.Errorf("postgres: assigning role %s: %w", role, err)
			}
			if tag.RowsAffected() == 0 {
				return apperror.NotFound("role", role)
			}
		}
		return nil
	})
}

func (db *DB) UpdateAccount(ctx context.Context, account *model.Account) error {
	err := db.q.QueryRow(ctx,
		`UPDATE accounts SET
			password_hash = $1, first_name = $2, last_name = $3, phone = $4,
			email_verified = $5, active = $6, failed_login_attempts = $7,
			locked_until = $8, last_login_at = $9, updated_at = now()
		 WHERE id = $10
		 RETURNING updated_at`,
		account.PasswordHash,
		account.FirstName,
		account.LastName,
		account.Phone,
		account.EmailVerified,
		account.Active,
		account.FailedLoginAttempts,
		account.LockedUntil,
		account.LastLoginAt,
		account.ID,
	).Scan(&account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound("account", strconv.FormatInt(account.ID, 10))
	}
	if err != nil {
		return fmt.Errorf("postgres: updating account %d: %w", account.ID, err)
	}
	return nil
}

func (db *DB) FindRoleByName(ctx context.Context, name string) (*model.Role, error) {
	var r model.Role
	err := db.q.QueryRow(ctx,
		`SELECT id, name, description FROM roles WHERE name = $1`, name,
	).Scan(&r.ID, &r.Name, &r.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: finding role %s: %w", name, err)
	}
	return &r, nil
}
