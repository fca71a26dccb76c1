package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
)

const accountColumns = `a.id, a.username, a.email, a.password_hash, a.first_name, a.last_name, a.phone,
	a.email_verified, a.active, a.failed_login_attempts, a.locked_until, a.last_login_at,
	a.created_at, a.updated_at`

// findAccount runs a single-row account query and loads its roles.
// Returns (nil, nil) when no row matches.
func (db *DB) findAccount(ctx context.Context, what string, query string, args ...any) (*model.Account, error) {
	var (
		a                    model.Account
		lockedUntil, lastLog sql.NullInt64
		createdAt, updatedAt int64
	)
	err := db.q.QueryRowContext(ctx, query, args...).Scan(
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
		&lockedUntil,
		&lastLog,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: finding account by %s: %w", what, err)
	}
	a.LockedUntil = fromNullMillis(lockedUntil)
	a.LastLoginAt = fromNullMillis(lastLog)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)

	roles, err := db.accountRoles(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Roles = roles
	return &a, nil
}

func (db *DB) accountRoles(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT r.name FROM roles r
		 JOIN account_roles ar ON ar.role_id = r.id
		 WHERE ar.account_id = ?
		 ORDER BY r.name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading roles for account %d: %w", accountID, err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scanning role: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

func (db *DB) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	return db.findAccount(ctx, "id",
		`SELECT `+accountColumns+` FROM accounts a WHERE a.id = ?`, id)
}

func (db *DB) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	return db.findAccount(ctx, "username",
		`SELECT `+accountColumns+` FROM accounts a WHERE a.username = ?`, username)
}

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	return db.findAccount(ctx, "email",
		`SELECT `+accountColumns+` FROM accounts a WHERE a.email = ?`, email)
}

func (db *DB) FindByLinkedIdentity(ctx context.Context, provider, subject string) (*model.Account, error) {
	return db.findAccount(ctx, "linked identity",
		`SELECT `+accountColumns+` FROM accounts a
		 JOIN linked_identities li ON li.account_id = a.id
		 WHERE li.provider = ? AND li.subject = ?`,
		provider, subject)
}

func (db *DB) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return db.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE username = ?)`, username)
}

func (db *DB) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return db.exists(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE email = ?)`, email)
}

func (db *DB) exists(ctx context.Context, query string, arg any) (bool, error) {
	var found bool
	if err := db.q.QueryRowContext(ctx, query, arg).Scan(&found); err != nil {
		return false, fmt.Errorf("sqlite: existence check: %w", err)
	}
	return found, nil
}

// CreateAccount inserts the account row and one account_roles row per role
// name, atomically. An unknown role name fails the whole insert.
func (db *DB) CreateAccount(ctx context.Context, account *model.Account) error {
	ts := now()
	err := db.atomic(ctx, func(tx *DB) error {
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO accounts (username, email, password_hash, first_name, last_name, phone,
				email_verified, active, failed_login_attempts, locked_until, last_login_at,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			account.Username,
			account.Email,
			account.PasswordHash,
			account.FirstName,
			account.LastName,
			account.Phone,
			account.EmailVerified,
			account.Active,
			account.FailedLoginAttempts,
			toNullMillis(account.LockedUntil),
			toNullMillis(account.LastLoginAt),
			toMillis(ts),
			toMillis(ts),
		)
		if err != nil {
			if conflict := uniqueViolation(err); conflict != nil {
				return conflict
			}
			return fmt.Errorf("sqlite: inserting account %q: %w", account.Username, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: reading new account id: %w", err)
		}

		for _, role := range account.Roles {
			res, err := tx.q.ExecContext(ctx,
				`INSERT INTO account_roles (account_id, role_id)
				 SELECT ?, id FROM roles WHERE name = ?`,
				id, role,
			)
			if err != nil {
				return fmt.Errorf("sqlite: assigning role %s: %w", role, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperror.NotFound("role", role)
			}
		}

		account.ID = id
		return nil
	})
	if err != nil {
		return err
	}
	account.CreatedAt = ts
	account.UpdatedAt = ts
	return nil
}

// UpdateAccount writes the mutable columns. Username, email and roles are
// not changed here.
func (db *DB) UpdateAccount(ctx context.Context, account *model.Account) error {
	ts := now()
	res, err := db.q.ExecContext(ctx,
		`UPDATE accounts SET
			password_hash = ?, first_name = ?, last_name = ?, phone = ?,
			email_verified = ?, active = ?, failed_login_attempts = ?,
			locked_until = ?, last_login_at = ?, updated_at = ?
		 WHERE id = ?`,
		account.PasswordHash,
		account.FirstName,
		account.LastName,
		account.Phone,
		account.EmailVerified,
		account.Active,
		account.FailedLoginAttempts,
		toNullMillis(account.LockedUntil),
		toNullMillis(account.LastLoginAt),
		toMillis(ts),
		account.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating account %d: %w", account.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("account", fmt.Sprint(account.ID))
	}
	account.UpdatedAt = ts
	return nil
}

func (db *DB) FindRoleByName(ctx context.Context, name string) (*model.Role, error) {
	var r model.Role
	err := db.q.QueryRowContext(ctx,
		`SELECT id, name, description FROM roles WHERE name = ?`, name,
	).Scan(&r.ID, &r.Name, &r.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: finding role %s: %w", name, err)
	}
	return &r, nil
}
