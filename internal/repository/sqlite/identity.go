package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
)

// CreateLinkedIdentity inserts a (provider, subject) binding. A second
// binding for the same pair is a conflict on field "identity".
func (db *DB) CreateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	ts := now()
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = ts
	}
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = ts
	}

	res, err := db.q.ExecContext(ctx,
		`INSERT INTO linked_identities (account_id, provider, subject, email,
			access_token, refresh_token, token_expires_at, linked_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.AccountID,
		identity.Provider,
		identity.Subject,
		identity.Email,
		identity.AccessToken,
		identity.RefreshToken,
		toNullMillis(identity.TokenExpiresAt),
		toMillis(identity.LinkedAt),
		toMillis(identity.LastUsedAt),
	)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("sqlite: linking %s identity to account %d: %w",
			identity.Provider, identity.AccountID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading new identity id: %w", err)
	}
	identity.ID = id
	return nil
}

// UpdateLinkedIdentity refreshes the provider email, cached tokens and
// last-used time of the (provider, subject) row.
func (db *DB) UpdateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = now()
	}
	res, err := db.q.ExecContext(ctx,
		`UPDATE linked_identities SET
			email = ?, access_token = ?, refresh_token = ?, token_expires_at = ?, last_used_at = ?
		 WHERE provider = ? AND subject = ?`,
		identity.Email,
		identity.AccessToken,
		identity.RefreshToken,
		toNullMillis(identity.TokenExpiresAt),
		toMillis(identity.LastUsedAt),
		identity.Provider,
		identity.Subject,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating %s identity %s: %w", identity.Provider, identity.Subject, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("linked identity", identity.Provider+":"+identity.Subject)
	}
	return nil
}

// LinkedIdentities lists the identities bound to an account, oldest first.
func (db *DB) LinkedIdentities(ctx context.Context, accountID int64) ([]model.LinkedIdentity, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT id, account_id, provider, subject, email, token_expires_at, linked_at, last_used_at
		 FROM linked_identities WHERE account_id = ? ORDER BY linked_at, id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing identities of account %d: %w", accountID, err)
	}
	defer rows.Close()

	var out []model.LinkedIdentity
	for rows.Next() {
		var (
			li                 model.LinkedIdentity
			linkedAt, lastUsed int64
			expires            sql.NullInt64
		)
		if err := rows.Scan(&li.ID, &li.AccountID, &li.Provider, &li.Subject, &li.Email,
			&expires, &linkedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("sqlite: scanning identity: %w", err)
		}
		li.TokenExpiresAt = fromNullMillis(expires)
		li.LinkedAt = fromMillis(linkedAt)
		li.LastUsedAt = fromMillis(lastUsed)
		out = append(out, li)
	}
	return out, rows.Err()
}
