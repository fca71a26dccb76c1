package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
)

func (db *DB) CreateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	err := db.q.QueryRow(ctx,
		`INSERT INTO linked_identities (account_id, provider, subject, email,
			access_token, refresh_token, token_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, linked_at, last_used_at`,
		identity.AccountID,
		identity.Provider,
		identity.Subject,
		identity.Email,
		identity.AccessToken,
		identity.RefreshToken,
		identity.TokenExpiresAt,
	).Scan(&identity.ID, &identity.LinkedAt, &identity.LastUsedAt)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("postgres: linking %s identity to account %d: %w",
			identity.Provider, identity.AccountID, err)
	}
	return nil
}

func (db *DB) UpdateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	tag, err := db.q.Exec(ctx,
		`UPDATE linked_identities SET
			email = $1, access_token = $2, refresh_token = $3, token_expires_at = $4,
			last_used_at = COALESCE($5, now())
		 WHERE provider = $6 AND subject = $7`,
		identity.Email,
		identity.AccessToken,
		identity.RefreshToken,
		identity.TokenExpiresAt,
		nullTime(identity.LastUsedAt),
		identity.Provider,
		identity.Subject,
	)
	if err != nil {
		return fmt.Errorf("postgres: updating %s identity %s: %w", identity.Provider, identity.Subject, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("linked identity", identity.Provider+":"+identity.Subject)
	}
	return nil
}

func (db *DB) LinkedIdentities(ctx context.Context, accountID int64) ([]model.LinkedIdentity, error) {
	rows, err := db.q.Query(ctx,
		`SELECT id, account_id, provider, subject, email, token_expires_at, linked_at, last_used_at
		 FROM linked_identities WHERE account_id = $1 ORDER BY linked_at, id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing identities of account %d: %w", accountID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LinkedIdentity, error) {
		var li model.LinkedIdentity
		err := row.Scan(&li.ID, &li.AccountID, &li.Provider, &li.Subject, &li.Email,
			&li.TokenExpiresAt, &li.LinkedAt, &li.LastUsedAt)
		return li, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scanning identities: %w", err)
	}
	return out, nil
}
