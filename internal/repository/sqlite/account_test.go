package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// newTestDB opens a fresh in-memory database with the full schema applied.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "failed to create test db")
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestAccount(t *testing.T, db *DB, username, email string) *model.Account {
	t.Helper()
	a := &model.Account{
		Username:     username,
		Email:        email,
		PasswordHash: "$2a$04$placeholder",
		FirstName:    "Test",
		Roles:        []string{model.RoleUser},
		Active:       true,
	}
	require.NoError(t, db.CreateAccount(context.Background(), a))
	return a
}

// =========================================================================
// SCHEMA
// =========================================================================

func TestNew_SeedsRoles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, name := range []string{model.RoleUser, model.RoleAdmin} {
		role, err := db.FindRoleByName(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, role, "role %s should be seeded", name)
		assert.Equal(t, name, role.Name)
	}

	missing, err := db.FindRoleByName(ctx, "AUDITOR")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNew_ReopenFileIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "identity.db")

	first, err := New(path, logger)
	require.NoError(t, err)
	createTestAccount(t, first, "alice", "alice@x.com")
	require.NoError(t, first.Close())

	second, err := New(path, logger)
	require.NoError(t, err, "re-running migrations must be a no-op")
	defer second.Close()

	a, err := second.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, a)
}

// =========================================================================
// ACCOUNTS
// =========================================================================

func TestCreateAccount_AssignsIDAndRoles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := createTestAccount(t, db, "alice", "alice@x.com")
	assert.Positive(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := db.FindByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "alice@x.com", got.Email)
	assert.Equal(t, []string{model.RoleUser}, got.Roles)
	assert.True(t, got.Active)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)
}

func TestFind_ReturnsNilWhenAbsent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	byID, err := db.FindByID(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, byID)

	byName, err := db.FindByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, byName)

	byEmail, err := db.FindByEmail(ctx, "nobody@x.com")
	require.NoError(t, err)
	assert.Nil(t, byEmail)

	byIdentity, err := db.FindByLinkedIdentity(ctx, "github", "1")
	require.NoError(t, err)
	assert.Nil(t, byIdentity)
}

func TestFind_IsCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAccount(t, db, "Alice", "Alice@X.com")

	a, err := db.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, a)

	exists, err := db.ExistsByEmail(ctx, "alice@x.COM")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = db.ExistsByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateAccount_Conflicts(t *testing.T) {
	db := newTestDB(t)
	createTestAccount(t, db, "alice", "alice@x.com")

	tests := []struct {
		name      string
		username  string
		email     string
		wantField string
	}{
		{"same username different case", "ALICE", "other@x.com", "username"},
		{"same email", "alice2", "alice@x.com", "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.CreateAccount(context.Background(), &model.Account{
				Username: tt.username, Email: tt.email, Roles: []string{model.RoleUser},
			})
			require.ErrorIs(t, err, apperror.ErrConflict)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestCreateAccount_UnknownRoleLeavesNoRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.CreateAccount(ctx, &model.Account{
		Username: "carol", Email: "carol@x.com", Roles: []string{"NO_SUCH_ROLE"},
	})
	require.ErrorIs(t, err, apperror.ErrNotFound)

	exists, err := db.ExistsByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, exists, "failed create must roll back the account row")
}

func TestUpdateAccount_PersistsBookkeeping(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestAccount(t, db, "alice", "alice@x.com")

	lastLogin := time.Date(2026, 2, 3, 4, 5, 6, 7_000_000, time.UTC)
	lockedUntil := lastLogin.Add(15 * time.Minute)
	a.FailedLoginAttempts = 3
	a.LastLoginAt = &lastLogin
	a.LockedUntil = &lockedUntil
	a.EmailVerified = true
	require.NoError(t, db.UpdateAccount(ctx, a))

	got, err := db.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailedLoginAttempts)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, lastLogin.Equal(*got.LastLoginAt))
	require.NotNil(t, got.LockedUntil)
	assert.True(t, lockedUntil.Equal(*got.LockedUntil))
	assert.True(t, got.EmailVerified)

	a.LockedUntil = nil
	require.NoError(t, db.UpdateAccount(ctx, a))
	got, _ = db.FindByID(ctx, a.ID)
	assert.Nil(t, got.LockedUntil)
}

func TestUpdateAccount_Missing(t *testing.T) {
	db := newTestDB(t)
	err := db.UpdateAccount(context.Background(), &model.Account{ID: 404})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// LINKED IDENTITIES
// =========================================================================

func TestLinkedIdentity_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestAccount(t, db, "alice", "alice@x.com")

	li := &model.LinkedIdentity{
		AccountID:   a.ID,
		Provider:    "github",
		Subject:     "1001",
		Email:       "alice@x.com",
		AccessToken: "gho_first",
	}
	require.NoError(t, db.CreateLinkedIdentity(ctx, li))
	assert.Positive(t, li.ID)

	owner, err := db.FindByLinkedIdentity(ctx, "github", "1001")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, a.ID, owner.ID)

	li.AccessToken = "gho_second"
	li.LastUsedAt = li.LastUsedAt.Add(time.Hour)
	require.NoError(t, db.UpdateLinkedIdentity(ctx, li))

	list, err := db.LinkedIdentities(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "github", list[0].Provider)
	assert.True(t, li.LastUsedAt.Equal(list[0].LastUsedAt))
	assert.Empty(t, list[0].AccessToken, "cached provider tokens are not listed")

	dup := &model.LinkedIdentity{AccountID: a.ID, Provider: "github", Subject: "1001"}
	err = db.CreateLinkedIdentity(ctx, dup)
	require.ErrorIs(t, err, apperror.ErrConflict)

	err = db.UpdateLinkedIdentity(ctx, &model.LinkedIdentity{Provider: "github", Subject: "nope"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// TRANSACTIONS
// =========================================================================

func TestWithinTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithinTx(ctx, func(repo repository.AccountRepository) error {
		a := &model.Account{Username: "dave", Email: "dave@x.com", Roles: []string{model.RoleUser}}
		if err := repo.CreateAccount(ctx, a); err != nil {
			return err
		}
		return repo.CreateLinkedIdentity(ctx, &model.LinkedIdentity{
			AccountID: a.ID, Provider: "google", Subject: "g-1",
		})
	})
	require.NoError(t, err)

	err = db.WithinTx(ctx, func(repo repository.AccountRepository) error {
		a := &model.Account{Username: "erin", Email: "erin@x.com", Roles: []string{model.RoleUser}}
		if err := repo.CreateAccount(ctx, a); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	dave, _ := db.FindByLinkedIdentity(ctx, "google", "g-1")
	assert.NotNil(t, dave, "committed transaction must persist")

	erin, _ := db.FindByUsername(ctx, "erin")
	assert.Nil(t, erin, "failed transaction must roll back")
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
}
