package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/lock"
	"github.com/sakif/identity-service/internal/metrics"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// Resolution says which path ResolveFederated took.
type Resolution int

const (
	// ResolvedExisting: the (provider, subject) pair was already linked.
	ResolvedExisting Resolution = iota + 1
	// ResolvedLinked: an account with the asserted email got a new link.
	ResolvedLinked
	// ResolvedCreated: a new account was created for the identity.
	ResolvedCreated
)

func (r Resolution) String() string {
	switch r {
	case ResolvedExisting:
		return "existing"
	case ResolvedLinked:
		return "linked"
	case ResolvedCreated:
		return "created"
	default:
		return "unknown"
	}
}

// AccountResolver maps an identity assertion (local credentials or a
// provider's claims) to exactly one Account.
//
// Every path that may create or link runs under per-key locks, so two
// requests for the same username, email or provider subject never both
// decide "absent". The store's unique constraints back this up across
// processes that do not share a locker.
type AccountResolver struct {
	accounts    repository.AccountRepository
	passwords   *auth.PasswordService
	locker      lock.Locker
	defaultRole string
	metrics     metrics.AuthRecorder
	logger      *slog.Logger
	now         func() time.Time
}

func NewAccountResolver(
	accounts repository.AccountRepository,
	passwords *auth.PasswordService,
	locker lock.Locker,
	defaultRole string,
	recorder metrics.AuthRecorder,
	logger *slog.Logger,
) *AccountResolver {
	return &AccountResolver{
		accounts:    accounts,
		passwords:   passwords,
		locker:      locker,
		defaultRole: defaultRole,
		metrics:     recorder,
		logger:      logger,
		now:         time.Now,
	}
}

// CheckDefaultRole confirms the default role exists. A missing role is a
// configuration error; the server refuses to start.
func (r *AccountResolver) CheckDefaultRole(ctx context.Context) error {
	role, err := r.accounts.FindRoleByName(ctx, r.defaultRole)
	if err != nil {
		return fmt.Errorf("service/resolver: loading default role: %w", err)
	}
	if role == nil {
		return apperror.NotFound("role", r.defaultRole)
	}
	return nil
}

// LocalRegistration is a validated registration request.
type LocalRegistration struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// ResolveLocal creates a password account.
//
// The uniqueness check runs twice: once up front so an obvious conflict
// costs no bcrypt work, and again under the username and email locks right
// before the insert. Hashing happens outside the locks.
func (r *AccountResolver) ResolveLocal(ctx context.Context, reg LocalRegistration) (*model.Account, error) {
	if err := r.checkAvailable(ctx, r.accounts, reg.Username, reg.Email); err != nil {
		return nil, err
	}

	hash, err := r.passwords.Hash(reg.Password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", "password must be 72 bytes or fewer")
	}

	unlock, err := r.locker.Lock(ctx, usernameKey(reg.Username), emailKey(reg.Email))
	if err != nil {
		return nil, unavailable("locking registration keys", err)
	}
	defer unlock()

	if err := r.checkAvailable(ctx, r.accounts, reg.Username, reg.Email); err != nil {
		return nil, err
	}

	account := &model.Account{
		Username:     reg.Username,
		Email:        reg.Email,
		PasswordHash: hash,
		FirstName:    reg.FirstName,
		LastName:     reg.LastName,
		Phone:        reg.Phone,
	}
	if err := r.createAccount(ctx, r.accounts, account); err != nil {
		return nil, err
	}

	r.logger.Info("account registered",
		slog.Int64("accountID", account.ID),
		slog.String("username", account.Username),
	)
	return account, nil
}

// checkAvailable returns a Conflict naming the first taken field.
func (r *AccountResolver) checkAvailable(ctx context.Context, repo repository.AccountRepository, username, email string) error {
	taken, err := repo.ExistsByUsername(ctx, username)
	if err != nil {
		return unavailable("checking username", err)
	}
	if taken {
		return apperror.Conflict("username", "username is already taken")
	}

	taken, err = repo.ExistsByEmail(ctx, email)
	if err != nil {
		return unavailable("checking email", err)
	}
	if taken {
		return apperror.Conflict("email", "email is already registered")
	}
	return nil
}

// storedIdentityEmail returns the email recorded for (provider, subject) on
// accountID, or "" when none was recorded.
func storedIdentityEmail(ctx context.Context, repo repository.AccountRepository, accountID int64, provider, subject string) (string, error) {
	links, err := repo.LinkedIdentities(ctx, accountID)
	if err != nil {
		return "", unavailable("reading linked identities", err)
	}
	for _, li := range links {
		if li.Provider == provider && li.Subject == subject {
			return li.Email, nil
		}
	}
	return "", nil
}

// createAccount is the single account-creation primitive shared by the
// local and federated paths. It assigns the default role.
func (r *AccountResolver) createAccount(ctx context.Context, repo repository.AccountRepository, account *model.Account) error {
	account.Roles = []string{r.defaultRole}
	account.Active = true
	if err := repo.CreateAccount(ctx, account); err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return unavailable("creating account", err)
	}
	return nil
}

// ResolveFederated finds or creates the account for a provider identity:
//
//  1. (provider, subject) already linked → that account, link refreshed
//  2. an account has the asserted email → link the identity to it
//  3. otherwise create an account (username = email, email verified) and link
//
// All three steps run in one store transaction under the identity and email
// locks. Those locks do not reach other instances without Redis, so a writer
// elsewhere can still win the race and trip a unique constraint. The steps
// then run once more in a fresh transaction and land on that writer's row:
// its identity (step 1) or its account with the same email (step 2).
func (r *AccountResolver) ResolveFederated(ctx context.Context, user *auth.FederatedUser) (*model.Account, Resolution, error) {
	provider := strings.ToLower(strings.TrimSpace(user.Provider))
	subject := strings.TrimSpace(user.Subject)
	if provider == "" || subject == "" {
		return nil, 0, apperror.ValidationFailed("subject", "identity provider did not supply a subject")
	}
	email := normalizeEmail(user.Email)

	unlock, err := r.locker.Lock(ctx, identityKey(provider, subject), emailKey(email))
	if err != nil {
		return nil, 0, unavailable("locking identity keys", err)
	}
	defer unlock()

	account, resolution, err := r.resolveFederatedTx(ctx, provider, subject, email, user)
	if errors.Is(err, apperror.ErrConflict) {
		r.logger.Info("federated resolution lost a race, retrying",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		account, resolution, err = r.resolveFederatedTx(ctx, provider, subject, email, user)
	}
	if err != nil {
		return nil, 0, err
	}

	if resolution != ResolvedExisting {
		r.metrics.RecordIdentityLinked(provider)
	}
	r.logger.Info("federated identity resolved",
		slog.Int64("accountID", account.ID),
		slog.String("provider", provider),
		slog.String("resolution", resolution.String()),
	)
	return account, resolution, nil
}

// resolveFederatedTx runs the three steps in their own transaction. A
// failed attempt is rolled back before it returns, which Postgres needs
// before the connection can be read again.
func (r *AccountResolver) resolveFederatedTx(
	ctx context.Context,
	provider, subject, email string,
	user *auth.FederatedUser,
) (account *model.Account, resolution Resolution, err error) {
	err = r.accounts.WithinTx(ctx, func(repo repository.AccountRepository) error {
		var err error
		account, resolution, err = r.resolveFederated(ctx, repo, provider, subject, email, user)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return account, resolution, nil
}

func (r *AccountResolver) resolveFederated(
	ctx context.Context,
	repo repository.AccountRepository,
	provider, subject, email string,
	user *auth.FederatedUser,
) (*model.Account, Resolution, error) {
	now := r.now().UTC()
	identity := &model.LinkedIdentity{
		Provider:       provider,
		Subject:        subject,
		Email:          email,
		AccessToken:    user.AccessToken,
		RefreshToken:   user.RefreshToken,
		TokenExpiresAt: user.TokenExpiresAt,
		LinkedAt:       now,
		LastUsedAt:     now,
	}

	// Step 1: repeat login.
	account, err := repo.FindByLinkedIdentity(ctx, provider, subject)
	if err != nil {
		return nil, 0, unavailable("finding linked identity", err)
	}
	if account != nil {
		// Providers may omit the email on later logins; keep the one on file.
		if identity.Email == "" {
			if identity.Email, err = storedIdentityEmail(ctx, repo, account.ID, provider, subject); err != nil {
				return nil, 0, err
			}
		}
		if err := repo.UpdateLinkedIdentity(ctx, identity); err != nil {
			return nil, 0, unavailable("refreshing linked identity", err)
		}
		return account, ResolvedExisting, nil
	}

	if email == "" {
		return nil, 0, apperror.ValidationFailed("email", "identity provider did not supply an email address")
	}

	// Step 2: link by email.
	account, err = repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, 0, unavailable("finding account by email", err)
	}
	resolution := ResolvedLinked

	// Step 3: new account.
	if account == nil {
		account = &model.Account{
			Username:      email,
			Email:         email,
			FirstName:     strings.TrimSpace(user.GivenName),
			LastName:      strings.TrimSpace(user.FamilyName),
			EmailVerified: true,
		}
		if err := r.createAccount(ctx, repo, account); err != nil {
			return nil, 0, err
		}
		resolution = ResolvedCreated
	}

	identity.AccountID = account.ID
	if err := repo.CreateLinkedIdentity(ctx, identity); err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, 0, err
		}
		return nil, 0, unavailable("linking identity", err)
	}
	return account, resolution, nil
}

// Lock keys. Usernames and emails compare case-insensitively in both
// stores, so their keys are lower-cased too.

func usernameKey(username string) string {
	return "username:" + strings.ToLower(username)
}

func emailKey(email string) string {
	if email == "" {
		return ""
	}
	return "email:" + strings.ToLower(email)
}

func identityKey(provider, subject string) string {
	return "identity:" + provider + ":" + subject
}

func accountKey(id int64) string {
	return "account:" + strconv.FormatInt(id, 10)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// unavailable wraps a store, lock or deadline failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, apperror.Unavailable(err))
}
