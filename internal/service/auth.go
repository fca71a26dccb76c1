// Package service holds the identity business rules.
//
//	AuthHandler (HTTP) → AuthService ──→ AccountResolver → AccountRepository
//	                         ├──→ PasswordService (bcrypt)
//	                         └──→ TokenService (JWT)
//
// Services return *apperror.AppError for every failure a client may see.
// Store, lock and deadline failures surface as apperror.ErrUnavailable; the
// handlers never see a raw driver error.
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

// LockoutPolicy locks an account for Duration once FailedLoginAttempts
// reaches Threshold. A zero Threshold disables lockout.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// UserSummary is the public slice of an account returned with tokens.
type UserSummary struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// AuthResult is what every successful sign-in returns.
type AuthResult struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         UserSummary `json:"user"`
}

// Profile is the caller's own account as shown by /auth/me.
type Profile struct {
	UserSummary
	Phone           string     `json:"phone,omitempty"`
	Roles           []string   `json:"roles"`
	EmailVerified   bool       `json:"emailVerified"`
	LastLoginAt     *time.Time `json:"lastLoginAt,omitempty"`
	LinkedProviders []string   `json:"linkedProviders"`
}

// AuthService issues sessions.
type AuthService struct {
	accounts  repository.AccountRepository
	resolver  *AccountResolver
	passwords *auth.PasswordService
	tokens    *auth.TokenService
	locker    lock.Locker
	lockout   LockoutPolicy
	metrics   metrics.AuthRecorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewAuthService(
	accounts repository.AccountRepository,
	resolver *AccountResolver,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	locker lock.Locker,
	lockout LockoutPolicy,
	recorder metrics.AuthRecorder,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		accounts:  accounts,
		resolver:  resolver,
		passwords: passwords,
		tokens:    tokens,
		locker:    locker,
		lockout:   lockout,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Register validates the payload, creates a local account and signs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	reg, err := in.normalize()
	if err != nil {
		return nil, err
	}

	account, err := s.resolver.ResolveLocal(ctx, reg)
	if err != nil {
		s.metrics.RecordRegistration(outcomeOf(err))
		return nil, fmt.Errorf("service/auth: registering %q: %w", reg.Username, err)
	}
	s.metrics.RecordRegistration(metrics.OutcomeSuccess)

	return s.issue(account)
}

// Login checks a username and password.
//
// Every failure that could tell an attacker something (unknown username,
// wrong password, no password set, deactivated account) returns the same
// InvalidCredentials error, and an unknown username still pays for one
// bcrypt comparison.
//
// A locked account answers like a wrong password, so the response never
// tells a caller the username exists. The lock only shows in metrics and
// logs. Failed attempts during the lock are not counted.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, apperror.ValidationFailed("username", "username is required")
	}
	if in.Password == "" {
		return nil, apperror.ValidationFailed("password", "password is required")
	}

	account, err := s.accounts.FindByUsername(ctx, username)
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: login: %w", unavailable("finding account", err))
	}
	if account == nil {
		s.passwords.Burn(in.Password)
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidCredentials()
	}

	if account.IsLocked(s.now()) {
		s.passwords.Burn(in.Password)
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeLocked)
		s.logger.Info("login refused, account locked",
			slog.Int64("accountID", account.ID),
			slog.Time("lockedUntil", *account.LockedUntil),
		)
		return nil, apperror.InvalidCredentials()
	}

	if err := s.passwords.Verify(account.PasswordHash, in.Password); err != nil {
		if err := s.recordFailedLogin(ctx, account.ID); err != nil {
			s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeError)
			return nil, fmt.Errorf("service/auth: login: %w", err)
		}
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidCredentials()
	}

	if !account.Active {
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidCredentials()
	}

	account, err = s.updateAccount(ctx, account.ID, func(a *model.Account) {
		now := s.now().UTC()
		a.FailedLoginAttempts = 0
		a.LockedUntil = nil
		a.LastLoginAt = &now
	})
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: login: %w", err)
	}

	s.metrics.RecordLogin(metrics.MethodPassword, metrics.OutcomeSuccess)
	s.logger.Info("password login", slog.Int64("accountID", account.ID))
	return s.issue(account)
}

// recordFailedLogin bumps the failure counter and starts a lockout when the
// threshold is reached.
func (s *AuthService) recordFailedLogin(ctx context.Context, id int64) error {
	locked := false
	_, err := s.updateAccount(ctx, id, func(a *model.Account) {
		now := s.now().UTC()
		if a.IsLocked(now) {
			return
		}
		if a.LockedUntil != nil {
			// An expired lock starts a fresh window.
			a.FailedLoginAttempts = 0
			a.LockedUntil = nil
		}
		a.FailedLoginAttempts++
		if s.lockout.Threshold > 0 && a.FailedLoginAttempts >= s.lockout.Threshold {
			until := now.Add(s.lockout.Duration)
			a.LockedUntil = &until
			locked = true
		}
	})
	if err != nil {
		return err
	}
	if locked {
		s.metrics.RecordLockout()
		s.logger.Warn("account locked after repeated login failures",
			slog.Int64("accountID", id),
			slog.Duration("duration", s.lockout.Duration),
		)
	}
	return nil
}

// updateAccount re-reads the account under its lock, applies mutate and
// writes it back, so concurrent logins for one account never lose an
// update. Password checks happen before this, outside the lock.
func (s *AuthService) updateAccount(ctx context.Context, id int64, mutate func(*model.Account)) (*model.Account, error) {
	unlock, err := s.locker.Lock(ctx, accountKey(id))
	if err != nil {
		return nil, unavailable("locking account", err)
	}
	defer unlock()

	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, unavailable("reloading account", err)
	}
	if account == nil {
		return nil, apperror.NotFound("account", strconv.FormatInt(id, 10))
	}

	mutate(account)
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		return nil, unavailable("updating account", err)
	}
	return account, nil
}

// LoginFederated resolves a provider identity to an account and signs it in.
// Deactivated accounts are refused with the generic credentials error.
func (s *AuthService) LoginFederated(ctx context.Context, user *auth.FederatedUser) (*AuthResult, error) {
	if user == nil {
		return nil, fmt.Errorf("service/auth: federated user must not be nil")
	}

	account, _, err := s.resolver.ResolveFederated(ctx, user)
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodFederated, outcomeOf(err))
		return nil, fmt.Errorf("service/auth: federated login via %s: %w", user.Provider, err)
	}
	if !account.Active {
		s.metrics.RecordLogin(metrics.MethodFederated, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidCredentials()
	}

	account, err = s.updateAccount(ctx, account.ID, func(a *model.Account) {
		now := s.now().UTC()
		a.LastLoginAt = &now
	})
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodFederated, metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: federated login via %s: %w", user.Provider, err)
	}

	s.metrics.RecordLogin(metrics.MethodFederated, metrics.OutcomeSuccess)
	return s.issue(account)
}

// Refresh trades a valid refresh token for a new token pair. The account is
// re-read so that role changes and deactivation take effect.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodRefresh, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidToken()
	}
	id, err := claims.AccountID()
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodRefresh, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidToken()
	}

	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		s.metrics.RecordLogin(metrics.MethodRefresh, metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: refresh: %w", unavailable("finding account", err))
	}
	if account == nil || !account.Active {
		s.metrics.RecordLogin(metrics.MethodRefresh, metrics.OutcomeInvalidCredentials)
		return nil, apperror.InvalidToken()
	}

	s.metrics.RecordLogin(metrics.MethodRefresh, metrics.OutcomeSuccess)
	return s.issue(account)
}

// ValidateToken checks an access token without touching the store.
func (s *AuthService) ValidateToken(token string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, apperror.InvalidToken()
	}
	return claims, nil
}

// GetProfile returns the account behind a validated token.
func (s *AuthService) GetProfile(ctx context.Context, id int64) (*Profile, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: profile: %w", unavailable("finding account", err))
	}
	if account == nil || !account.Active {
		return nil, apperror.NotFound("account", strconv.FormatInt(id, 10))
	}

	identities, err := s.accounts.LinkedIdentities(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: profile: %w", unavailable("listing identities", err))
	}

	providers := make([]string, 0, len(identities))
	for _, li := range identities {
		providers = append(providers, li.Provider)
	}
	return &Profile{
		UserSummary:     summarize(account),
		Phone:           account.Phone,
		Roles:           account.Roles,
		EmailVerified:   account.EmailVerified,
		LastLoginAt:     account.LastLoginAt,
		LinkedProviders: providers,
	}, nil
}

// Ready reports whether the store answers.
func (s *AuthService) Ready(ctx context.Context) error {
	if err := s.accounts.Ping(ctx); err != nil {
		return unavailable("pinging store", err)
	}
	return nil
}

func (s *AuthService) issue(account *model.Account) (*AuthResult, error) {
	access, err := s.tokens.IssueAccessToken(account)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", unavailable("signing access token", err))
	}
	refresh, err := s.tokens.IssueRefreshToken(account)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", unavailable("signing refresh token", err))
	}
	return &AuthResult{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		User:         summarize(account),
	}, nil
}

func summarize(a *model.Account) UserSummary {
	return UserSummary{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, apperror.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, apperror.ErrInvalidCredentials):
		return metrics.OutcomeInvalidCredentials
	default:
		return metrics.OutcomeError
	}
}
