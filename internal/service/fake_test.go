package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/lock"
	"github.com/sakif/identity-service/internal/metrics"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeRepo is an in-memory repository.AccountRepository. It enforces the
// same unique constraints as the real stores and hands out copies, so a
// caller mutating a returned account does not change what is stored.
type fakeRepo struct {
	mu         sync.Mutex
	accounts   map[int64]*model.Account
	identities []model.LinkedIdentity
	roles      map[string]model.Role
	nextID     int64

	// set to a non-nil error to simulate a store failure
	findErr   error
	createErr error
	updateErr error
	pingErr   error
}

var _ repository.AccountRepository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts: make(map[int64]*model.Account),
		roles: map[string]model.Role{
			model.RoleUser:  {ID: 1, Name: model.RoleUser},
			model.RoleAdmin: {ID: 2, Name: model.RoleAdmin},
		},
		nextID: 1,
	}
}

func copyAccount(a *model.Account) *model.Account {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	return &c
}

func (f *fakeRepo) FindByID(_ context.Context, id int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if a, ok := f.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, nil
}

func (f *fakeRepo) findBy(match func(*model.Account) bool) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, a := range f.accounts {
		if match(a) {
			return copyAccount(a), nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) FindByUsername(_ context.Context, username string) (*model.Account, error) {
	return f.findBy(func(a *model.Account) bool { return strings.EqualFold(a.Username, username) })
}

func (f *fakeRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	return f.findBy(func(a *model.Account) bool { return strings.EqualFold(a.Email, email) })
}

func (f *fakeRepo) FindByLinkedIdentity(_ context.Context, provider, subject string) (*model.Account, error) {
	f.mu.Lock()
	var owner int64
	for _, li := range f.identities {
		if li.Provider == provider && li.Subject == subject {
			owner = li.AccountID
		}
	}
	f.mu.Unlock()
	if owner == 0 {
		return nil, f.findErr
	}
	return f.FindByID(context.Background(), owner)
}

func (f *fakeRepo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	a, err := f.FindByUsername(ctx, username)
	return a != nil, err
}

func (f *fakeRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	a, err := f.FindByEmail(ctx, email)
	return a != nil, err
}

func (f *fakeRepo) CreateAccount(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, a := range f.accounts {
		if strings.EqualFold(a.Username, account.Username) {
			return apperror.Conflict("username", "username is already taken")
		}
		if strings.EqualFold(a.Email, account.Email) {
			return apperror.Conflict("email", "email is already registered")
		}
	}
	for _, r := range account.Roles {
		if _, ok := f.roles[r]; !ok {
			return apperror.NotFound("role", r)
		}
	}
	account.ID = f.nextID
	f.nextID++
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	f.accounts[account.ID] = copyAccount(account)
	return nil
}

func (f *fakeRepo) UpdateAccount(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.accounts[account.ID]; !ok {
		return apperror.NotFound("account", "?")
	}
	account.UpdatedAt = time.Now()
	f.accounts[account.ID] = copyAccount(account)
	return nil
}

func (f *fakeRepo) CreateLinkedIdentity(_ context.Context, identity *model.LinkedIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, li := range f.identities {
		if li.Provider == identity.Provider && li.Subject == identity.Subject {
			return apperror.Conflict("identity", "identity is already linked")
		}
	}
	identity.ID = int64(len(f.identities) + 1)
	f.identities = append(f.identities, *identity)
	return nil
}

func (f *fakeRepo) UpdateLinkedIdentity(_ context.Context, identity *model.LinkedIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, li := range f.identities {
		if li.Provider == identity.Provider && li.Subject == identity.Subject {
			f.identities[i].Email = identity.Email
			f.identities[i].AccessToken = identity.AccessToken
			f.identities[i].RefreshToken = identity.RefreshToken
			f.identities[i].TokenExpiresAt = identity.TokenExpiresAt
			f.identities[i].LastUsedAt = identity.LastUsedAt
			return nil
		}
	}
	return apperror.NotFound("linked identity", identity.Provider+":"+identity.Subject)
}

func (f *fakeRepo) LinkedIdentities(_ context.Context, accountID int64) ([]model.LinkedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LinkedIdentity
	for _, li := range f.identities {
		if li.AccountID == accountID {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) FindRoleByName(_ context.Context, name string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.roles[name]; ok {
		return &r, nil
	}
	return nil, nil
}

// WithinTx has no rollback. Tests that need one use the sqlite store.
func (f *fakeRepo) WithinTx(_ context.Context, fn func(repo repository.AccountRepository) error) error {
	return fn(f)
}

func (f *fakeRepo) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeRepo) identityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.identities)
}

func (f *fakeRepo) accountCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts)
}

// racingRepo lets another writer commit just before the resolver's own
// insert, the way a second instance without shared locks would.
type racingRepo struct {
	*fakeRepo
	beforeCreateAccount  func(*fakeRepo)
	beforeCreateIdentity func(*fakeRepo)
}

func (r *racingRepo) CreateAccount(ctx context.Context, account *model.Account) error {
	if hook := r.beforeCreateAccount; hook != nil {
		r.beforeCreateAccount = nil
		hook(r.fakeRepo)
	}
	return r.fakeRepo.CreateAccount(ctx, account)
}

func (r *racingRepo) CreateLinkedIdentity(ctx context.Context, identity *model.LinkedIdentity) error {
	if hook := r.beforeCreateIdentity; hook != nil {
		r.beforeCreateIdentity = nil
		hook(r.fakeRepo)
	}
	return r.fakeRepo.CreateLinkedIdentity(ctx, identity)
}

func (r *racingRepo) WithinTx(_ context.Context, fn func(repo repository.AccountRepository) error) error {
	return fn(r)
}

// countingRecorder remembers what the service reported.
type countingRecorder struct {
	mu       sync.Mutex
	logins   map[string]int // "method/outcome"
	regs     map[string]int
	linked   map[string]int
	lockouts int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		logins: make(map[string]int),
		regs:   make(map[string]int),
		linked: make(map[string]int),
	}
}

func (c *countingRecorder) RecordLogin(method, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins[method+"/"+outcome]++
}

func (c *countingRecorder) RecordRegistration(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[outcome]++
}

func (c *countingRecorder) RecordIdentityLinked(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linked[provider]++
}

func (c *countingRecorder) RecordLockout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockouts++
}

var _ metrics.AuthRecorder = (*countingRecorder)(nil)

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	repo     repository.AccountRepository
	svc      *AuthService
	resolver *AccountResolver
	tokens   *auth.TokenService
	recorder *countingRecorder
	clock    *testClock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEnv wires an AuthService over repo. Lockout triggers after 3
// failures for 15 minutes.
func newTestEnv(t *testing.T, repo repository.AccountRepository) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     "service-test-secret-0123456789abcdef",
		Issuer:     "identity-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	// Cost 4 is the bcrypt minimum and keeps tests fast.
	passwords := auth.NewPasswordServiceForTest(4)
	locker := lock.NewLocal()
	recorder := newCountingRecorder()
	clock := &testClock{t: time.Now().UTC()}
	logger := testLogger()

	resolver := NewAccountResolver(repo, passwords, locker, model.RoleUser, recorder, logger)
	resolver.now = clock.Now
	svc := NewAuthService(repo, resolver, passwords, tokens, locker,
		LockoutPolicy{Threshold: 3, Duration: 15 * time.Minute}, recorder, logger)
	svc.now = clock.Now

	return &testEnv{
		repo:     repo,
		svc:      svc,
		resolver: resolver,
		tokens:   tokens,
		recorder: recorder,
		clock:    clock,
	}
}

func assertKind(t *testing.T, err, kind error) *apperror.AppError {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want kind %v", err, kind)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error %v is not an *apperror.AppError", err)
	}
	return appErr
}
