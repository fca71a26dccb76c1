package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/repository/sqlite"
)

// These tests run against the real SQLite store so that its unique
// constraints and transactions take part in the race.

func newSQLiteEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return newTestEnv(t, db)
}

func TestRegister_ConcurrentSameUsername(t *testing.T) {
	env := newSQLiteEnv(t)
	const n = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.Register(context.Background(), RegisterInput{
				Username: "racer",
				Email:    fmt.Sprintf("racer%d@x.com", i),
				Password: "pw12345",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperror.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 || conflicts != n-1 {
		t.Errorf("successes = %d, conflicts = %d; want 1 and %d", successes, conflicts, n-1)
	}
}

func TestLoginFederated_ConcurrentFirstLogin(t *testing.T) {
	env := newSQLiteEnv(t)
	const n = 8

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.svc.LoginFederated(context.Background(), &auth.FederatedUser{
				Provider: "github", Subject: "31337", Email: "same@x.com",
			})
			if err != nil {
				t.Errorf("LoginFederated() error = %v", err)
				return
			}
			mu.Lock()
			ids[result.User.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("concurrent first logins produced accounts %v, want exactly one", ids)
	}
	for id := range ids {
		identities, err := env.repo.LinkedIdentities(context.Background(), id)
		if err != nil {
			t.Fatalf("LinkedIdentities: %v", err)
		}
		if len(identities) != 1 {
			t.Errorf("identities = %d, want 1", len(identities))
		}
	}
}

func TestLogin_ConcurrentFailuresAllCounted(t *testing.T) {
	env := newSQLiteEnv(t)
	registered := registerAlice(t, env)
	env.svc.lockout.Threshold = 0
	const n = 6

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.svc.Login(context.Background(), LoginInput{Username: "alice", Password: "wrong"})
		}()
	}
	wg.Wait()

	account, err := env.repo.FindByID(context.Background(), registered.User.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if account.FailedLoginAttempts != n {
		t.Errorf("FailedLoginAttempts = %d, want %d", account.FailedLoginAttempts, n)
	}
}

// The walkthrough a client sees: register, log in, validate, refresh, then
// sign in through a provider that reports the same email.
func TestEndToEnd_SQLite(t *testing.T) {
	env := newSQLiteEnv(t)
	ctx := context.Background()

	registered := registerAlice(t, env)

	login, err := env.svc.Login(ctx, LoginInput{Username: "alice", Password: "pw123"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	claims, err := env.svc.ValidateToken(login.AccessToken)
	if err != nil || claims.Username != "alice" {
		t.Fatalf("ValidateToken() = %+v, %v", claims, err)
	}

	refreshed, err := env.svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.User.ID != registered.User.ID {
		t.Errorf("refresh returned account %d, want %d", refreshed.User.ID, registered.User.ID)
	}

	federated, err := env.svc.LoginFederated(ctx, &auth.FederatedUser{
		Provider: "google", Subject: "alice-google", Email: "alice@x.com",
	})
	if err != nil {
		t.Fatalf("LoginFederated() error = %v", err)
	}
	if federated.User.ID != registered.User.ID {
		t.Errorf("federated login got account %d, want %d", federated.User.ID, registered.User.ID)
	}

	_, err = env.svc.Register(ctx, RegisterInput{Username: "alice", Email: "other@x.com", Password: "pw123"})
	assertKind(t, err, apperror.ErrConflict)
}
