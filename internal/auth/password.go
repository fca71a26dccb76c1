// Package auth: password hashing utilities.
//
// WHY BCRYPT?
// bcrypt is deliberately slow and salts every hash, so hashing the same
// password twice yields two different strings. The salt and cost live inside
// the output, so the hash is the only column the store needs:
//
//	$2a$12$<22-char salt><31-char hash>
//	 ^   ^
//	 |   cost (2^12 rounds)
//	 version
//
// Comparison always goes through bcrypt.CompareHashAndPassword, which is
// constant-time. Never compare hash strings directly.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used when none is configured.
// Around 250ms per hash on current server hardware.
const DefaultCost = 12

// maxPasswordBytes is bcrypt's input limit. Longer input is silently
// truncated by the algorithm, so we reject it instead.
const maxPasswordBytes = 72

// ErrPasswordMismatch is returned by Verify when the password is wrong or the
// stored hash is unusable. Callers must treat both the same way.
var ErrPasswordMismatch = errors.New("auth: password does not match")

// PasswordService provides bcrypt hashing and verification.
//
// It's a struct (not free functions) so that the cost can be injected
// in tests. Cost 4 keeps the suite fast without changing the logic.
type PasswordService struct {
	cost int
	// dummyHash is compared against when there is no account to check, so a
	// login for an unknown username costs the same as a wrong password.
	dummyHash []byte
}

// NewPasswordService creates a PasswordService with the given bcrypt cost.
func NewPasswordService(cost int) (*PasswordService, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("auth: bcrypt cost must be between %d and %d, got %d",
			bcrypt.MinCost, bcrypt.MaxCost, cost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("timing-equaliser"), cost)
	if err != nil {
		return nil, fmt.Errorf("auth: preparing dummy hash: %w", err)
	}
	return &PasswordService{cost: cost, dummyHash: dummy}, nil
}

// NewPasswordServiceForTest creates a PasswordService for tests in other
// packages. Pass bcrypt.MinCost (4). Panics on an invalid cost.
//
// Do NOT use in production.
func NewPasswordServiceForTest(cost int) *PasswordService {
	p, err := NewPasswordService(cost)
	if err != nil {
		panic(err)
	}
	return p
}

// Hash hashes the given plaintext password with bcrypt.
//
// Returns an error if the plaintext is longer than 72 bytes.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("auth: password must be %d bytes or fewer", maxPasswordBytes)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether a plaintext password matches a stored bcrypt hash.
//
// Returns nil on a match and ErrPasswordMismatch otherwise, including when
// the hash is empty or malformed. It never panics on bad input.
//
// Usage:
//
//	if err := ps.Verify(account.PasswordHash, inputPassword); err != nil {
//	    // wrong password
//	}
func (p *PasswordService) Verify(hash, plaintext string) error {
	if hash == "" {
		p.Burn(plaintext)
		return ErrPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// Burn spends one bcrypt comparison on a fixed hash and discards the result.
// Used on login paths that have no real hash to check.
func (p *PasswordService) Burn(plaintext string) {
	_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(plaintext))
}
