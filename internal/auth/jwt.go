// Package auth provides password hashing, session token signing, federated
// provider handshakes and the bearer-token middleware.
//
// SESSION TOKENS:
// Every successful login produces two signed JWTs:
//
//	access:  short-lived, carries subject + username + roles, authorizes API calls
//	refresh: long-lived, carries the subject only, can ONLY mint a new pair
//
// The "typ" claim separates the two. An access token presented to the refresh
// endpoint (or the reverse) is rejected exactly like a forged one.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"42","typ":"access","roles":["USER"],"exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
//
// There is no revocation list. Expiry is the only way a token stops working.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sakif/identity-service/internal/model"
)

// Token types carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// minSecretBytes is the smallest HS256 key we accept (256 bits).
const minSecretBytes = 32

// ErrInvalidToken is returned for every verification failure: bad signature,
// wrong algorithm, wrong issuer, expired, missing subject or wrong type.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenConfig is the signer configuration. It is read once at startup.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService handles JWT creation and validation.
//
// The HMAC secret is process-wide and read-only after construction, so one
// TokenService is safe to share between all request goroutines.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a TokenService. The secret must be at least 32
// bytes and the access lifetime must be shorter than the refresh lifetime.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d bytes", minSecretBytes)
	}
	if cfg.Issuer == "" {
		return nil, errors.New("auth: JWT issuer must not be empty")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, fmt.Errorf("auth: access token lifetime (%s) must be shorter than refresh lifetime (%s)",
			cfg.AccessTTL, cfg.RefreshTTL)
	}
	return &TokenService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// Claims is the JWT payload. It embeds jwt.RegisteredClaims which includes
// the standard fields (sub, iss, exp, iat, jti).
//
// Subject is the decimal account ID. Username and Roles are only set on
// access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Type     string   `json:"typ"`
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	return id, nil
}

// AccessTTL is the access token lifetime, reported to clients as expiresIn.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccessToken signs a short-lived token for the account.
func (s *TokenService) IssueAccessToken(account *model.Account) (string, error) {
	return s.sign(account, TokenTypeAccess, s.accessTTL)
}

// IssueRefreshToken signs a long-lived token that carries the subject only.
func (s *TokenService) IssueRefreshToken(account *model.Account) (string, error) {
	return s.sign(account, TokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) sign(account *model.Account, typ string, ttl time.Duration) (string, error) {
	if account == nil || account.ID <= 0 {
		return "", errors.New("auth: cannot sign a token for an unsaved account")
	}
	now := s.now()

	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(account.ID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: typ,
	}
	if typ == TokenTypeAccess {
		c.Username = account.Username
		c.Roles = account.Roles
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing %s token: %w", typ, err)
	}
	return signed, nil
}

// Verify validates an access token and returns its claims.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	return s.parse(tokenStr, TokenTypeAccess)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *TokenService) VerifyRefresh(tokenStr string) (*Claims, error) {
	return s.parse(tokenStr, TokenTypeRefresh)
}

// parse checks, in the jwt library:
//   - signature (HS256 only, so "none" and RS/HS confusion are refused)
//   - issuer
//   - expiry (required, evaluated against s.now)
//
// and then the token type and subject here.
func (s *TokenService) parse(tokenStr, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unreadable claims", ErrInvalidToken)
	}
	if c.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, wantType, c.Type)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	return c, nil
}
