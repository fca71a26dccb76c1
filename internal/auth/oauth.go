package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// FederatedUser is what an identity provider asserts about the person who
// just completed the authorization-code flow. The service trusts these
// claims as-is, so Exchange only fills Email with an address the provider
// has not marked unverified.
type FederatedUser struct {
	Provider   string
	Subject    string
	Email      string
	GivenName  string
	FamilyName string

	// Provider tokens, cached on the linked identity. Never logged.
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
}

// ProviderConfig describes one OAuth2 identity provider. Extra providers can
// be supplied as a JSON list of these.
type ProviderConfig struct {
	Name         string   `json:"name"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	RedirectURL  string   `json:"redirectUrl"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	UserInfoURL  string   `json:"userInfoUrl"`
	Scopes       []string `json:"scopes"`
}

// claimKeys names the userinfo document fields for each asserted attribute.
// fullName is split on the first space when given/family are absent.
// An email whose emailVerified claim is present and false is dropped.
type claimKeys struct {
	subject       string
	email         string
	emailVerified string
	givenName     string
	familyName    string
	fullName      string
}

// oidcClaims are the standard OpenID Connect userinfo claim names.
var oidcClaims = claimKeys{
	subject:       "sub",
	email:         "email",
	emailVerified: "email_verified",
	givenName:     "given_name",
	familyName:    "family_name",
	fullName:      "name",
}

// OAuthProvider wraps golang.org/x/oauth2 for one provider's Authorization
// Code flow:
//
//  1. AuthURL sends the browser to the provider with our client ID and state
//  2. the provider redirects back with a short-lived code
//  3. Exchange trades the code for a token server-to-server (client secret
//     never reaches the browser) and reads the userinfo endpoint
type OAuthProvider struct {
	name        string
	config      *oauth2.Config
	userInfoURL string
	// emailsURL lists the user's addresses with their verified flag. When
	// set it is the only email source.
	emailsURL string
	claims    claimKeys
}

// NewOAuthProvider builds a provider from explicit endpoints using the
// standard OpenID Connect claim names.
func NewOAuthProvider(cfg ProviderConfig) (*OAuthProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch {
	case name == "":
		return nil, errors.New("auth: provider name is required")
	case cfg.ClientID == "" || cfg.ClientSecret == "":
		return nil, fmt.Errorf("auth: provider %q needs a client id and secret", name)
	case cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "":
		return nil, fmt.Errorf("auth: provider %q needs auth, token and userinfo URLs", name)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &OAuthProvider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		},
		userInfoURL: cfg.UserInfoURL,
		claims:      oidcClaims,
	}, nil
}

// NewGitHubProvider creates the built-in GitHub provider.
//
// GitHub is not OpenID Connect: the subject is the numeric "id" and the
// display name is a single "name" field. The /user email carries no
// verified flag, so the email comes from /user/emails instead.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *OAuthProvider {
	return &OAuthProvider{
		name: "github",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		userInfoURL: "https://api.github.com/user",
		emailsURL:   "https://api.github.com/user/emails",
		claims: claimKeys{
			subject:  "id",
			fullName: "name",
		},
	}
}

// NewGoogleProvider creates the built-in Google provider.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *OAuthProvider {
	return &OAuthProvider{
		name: "google",
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		claims:      oidcClaims,
	}
}

// Name is the lower-case provider name stored on linked identities.
func (p *OAuthProvider) Name() string {
	return p.name
}

// AuthURL returns the URL to redirect the user to for authorization.
//
// The state must be unguessable and checked on callback against a value
// only this browser holds (we use a cookie). That stops an attacker from
// completing a login flow into their own provider account on a victim's
// browser.
func (p *OAuthProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the OAuth flow: trades the authorization code for a
// provider token and reads the user's claims.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*FederatedUser, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: exchanging OAuth code: %w", p.name, err)
	}

	// Client adds "Authorization: Bearer <token>" to every request.
	client := p.config.Client(ctx, token)

	doc, err := getJSON[map[string]any](ctx, client, p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: reading userinfo: %w", p.name, err)
	}

	user := &FederatedUser{
		Provider:     p.name,
		Subject:      claimString(doc, p.claims.subject),
		Email:        claimString(doc, p.claims.email),
		GivenName:    claimString(doc, p.claims.givenName),
		FamilyName:   claimString(doc, p.claims.familyName),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		exp := token.Expiry
		user.TokenExpiresAt = &exp
	}
	if user.GivenName == "" && user.FamilyName == "" {
		user.GivenName, user.FamilyName = splitName(claimString(doc, p.claims.fullName))
	}
	if user.Subject == "" {
		return nil, fmt.Errorf("auth: %s: userinfo has no subject", p.name)
	}
	if claimFalse(doc, p.claims.emailVerified) {
		user.Email = ""
	}

	if user.Email == "" && p.emailsURL != "" {
		email, err := p.primaryEmail(ctx, client)
		if err != nil {
			return nil, err
		}
		user.Email = email
	}

	return user, nil
}

// primaryEmail reads GitHub's /user/emails list and returns the primary,
// verified address, or "" if there is none.
func (p *OAuthProvider) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	emails, err := getJSON[[]struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}](ctx, client, p.emailsURL)
	if err != nil {
		return "", fmt.Errorf("auth: %s: reading emails: %w", p.name, err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func getJSON[T any](ctx context.Context, client *http.Client, url string) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber() // numeric subjects (GitHub ids) must not become floats
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decoding %s: %w", url, err)
	}
	return out, nil
}

func claimString(doc map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := doc[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// claimFalse reports whether key is present and false. Some providers send
// booleans as strings.
func claimFalse(doc map[string]any, key string) bool {
	if key == "" {
		return false
	}
	switch v := doc[key].(type) {
	case bool:
		return !v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "false")
	default:
		return false
	}
}

func splitName(full string) (given, family string) {
	full = strings.TrimSpace(full)
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i], strings.TrimSpace(full[i+1:])
	}
	return full, ""
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]*OAuthProvider
}

// NewRegistry creates a registry. Registering two providers with the same
// name is an error.
func NewRegistry(providers ...*OAuthProvider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*OAuthProvider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.name]; dup {
			return nil, fmt.Errorf("auth: provider %q registered twice", p.name)
		}
		r.providers[p.name] = p
	}
	return r, nil
}

// Get looks a provider up by case-insensitive name.
func (r *Registry) Get(name string) (*OAuthProvider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
