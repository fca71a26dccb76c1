package service

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sakif/identity-service/internal/apperror"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 5
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
	maxEmailLength   = 254
	maxNameLength    = 100
	maxPhoneLength   = 32
)

// Usernames cannot contain '@', so a local username never collides with the
// email-shaped usernames given to federated accounts.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// RegisterInput is the registration payload as received from a client.
type RegisterInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`
}

// LoginInput is the password login payload.
type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// normalize trims the free-text fields and validates the result. The
// password is checked as given.
func (in RegisterInput) normalize() (LocalRegistration, error) {
	reg := LocalRegistration{
		Username:  strings.TrimSpace(in.Username),
		Email:     normalizeEmail(in.Email),
		Password:  in.Password,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     strings.TrimSpace(in.Phone),
	}

	if err := validateUsername(reg.Username); err != nil {
		return reg, err
	}
	if err := validateEmail(reg.Email); err != nil {
		return reg, err
	}
	if err := validatePassword(reg.Password); err != nil {
		return reg, err
	}
	if utf8.RuneCountInString(reg.FirstName) > maxNameLength {
		return reg, apperror.ValidationFailed("firstName", "first name is too long")
	}
	if utf8.RuneCountInString(reg.LastName) > maxNameLength {
		return reg, apperror.ValidationFailed("lastName", "last name is too long")
	}
	if len(reg.Phone) > maxPhoneLength {
		return reg, apperror.ValidationFailed("phone", "phone is too long")
	}
	return reg, nil
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	switch {
	case n == 0:
		return apperror.ValidationFailed("username", "username is required")
	case n < minUsernameLength || n > maxUsernameLength:
		return apperror.ValidationFailed("username", "username must be between 3 and 50 characters")
	case !usernamePattern.MatchString(username):
		return apperror.ValidationFailed("username", "username may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return apperror.ValidationFailed("email", "email is required")
	}
	if len(email) > maxEmailLength {
		return apperror.ValidationFailed("email", "email is too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperror.ValidationFailed("email", "email is not a valid address")
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case password == "":
		return apperror.ValidationFailed("password", "password is required")
	case utf8.RuneCountInString(password) < minPasswordLength:
		return apperror.ValidationFailed("password", "password must be at least 5 characters")
	case len(password) > maxPasswordBytes:
		return apperror.ValidationFailed("password", "password must be 72 bytes or fewer")
	}
	return nil
}
