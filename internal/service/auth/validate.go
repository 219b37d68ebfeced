package auth

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const MinPasswordLength = 8

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

	commonPasswords = map[string]struct{}{
		"password": {},
		"12345678": {},
		"11111111": {},
	}
)

// ValidUsername also guards on-disk paths, which are built from usernames.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

func ValidateUsername(username string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("%w: username must be letters and digits only", ErrInvalidCredentialInput)
	}
	return nil
}

func ValidatePassword(password string) error {
	if strings.ContainsRune(password, '\n') {
		return fmt.Errorf("%w: password must not contain a newline", ErrInvalidCredentialInput)
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidCredentialInput, MinPasswordLength)
	}
	if _, ok := commonPasswords[password]; ok {
		return fmt.Errorf("%w: password is too common", ErrInvalidCredentialInput)
	}
	return nil
}

// ValidateCredentials runs both checks. Clients call it before sending
// anything to the server.
func ValidateCredentials(username, password string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	return ValidatePassword(password)
}
