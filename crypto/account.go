package crypto

import (
	"errors"
	"fmt"
)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
)

// ErrInvalidAccountID is returned for account identifiers that do not follow
// the naming rules enforced by the account registry.
var ErrInvalidAccountID = errors.New("invalid account id")

// ValidateAccountID checks an account identifier: 2-64 characters of lowercase
// letters and digits, separated by single '-', '_' or '.' characters.
func ValidateAccountID(id string) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return fmt.Errorf("%w: %q has length %d", ErrInvalidAccountID, id, len(id))
	}
	lastWasSeparator := true
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			lastWasSeparator = false
		case c == '-' || c == '_' || c == '.':
			if lastWasSeparator {
				return fmt.Errorf("%w: %q has a misplaced separator at %d", ErrInvalidAccountID, id, i)
			}
			lastWasSeparator = true
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidAccountID, id, c)
		}
	}
	if lastWasSeparator {
		return fmt.Errorf("%w: %q ends with a separator", ErrInvalidAccountID, id)
	}
	return nil
}

// IsSubAccount reports whether child is a direct sub-account of parent.
func IsSubAccount(parent, child string) bool {
	if len(child) <= len(parent)+1 {
		return false
	}
	if child[len(child)-len(parent)-1:] != "."+parent {
		return false
	}
	prefix := child[:len(child)-len(parent)-1]
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == '.' {
			return false
		}
	}
	return true
}
