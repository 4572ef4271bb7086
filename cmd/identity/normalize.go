package identity

import (
	"strings"
	"unicode"
)

// MaxUserIDBytes bounds user ids accepted from tokens and request paths.
const MaxUserIDBytes = 128

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUserID checks that id is usable as a directory key and as half of a
// conversation key. '|' is reserved as the conversation key separator.
func ValidateUserID(id string) error {
	if id == "" {
		return OpError{Op: "identity.ValidateUserID", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if len(id) > MaxUserIDBytes {
		return OpError{Op: "identity.ValidateUserID", Kind: ErrInvalidInput, Msg: "user id too long"}
	}
	for _, r := range id {
		if r == '|' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return OpError{Op: "identity.ValidateUserID", Kind: ErrInvalidInput, Msg: "user id contains a reserved character"}
		}
	}
	return nil
}
