package session

import (
	"errors"
	"strings"
)

// ErrInvalidName is returned by ValidateName for unusable names.
var ErrInvalidName = errors.New("session: invalid file name")

// CancelWord aborts the naming step when sent in any letter case.
const CancelWord = "CANCEL"

// ValidateName trims body and collapses inner whitespace runs to one space.
// Empty names, multi-line names, names containing a path separator or a NUL
// byte, and names made only of dots are rejected.
func ValidateName(body string) (string, error) {
	name := strings.TrimSpace(body)
	if name == "" {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "\n\r/\\\x00") {
		return "", ErrInvalidName
	}
	name = strings.Join(strings.Fields(name), " ")
	if strings.Trim(name, ".") == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// IsCancel reports whether a validated name asks to abort.
func IsCancel(name string) bool {
	return strings.EqualFold(name, CancelWord)
}
