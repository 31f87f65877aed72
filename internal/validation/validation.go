// Package validation checks street and neighborhood names before they reach
// the store or are interpolated into catalog queries.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrNameEmpty is returned when a name is empty or whitespace-only after trim.
var ErrNameEmpty = errors.New("name is required")

// ErrNameTooLong is returned when a name exceeds the maximum length.
var ErrNameTooLong = errors.New("name too long")

// ErrNameInvalidChars is returned when a name contains disallowed characters.
var ErrNameInvalidChars = errors.New("name contains invalid characters")

// MaxNameLength bounds street and neighborhood names. The longest street name
// in the Vancouver catalog is well under this.
const MaxNameLength = 100

// Name trims the input, enforces the length bound (in runes), and restricts
// to the characters that occur in catalog street and neighborhood names:
// letters, digits, space, comma, hyphen, period, apostrophe. Returns the
// trimmed string or an error suitable for a 400 response.
func Name(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNameEmpty
	}
	if len(r) > MaxNameLength {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
