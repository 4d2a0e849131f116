package validator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidIndexName  = errors.New("invalid index name")
	ErrInvalidDocumentID = errors.New("invalid document id")
)

const maxNameLength = 256

// ValidateIndexName accepts [A-Za-z0-9._-]+, not "." and no "..", at most 256 chars.
func ValidateIndexName(index string) error {
	if err := validateName(index); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIndexName, err)
	}
	return nil
}

// ValidateDocumentID applies the index name rules to document ids so both are filesystem safe.
func ValidateDocumentID(documentID string) error {
	if err := validateName(documentID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocumentID, err)
	}
	return nil
}

func validateName(s string) error {
	switch {
	case s == "":
		return errors.New("empty value")
	case len(s) > maxNameLength:
		return fmt.Errorf("longer than %d characters", maxNameLength)
	case s == ".":
		return errors.New(`"." is not a valid name`)
	case strings.Contains(s, ".."):
		return fmt.Errorf("%q contains \"..\"", s)
	}
	for _, r := range s {
		if !isNameRune(r) {
			return fmt.Errorf("%q contains invalid character %q", s, r)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '.' || r == '_' || r == '-'
}

// NormalizeIndexName trims the name and falls back to def when empty.
func NormalizeIndexName(index, def string) string {
	if index = strings.TrimSpace(index); index == "" {
		return def
	}
	return index
}
