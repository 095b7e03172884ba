package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var canonicalID = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id is a canonical lowercase hyphenated UUID.
func ValidID(id string) bool {
	if !canonicalID.MatchString(id) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ValidateID fails fast on malformed identifiers so they never reach a query.
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !ValidID(id) {
		return fmt.Errorf("%s %q is not a valid identifier", field, id)
	}
	return nil
}

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
