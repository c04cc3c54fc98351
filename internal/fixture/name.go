// Package fixture inspects cached JSON fixtures and derives the canonical
// remote URL each one was downloaded from.
package fixture

import (
	"strings"

	"github.com/google/uuid"
)

// Extension is the suffix every refreshable fixture carries.
const Extension = ".json"

const canonicalUUIDLength = 36

// MatchName reports whether name is a refreshable fixture file name: either a
// bare integer or a lower-case canonical UUID, followed by ".json".
func MatchName(name string) bool {
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok || stem == "" {
		return false
	}
	return isDigits(stem) || isCanonicalUUID(stem)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// uuid.Parse also accepts urn:, braced and upper-case forms; fixtures only use
// the plain lower-case 8-4-4-4-12 layout.
func isCanonicalUUID(s string) bool {
	if len(s) != canonicalUUIDLength || s != strings.ToLower(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
