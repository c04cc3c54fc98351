package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrMalformed indicates the fixture is not a JSON object.
	ErrMalformed = errors.New("fixture is not a valid JSON object")
	// ErrMissingID indicates the fixture has no top-level id field.
	ErrMissingID = errors.New("fixture has no id field")
	// ErrInvalidID indicates the id field is not a string.
	ErrInvalidID = errors.New("fixture id is not a string")
	// ErrEmptyPath indicates every segment of the identifier was filtered out.
	ErrEmptyPath = errors.New("identifier has no path segments left after filtering")
)

// vendorMarkers flag identifier segments that belong to the source host
// rather than the record path.
var vendorMarkers = []string{"getty", "http"}

// ReadIdentifier returns the top-level id string of the fixture at path.
func ReadIdentifier(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read fixture: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return "", ErrMalformed
	}

	raw, ok := doc["id"]
	if !ok || string(raw) == "null" {
		return "", ErrMissingID
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidID, raw)
	}
	return id, nil
}

// Reconstruct derives the canonical URL for an identifier. Identifiers with
// fewer than two "/"-separated segments are returned unchanged. Otherwise
// segments mentioning a vendor marker are dropped and the remainder is
// rejoined under baseURL.
func Reconstruct(id, baseURL string) (string, error) {
	parts := strings.Split(id, "/")
	if len(parts) < 2 {
		return id, nil
	}

	path := ""
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if isVendorSegment(part) {
			continue
		}
		if path != "" {
			path = part + "/" + path
		} else {
			path = part
		}
		path = strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyPath, id)
	}
	return baseURL + path, nil
}

// ReconstructFile reads <dir>/<name>.json and reconstructs its canonical URL.
// name may be given with or without the .json suffix.
func ReconstructFile(name, dir, baseURL string) (string, error) {
	stem := strings.TrimSuffix(name, Extension)
	id, err := ReadIdentifier(filepath.Join(dir, stem+Extension))
	if err != nil {
		return "", err
	}
	return Reconstruct(id, baseURL)
}

func isVendorSegment(part string) bool {
	for _, marker := range vendorMarkers {
		if strings.Contains(part, marker) {
			return true
		}
	}
	return false
}
