// Package cli holds command helpers that work on local files rather than
// on a running relay.
package cli

import (
	"errors"
	"strings"

	"github.com/mistakeknot/cuerelay/internal/auth"
)

var errNoPath = errors.New("keys file path required")

// InitKeysFile appends a fresh key for role to the keys file, creating the
// file when needed, and returns the key. Existing keys and the localhost
// policy are preserved.
func InitKeysFile(path, role string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errNoPath
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return "", err
	}
	kf, err := auth.ReadKeysFile(path)
	if err != nil {
		return "", err
	}
	key, err := kf.AddKey(r)
	if err != nil {
		return "", err
	}
	if err := kf.Save(path); err != nil {
		return "", err
	}
	return key, nil
}
