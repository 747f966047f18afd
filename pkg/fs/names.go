package fs

import (
	"fmt"
	"regexp"
	"strings"
)

// nameRe is the only charset allowed for database names, entity keys, and
// schema IDs. It excludes path separators, control characters, and anything
// that needs percent-encoding, so a validated name can be joined into a
// filename without further escaping.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidateName checks a database name, entity key, or schema ID against the
// charset rule. Every path-building call in this package validates its
// components here first; handlers and RPC servers call it before touching
// storage so traversal attempts fail before any path exists.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_.-]", ErrInvalidName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidName, name)
	}
	return nil
}

// entityID joins a validated database name and entity key into the
// {database}_{key} stem used for blob, metadata, and lock file names.
func entityID(database, key string) string {
	return database + "_" + key
}
