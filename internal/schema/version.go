package schema

import (
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the translation-layer schema version this server speaks.
// Clients tag every push and pull with the version they were built
// against; anything outside the v1 line is rejected at the boundary.
const Version = "v1"

// ErrUnsupportedVersion is returned for missing, malformed, or
// incompatible schema version tags.
var ErrUnsupportedVersion = errors.New("unsupported schema version")

// CheckVersion validates a client-supplied schema version tag.
func CheckVersion(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: no version tag", ErrUnsupportedVersion)
	}
	if !semver.IsValid(tag) {
		return fmt.Errorf("%w: invalid tag %q", ErrUnsupportedVersion, tag)
	}
	if semver.Major(tag) != Version {
		return fmt.Errorf("%w: %q (server speaks %s)", ErrUnsupportedVersion, tag, Version)
	}
	return nil
}
