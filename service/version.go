package service

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the API version implemented by this package.
const Version = "1.0.0"

// ErrVersion is returned when a caller requests an API version that this
// package cannot serve.
var ErrVersion = errors.New("incompatible api version")

// CheckVersion reports whether a requested version such as "~1.0" or "1"
// can be served. A leading "~" or "^" asks for any compatible release: same
// major version, no newer than the implemented one. An empty request accepts
// the current version.
func CheckVersion(requested string) error {
	raw := strings.TrimSpace(requested)
	if raw == "" {
		return nil
	}
	raw = strings.TrimLeft(raw, "~^")
	canonical := "v" + strings.TrimPrefix(raw, "v")
	if !semver.IsValid(canonical) {
		return fmt.Errorf("%w: malformed version %q", ErrVersion, requested)
	}
	current := "v" + Version
	if semver.Major(canonical) != semver.Major(current) {
		return fmt.Errorf("%w: requested %s, have %s", ErrVersion, requested, Version)
	}
	if semver.Compare(canonical, current) > 0 {
		return fmt.Errorf("%w: requested %s, have %s", ErrVersion, requested, Version)
	}
	return nil
}
