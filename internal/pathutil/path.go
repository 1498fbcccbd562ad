// Package pathutil implements the canonical path rules every other
// component relies on at its ingestion boundaries: wire-form
// normalization, case-insensitive diff keys, and traversal/absolute-path
// rejection.
package pathutil

import (
	"fmt"
	"strings"
)

// ErrInvalidPath is the sentinel wrapped by Validate failures. Callers use
// errors.Is(err, ErrInvalidPath) to recognize the InvalidPath sub-kind.
var ErrInvalidPath = fmt.Errorf("pathutil: invalid path")

// Normalize replaces backslashes with forward slashes. The result is the
// wire form used everywhere a relative path is stored or compared.
//
// Normalize is idempotent: Normalize(Normalize(p)) == Normalize(p).
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Canonicalize lowercases the normalized form. Used only to build
// case-insensitive diff keys; never stored.
func Canonicalize(p string) string {
	return strings.ToLower(Normalize(p))
}

// Validate rejects absolute paths, drive-letter prefixes, and any
// "." or ".." path segment. A ".." substring inside a segment name (e.g.
// "foo..bar") is allowed — only whole segments equal to ".." are rejected.
//
// p is expected to already be in wire form (forward slashes); callers
// that have not normalized yet should call Normalize first.
func Validate(p string) error {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return fmt.Errorf("%w: %q: absolute path", ErrInvalidPath, p)
	}

	if hasDriveLetterPrefix(p) {
		return fmt.Errorf("%w: %q: drive-letter prefix", ErrInvalidPath, p)
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q: %q path segment", ErrInvalidPath, p, seg)
		}
	}

	return nil
}

// hasDriveLetterPrefix reports whether p starts with "X:" where X is a
// single alphanumeric character, e.g. "C:" or "1:".
func hasDriveLetterPrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}

	c := p[0]

	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// NormalizeAndValidate is the common ingestion-boundary call: normalize
// then validate, returning the normalized form on success.
func NormalizeAndValidate(p string) (string, error) {
	n := Normalize(p)
	if err := Validate(n); err != nil {
		return "", err
	}

	return n, nil
}
