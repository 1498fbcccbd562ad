// Package syncerr defines the coarse error taxonomy shared by every sync
// engine component: four coarse kinds (Remote, Local, Diff, Execution) plus
// the baseline store's precise sub-kinds (Missing, Busy, Corrupt,
// NewerSchema, InvalidPath). Components wrap a sentinel with fmt.Errorf's
// %w verb and a package-name prefix; callers classify with errors.Is/As.
package syncerr

import (
	"errors"
	"fmt"
)

// Coarse kind sentinels, matched with errors.Is. Errors built by Remote,
// Local, Diff, Execution and WrapSecurity wrap exactly one of these; the
// baseline store's Busy, Corrupt and NewerSchema errors wrap only their
// sub-kind sentinel, not a coarse kind.
var (
	ErrRemote    = errors.New("remote")
	ErrLocal     = errors.New("local")
	ErrDiff      = errors.New("diff")
	ErrExecution = errors.New("execution")
)

// Baseline store sub-kind sentinels (§4.3, §7).
var (
	ErrMissing     = errors.New("baseline missing")
	ErrBusy        = errors.New("baseline busy")
	ErrCorrupt     = errors.New("baseline corrupt")
	ErrNewerSchema = errors.New("baseline schema newer than supported")
	ErrInvalidPath = errors.New("invalid path")
)

// Remote wraps err as a Remote-kind error with a "remote: ..." message.
func Remote(format string, args ...any) error {
	return wrap(ErrRemote, format, args...)
}

// Local wraps err as a Local-kind error.
func Local(format string, args ...any) error {
	return wrap(ErrLocal, format, args...)
}

// Diff wraps err as a Diff-kind error. Reserved for internal differ
// inconsistencies; the default differ never returns one.
func Diff(format string, args ...any) error {
	return wrap(ErrDiff, format, args...)
}

// Execution wraps err as an Execution-kind error.
func Execution(format string, args ...any) error {
	return wrap(ErrExecution, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)

	return fmt.Errorf("%w: %s", sentinel, msg)
}

// NewerSchemaError carries the found/supported schema versions so a caller
// can render "please upgrade" without re-parsing the message string.
type NewerSchemaError struct {
	Found     int
	Supported int
}

func (e *NewerSchemaError) Error() string {
	return fmt.Sprintf("baseline schema version %d is newer than supported %d; please upgrade", e.Found, e.Supported)
}

func (e *NewerSchemaError) Unwrap() error {
	return ErrNewerSchema
}

// WrapSecurity marks an Execution error as a path-safety violation. Unlike
// Execution, it does not prepend the "execution: " prefix: its message must
// begin with the literal tag "Security" per §4.7/§8 scenario 4, while still
// wrapping ErrExecution so callers can classify it with errors.Is.
func WrapSecurity(relPath string) error {
	return fmt.Errorf("Security: path %q escapes the sync root (contains \"..\" or resolves outside root): %w", relPath, ErrExecution)
}
