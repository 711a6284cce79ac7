package secrets

import "errors"

var (
	// ErrInvalidTOML is returned for an allowlist file that does not parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex is returned for an allowlist pattern that does not
	// compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)
