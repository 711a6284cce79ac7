package directive

import "errors"

var (
	// ErrDuplicateGrade is returned when a run already has a grade from the
	// same source.
	ErrDuplicateGrade = errors.New("grade already recorded for run and source")

	// ErrInvalidGrade is returned for grades with out-of-range scores, an
	// unknown source or no run.
	ErrInvalidGrade = errors.New("invalid grade")

	// ErrNotFound is returned by Retire for an unknown directive id and by
	// Withdraw for a grade that was never recorded.
	ErrNotFound = errors.New("directive not found")

	// ErrUnsupportedVersion is returned by Open for a newer ledger format.
	ErrUnsupportedVersion = errors.New("unsupported directive ledger version")
)
