package apperr

import "fmt"

// CompensationError is returned when a step failed after a side effect was
// recorded and the follow-up cleanup (giving up the recorded action) failed too.
// errors.Is and errors.As see Primary; Cleanup is reported separately.
type CompensationError struct {
	Primary error
	Cleanup error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%v (cleanup failed: %v)", e.Primary, e.Cleanup)
}

func (e *CompensationError) Unwrap() error {
	return e.Primary
}

// Compensate joins a primary failure with the result of its cleanup.
// A nil cleanup returns primary unchanged.
func Compensate(primary, cleanup error) error {
	if cleanup == nil {
		return primary
	}
	return &CompensationError{Primary: primary, Cleanup: cleanup}
}
