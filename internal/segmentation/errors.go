package segmentation

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the segmentation layer.
var (
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrListNotFound       = errors.New("mailing list not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrSyncInProgress     = errors.New("list synchronization already in progress")
	ErrSyncConflict       = errors.New("list synchronization conflicted with a concurrent write")
	ErrAutomatedList      = errors.New("membership of an automated list is managed by synchronization")
)

// ValidationError is a rejected rule definition. Problems lists every issue
// found, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid segment rules: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsRetryable reports whether a synchronization failure is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrSyncConflict)
}
