package sandbox

import (
	"errors"
	"fmt"
)

// ErrInvalidState matches every InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("invalid sandbox state")

// InvalidStateError reports a transition attempted from the wrong state:
// activating twice, or applying with nothing to apply.
type InvalidStateError struct {
	Op     string
	Active bool
}

func (e *InvalidStateError) Error() string {
	if e == nil {
		return ""
	}
	state := "inactive"
	if e.Active {
		state = "active"
	}
	return fmt.Sprintf("sandbox %s: not allowed while %s", e.Op, state)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
