package saga

import (
	"slices"

	"github.com/hashicorp/go-multierror"
)

// Result accumulates the failures of one run. A run succeeded iff no error
// was added.
type Result struct {
	SessionID string
	Phase     Phase
	StepIndex int

	errs []error
}

// Add appends err. Nil errors are ignored.
func (r *Result) Add(err error) *Result {
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return r
}

// Success reports whether no error was added.
func (r *Result) Success() bool {
	return len(r.errs) == 0
}

// Errors returns a copy of the accumulated errors in the order they were added.
func (r *Result) Errors() []error {
	return slices.Clone(r.errs)
}

// Err combines the accumulated errors, or returns nil on success.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	return multierror.Append(nil, r.errs...).ErrorOrNil()
}
