package evaluation

import (
	"errors"
	"fmt"

	"github.com/me/matsched/pkg/model"
)

// InvariantError reports a caller or collaborator contract breach, such as a
// partition believed updated having no retrievable record. It is fatal to the
// current tick's evaluation of the entity and must never be swallowed.
type InvariantError struct {
	Target model.EntityPartition
	Msg    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation for %s: %s", e.Target, e.Msg)
}

// Invariantf builds an InvariantError for target.
func Invariantf(target model.EntityPartition, format string, args ...any) *InvariantError {
	return &InvariantError{Target: target, Msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err wraps an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
