package provision

import (
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
)

// SQLSTATE codes the provisioner distinguishes
const (
	codeDuplicateDatabase     = "42P04"
	codeDuplicateTable        = "42P07"
	codeDuplicateObject       = "42710"
	codeInsufficientPrivilege = "42501"
	codeInvalidAuthorization  = "28000"
)

var (
	// ErrPrecondition marks a step that found its target object already present
	ErrPrecondition = errors.New("object already exists")
	// ErrPermission marks a step the executing role was not allowed to perform
	ErrPermission = errors.New("insufficient privilege")
)

// StepError ties an engine error to the provisioning step that raised it
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// classify wraps engine errors with the taxonomy sentinels so callers can
// match with errors.Is instead of reaching for SQLSTATE codes themselves.
// Anything outside the taxonomy passes through untouched.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeDuplicateDatabase, codeDuplicateTable, codeDuplicateObject:
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	case codeInsufficientPrivilege, codeInvalidAuthorization:
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}

	return err
}

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: classify(err)}
}
