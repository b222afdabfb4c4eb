package services

import (
	"github.com/dsyorkd/fleet-controller/internal/errors"
)

// Service errors. The generic ones alias the application sentinels so the
// API layer can map any of them to a status code.
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.ErrNotFound

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.ErrAlreadyExists

	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.ErrInvalidInput

	// ErrConflict indicates a conflict with current state
	ErrConflict = errors.ErrConflict

	// ErrNodeBusy indicates a node is held by another deployment or lifecycle action
	ErrNodeBusy = errors.Wrap(errors.ErrConflict, "node busy")

	// ErrInvalidTransition indicates a node status change the lifecycle does not allow
	ErrInvalidTransition = errors.Wrap(errors.ErrConflict, "invalid status transition")

	// ErrDeploymentTerminal indicates the deployment has already finished
	ErrDeploymentTerminal = errors.Wrap(errors.ErrConflict, "deployment already finished")

	// ErrNotRollbackable indicates no known-good payload exists to roll back to
	ErrNotRollbackable = errors.Wrap(errors.ErrConflict, "deployment cannot be rolled back")

	// ErrHasAssociatedResources indicates the resource has associated resources that prevent deletion
	ErrHasAssociatedResources = errors.Wrap(errors.ErrConflict, "resource has associated resources")
)

// ErrDeploymentCancelled is the failure reason of a cancelled deployment
var ErrDeploymentCancelled = errors.New("deployment cancelled")

// IsNotFound checks if error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if error is ErrAlreadyExists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidInput checks if error is ErrInvalidInput
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConflict checks if error is ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
