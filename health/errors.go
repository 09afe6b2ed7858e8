package health

import "errors"

var (
	// ErrCheckFailed marks an unhealthy result produced by a threshold.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout is the error of a check that outlived its deadline.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned for an unknown checker name.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
