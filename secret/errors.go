package secret

import "errors"

var (
	// ErrMissingEnv is returned when ${VAR} names an unset variable.
	ErrMissingEnv = errors.New("secret: missing required environment variables")

	// ErrUnknownProvider is returned for a reference to an unregistered
	// provider.
	ErrUnknownProvider = errors.New("secret: provider not registered")

	// ErrDuplicateProvider is returned when a provider name is registered
	// twice.
	ErrDuplicateProvider = errors.New("secret: provider already registered")

	// ErrEmptySecret is returned in strict mode when a provider resolves to
	// an empty value.
	ErrEmptySecret = errors.New("secret: empty value")

	// ErrNotFound is returned by providers when ref does not exist.
	ErrNotFound = errors.New("secret: not found")
)
