package config

import "errors"

var (
	// ErrInvalidConfig is returned when a file decodes but fails validation.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrDecode is returned when a file is not well-formed YAML or names an
	// unknown field.
	ErrDecode = errors.New("config: decode failed")
)
