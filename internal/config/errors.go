package config

import "errors"

// Error variables for config loading.
var (
	ErrFileNotFound = errors.New("config file not found")
	ErrFileRead     = errors.New("cannot read config file")
	ErrFileExists   = errors.New("config file already exists")
	ErrInvalid      = errors.New("invalid config")
)
