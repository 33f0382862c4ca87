package cli

import "errors"

// Error variables for command parsing and execution.
var (
	errUnexpectedArg  = errors.New("unexpected argument")
	errMissingArg     = errors.New("missing argument")
	errUnknownCommand = errors.New("unknown command")
	errNotFixed       = errors.New("page is not fixed")
	errInvalidBench   = errors.New("invalid bench flags")
	errNoGlobalPath   = errors.New("cannot locate global config: neither XDG_CONFIG_HOME nor HOME is set")
)
