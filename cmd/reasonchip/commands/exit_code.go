package commands

import (
	"github.com/SouthPatron/reasonchip/errors"
)

// ExitCode is the process exit status contract of the CLI.
type ExitCode int

const (
	ExitOK                   ExitCode = 0
	ExitCommandLineError     ExitCode = 1
	ExitConfigurationProblem ExitCode = 2
	ExitUnknownCommand       ExitCode = 3
	ExitModuleNotFound       ExitCode = 4
	ExitError                ExitCode = 5
)

// exitCodeError carries an exit code through cobra's error return path.
type exitCodeError struct {
	Code ExitCode
	Err  error
}

func (e *exitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *exitCodeError) Unwrap() error {
	return e.Err
}

// Exit wraps err with an exit code.
func Exit(code ExitCode, err error) error {
	return &exitCodeError{Code: code, Err: err}
}

// Exitf builds an exit-code error from a new message.
func Exitf(code ExitCode, format string, args ...interface{}) error {
	return &exitCodeError{Code: code, Err: errors.Newf(format, args...)}
}

// CodeOf extracts the exit code from an error chain, defaulting to
// COMMAND_LINE_ERROR for plain errors (cobra flag/usage failures).
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitCommandLineError
}
