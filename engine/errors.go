package engine

import "errors"

// Engine errors.
var (
	// ErrInvalidEncoding is returned when an outbound command is not valid
	// UTF-8 and cannot be transcoded for the engine.
	ErrInvalidEncoding = errors.New("command is not valid UTF-8")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrDebuggerActive is returned when enabling a debugger on an engine
	// that already has one.
	ErrDebuggerActive = errors.New("debugger is already enabled")

	// ErrDebuggerInactive is returned when disabling a debugger that is not
	// enabled.
	ErrDebuggerInactive = errors.New("debugger is not enabled")
)
