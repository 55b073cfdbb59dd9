package core

import "fmt"

// Error is a coded error used across the coordination core.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Well-known errors shared by the bus, registry and orchestrator.
var (
	ErrTimeout    = &Error{Code: "TIMEOUT", Message: "request timeout"}
	ErrNoHandlers = &Error{Code: "NO_HANDLERS", Message: "no subscriptions match the recipient and action"}
	ErrNoAgents   = &Error{Code: "NO_AGENTS", Message: "no agents available"}
)
