package engine

import (
	"fmt"
)

// RestartSignal is the non-local control flow raised by a workflow step to
// abandon the current run and restart the engine with a new entry point.
// It travels the error return path; Engine.Run resolves it, it is never
// surfaced to callers.
type RestartSignal struct {
	Name string
	Args Variables
}

func (s *RestartSignal) Error() string {
	return fmt.Sprintf("restart engine with entry %q", s.Name)
}

// Restart requests that the engine abandon the current invocation and
// start again at name. name follows the same resolution rules as Branch,
// relative to the workflow that raised it.
func Restart(name string, args Variables) error {
	return &RestartSignal{Name: name, Args: args}
}

// TerminateSignal is the non-local control flow raised by a workflow step
// to finish the whole run immediately with a result.
type TerminateSignal struct {
	Result any
}

func (s *TerminateSignal) Error() string {
	return "terminate engine"
}

// Terminate requests that the engine finish immediately, returning result
// from Engine.Run.
func Terminate(result any) error {
	return &TerminateSignal{Result: result}
}
