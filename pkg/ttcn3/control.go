package ttcn3

import "fmt"

// Behaviour bodies are unwound with typed panics so that stop and kill
// reach user code at well-defined suspension points without polluting every
// call signature with error returns. The panics never escape the runtime:
// TestCase.Execute and the behaviour goroutine wrapper recover them.

// stopSignal unwinds a behaviour that was stopped, gracefully.
type stopSignal struct{}

// killSignal unwinds a behaviour that was killed; its verdict is dropped.
type killSignal struct{}

// RuntimeError is raised by the runtime on misuse (sending on an unmapped
// port, connecting a mapped port, ...). It sets the error verdict on the
// component whose behaviour tripped it and stops the testcase.
type RuntimeError struct {
	Reason string
}

func (e *RuntimeError) Error() string {
	return "ttcn3: " + e.Reason
}

func raiseRuntimeError(format string, args ...interface{}) {
	panic(&RuntimeError{Reason: fmt.Sprintf(format, args...)})
}
