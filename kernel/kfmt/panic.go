package kfmt

import (
	"fmt"

	"kernvm/kernel"
)

var (
	// haltFn stops the current kernel thread after the panic banner has
	// been printed. Tests replace it to observe panics without unwinding.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts.
// Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// Panicf formats a message for module and passes it to Panic.
func Panicf(module, format string, args ...interface{}) {
	Panic(&kernel.Error{Module: module, Message: fmt.Sprintf(format, args...)})
}
