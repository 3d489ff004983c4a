// Package xerrors adds source positions to errors. New and Newf capture the
// full call stack; Wrap and Wrapf record only the wrapping call site. The
// logger renders both.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// stacked carries the stack captured where the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped adds a message and the wrapping call site.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// stackFrom captures the stack starting at the caller of the exported
// function that called it.
func stackFrom(err error) error {
	pcs := make([]uintptr, maxDepth)
	// runtime.Callers, stackFrom, New/Newf/EnsureTrace
	n := runtime.Callers(3, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

// site returns the pc of the caller of Wrap/Wrapf.
func site() uintptr {
	var pcs [1]uintptr
	// runtime.Callers, site, Wrap/Wrapf
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return stackFrom(errors.New(msg)) }

func Newf(format string, args ...any) error { return stackFrom(fmt.Errorf(format, args...)) }

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: site()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: site()}
}

// EnsureTrace attaches a stack unless something in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stackFrom(err)
}
