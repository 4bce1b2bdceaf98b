// Package xerrors records where errors are created and wrapped. New and Newf
// capture a stack; Wrap and Wrapf capture the single call site. The logger
// turns both into error_links and stack attributes.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type stacked struct {
	error
	pcs []uintptr
}

func (s *stacked) Unwrap() error       { return s.error }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type wrapped struct {
	cause error
	msg   string
	pc    uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }
func (w *wrapped) PC() uintptr   { return w.pc }

// callers returns the stack above the function that called callers, skipping
// skip more frames.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	return pcs[:runtime.Callers(skip+3, pcs)]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return &stacked{error: errors.New(msg), pcs: callers(0)} }

func Newf(format string, args ...any) error {
	return &stacked{error: fmt.Errorf(format, args...), pcs: callers(0)}
}

// EnsureTrace attaches the caller's stack unless err already carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{error: err, pcs: callers(0)}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, msg: msg, pc: caller(0)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, msg: fmt.Sprintf(format, args...), pc: caller(0)}
}
