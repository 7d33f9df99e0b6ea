// Package perrors provides the structured error type used across the
// pipeline: an operation name, a high-level code, optional component
// coordinates (cog/queue-style), and a wrapped cause, with errors.Is/As
// support. Adapted from go-ublk's errors.go, generalized from device/queue
// coordinates to the pipeline's own component vocabulary (cog index, pool
// slot, sequence number).
package perrors

import (
	"errors"
	"fmt"
)

// Code is a high-level error category, independent of any wrapped cause.
type Code string

const (
	CodeBackpressure      Code = "backpressure"
	CodeFraming           Code = "framing error"
	CodeTimeout           Code = "timeout"
	CodePoolAccounting    Code = "pool accounting error"
	CodeHandler           Code = "handler error"
	CodeConfiguration     Code = "configuration error"
	CodeIO                Code = "I/O error"
	CodeInvalidArgument   Code = "invalid argument"
	CodeCommunicationLost Code = "communication lost"
)

// Error is the structured error type returned by every package in this
// module.
type Error struct {
	Op       string // operation that failed, e.g. "extractor.classify"
	Code     Code
	CogIndex int // -1 if not applicable
	Sequence int // -1 if not applicable, else a protocol/pool sequence
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.CogIndex >= 0 {
		parts = append(parts, fmt.Sprintf("cog=%d", e.CogIndex))
	}
	if e.Sequence >= 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", e.Sequence))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("p2pipe: %s", msg)
	}
	return fmt.Sprintf("p2pipe: %s (%s)", msg, parts[0])
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error with no component coordinates.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, CogIndex: -1, Sequence: -1}
}

// Wrap attaches pipeline context to an existing error, preserving its code
// if it is already a *Error.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ie.Code, CogIndex: ie.CogIndex, Sequence: ie.Sequence, Msg: ie.Msg, Inner: ie.Inner}
	}
	return &Error{Op: op, Code: code, CogIndex: -1, Sequence: -1, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
