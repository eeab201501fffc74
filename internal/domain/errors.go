package domain

import (
	"errors"
	"fmt"
)

// ErrKind classifies trainer failures. Config errors are fatal at startup,
// data errors are skippable per sample, numeric errors are counted and only
// escalate past a threshold.
type ErrKind string

const (
	KindConfig  ErrKind = "config"
	KindData    ErrKind = "data"
	KindNumeric ErrKind = "numeric"
)

// Error is the trainer error type. Component names the package or loss flag
// combination responsible so misconfiguration is distinguishable from bugs.
type Error struct {
	Kind      ErrKind
	Component string
	Msg       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Component, e.Msg)
}

func NewConfigError(component, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Component: component, Msg: fmt.Sprintf(format, args...)}
}

func NewDataError(component, format string, args ...any) *Error {
	return &Error{Kind: KindData, Component: component, Msg: fmt.Sprintf(format, args...)}
}

func NewNumericError(component, format string, args ...any) *Error {
	return &Error{Kind: KindNumeric, Component: component, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a trainer error of
// the given kind.
func IsKind(err error, kind ErrKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

func IsConfigError(err error) bool { return IsKind(err, KindConfig) }
func IsDataError(err error) bool   { return IsKind(err, KindData) }
