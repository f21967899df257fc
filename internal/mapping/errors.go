package mapping

import "errors"

// Domain errors for the mapping package.
var (
	// ErrNotNumeric is returned when a numeric format is applied to a value that does not parse.
	ErrNotNumeric = errors.New("mapping: not a number")

	// ErrUnhandledValue is returned when no values table entry and no default match a reading.
	ErrUnhandledValue = errors.New("mapping: value not handled in values")

	// ErrNoCommand is returned when no command can be resolved for an outbound value.
	ErrNoCommand = errors.New("mapping: no command for value")

	// ErrNoValue is returned when a custom conversion yields no value.
	ErrNoValue = errors.New("mapping: conversion yielded no value")

	// ErrSyntax is returned for malformed homebridgeMapping text.
	ErrSyntax = errors.New("mapping: wrong syntax")

	// ErrUnknownFunc is returned when a rule names a conversion function that is not registered.
	ErrUnknownFunc = errors.New("mapping: unknown function")
)
