// Package provider holds concerns shared by all provider adapter families:
// error classification used by the pipeline and dialer to decide between
// retrying, reconnecting, and failing a call outright.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass partitions provider failures by how callers should react.
type ErrorClass int

const (
	// ClassTransient covers failures worth one reconnect or retry attempt:
	// network resets, timeouts, and provider 5xx-style conditions.
	ClassTransient ErrorClass = iota

	// ClassConfig covers missing or rejected credentials and other
	// misconfiguration. Retrying cannot help until the operator intervenes.
	ClassConfig

	// ClassFatal covers everything else: the call or request cannot proceed.
	ClassFatal
)

// String returns the class name used in logs and metrics labels.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConfig:
		return "config"
	default:
		return "fatal"
	}
}

// classified wraps an error with an explicit class.
type classified struct {
	class ErrorClass
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as worth a single reconnect or retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Config marks err as a misconfiguration that retrying cannot fix.
func Config(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassConfig, err: err}
}

// Configf is Config with formatting.
func Configf(format string, args ...any) error {
	return Config(fmt.Errorf(format, args...))
}

// Fatal marks err as unrecoverable for the current operation.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassFatal, err: err}
}

// Classify determines how a caller should react to err. Explicit marks win;
// otherwise network timeouts and temporary conditions classify as transient,
// context cancellation as fatal (the operation was abandoned on purpose), and
// anything unknown as fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassFatal
}
