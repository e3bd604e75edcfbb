package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrTransient marks failures worth retrying: lost connections,
	// serialization failures, resource exhaustion, timeouts.
	ErrTransient = errors.New("transient store error")

	ErrSignalNotFound    = errors.New("signal not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrClaimLost         = errors.New("signal is no longer claimed by this worker")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IsTransient reports whether err was classified as retryable
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify tags retryable driver errors with ErrTransient
func classify(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	if transient(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func transient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback: serialization failure, deadlock
			"53", // insufficient resources
			"57": // operator intervention: query canceled, admin shutdown
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
