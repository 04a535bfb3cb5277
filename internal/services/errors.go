package services

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/saeid-a/EnrollBack/internal/gateway"
)

var (
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrCapacityExceeded        = errors.New("lesson capacity exceeded")
	ErrLockerUnavailable       = errors.New("no locker available")
	ErrSignatureMismatch       = errors.New("notification signature mismatch")
	ErrDuplicateEnrollment     = errors.New("user already holds an enrollment for this lesson")
	ErrPaymentConflict         = errors.New("tid already recorded for another enrollment")
	ErrNotFound                = errors.New("resource not found")
	ErrLessonNotFound          = errors.New("lesson not found")
	ErrEnrollmentNotFound      = errors.New("enrollment not found")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrUserNotFound            = errors.New("user not found")
	ErrLockerInventoryNotFound = errors.New("locker inventory not found")

	ErrRefundExceedsPaid    = gateway.ErrRefundExceedsPaid
	ErrGatewayCommunication = gateway.ErrGatewayCommunication
	ErrRefundRejected       = gateway.ErrRefundRejected
)

// notFound wraps a specific not-found error so callers can match either it
// or ErrNotFound.
type notFound struct {
	err error
}

func (e notFound) Error() string { return e.err.Error() }

func (e notFound) Is(target error) bool {
	return target == ErrNotFound || target == e.err
}

func wrapNotFound(err error) error {
	return notFound{err: err}
}

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation
}

func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return true
	default:
		return false
	}
}
