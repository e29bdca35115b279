package reminder

import "errors"

// User input errors: reported synchronously to the caller, state unchanged.
var (
	ErrEmptyMessage    = errors.New("reminder message is empty")
	ErrMessageTooLong  = errors.New("reminder message is too long")
	ErrTooManyTargets  = errors.New("too many reminder targets")
	ErrBadDateTime     = errors.New("invalid date/time")
	ErrBadTimezone     = errors.New("invalid timezone")
	ErrBadRecurrence   = errors.New("invalid recurrence kind")
	ErrNoneOnCreate    = errors.New(`recurrence "none" is only valid when editing`)
	ErrIndexOutOfRange = errors.New("reminder number out of range")
	ErrNotYours        = errors.New("reminder was created by someone else")
	ErrManagerOnly     = errors.New("requires manager rights")
)

// Temporal policy errors.
var (
	ErrPastTime         = errors.New("non-recurring reminder is in the past")
	ErrTooFarAhead      = errors.New("reminder is too far in the future")
	ErrNoNextOccurrence = errors.New("no valid next occurrence")
)
