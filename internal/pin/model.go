package pin

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxFailedAttempts consecutive failures lock the profile.
	MaxFailedAttempts = 3
	// LockDuration is how long a lock lasts.
	LockDuration = time.Hour
	pinLength    = 6
)

var (
	ErrNotConfigured = errors.New("pin not configured")
	ErrInvalidFormat = fmt.Errorf("pin must be exactly %d digits", pinLength)
	ErrLocked        = errors.New("pin verification locked")
	ErrIncorrectPin  = errors.New("incorrect pin")
)

// Profile is the per-user PIN security state.
type Profile struct {
	UserID         string
	PinHash        []byte
	FailedAttempts int
	LockedUntil    *time.Time
	UpdatedAt      time.Time
}

// Locked reports whether verification is blocked at now.
func (p Profile) Locked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}

// LockedError is returned while a profile is locked.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("pin verification locked, retry in %d minutes", e.RetryAfterMinutes())
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// RetryAfterMinutes rounds the remaining lock up to whole minutes.
func (e *LockedError) RetryAfterMinutes() int {
	m := int((e.RetryAfter + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// IncorrectPinError is returned on a mismatch that did not lock the profile.
type IncorrectPinError struct {
	AttemptsRemaining int
}

func (e *IncorrectPinError) Error() string {
	return fmt.Sprintf("incorrect pin, %d attempts remaining", e.AttemptsRemaining)
}

func (e *IncorrectPinError) Is(target error) bool { return target == ErrIncorrectPin }
