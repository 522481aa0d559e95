// Package pin verifies transaction PINs with a lockout after repeated failures.
package pin

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/paycore/internal/logging"
)

// Service verifies and sets PINs.
type Service struct {
	repo   Repository
	cost   int
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithCost sets the bcrypt cost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a PIN service.
func NewService(repo Repository, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, cost: bcrypt.DefaultCost, logger: logging.Component(logger, "pin"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set validates newPin, stores a freshly salted hash and clears any lock.
func (s *Service) Set(ctx context.Context, userID, newPin string) error {
	if !validFormat(newPin) {
		return ErrInvalidFormat
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPin), s.cost)
	if err != nil {
		return err
	}
	return s.repo.Upsert(ctx, Profile{
		UserID:    userID,
		PinHash:   hash,
		UpdatedAt: s.now().UTC(),
	})
}

// Verify checks plainPin. While locked it fails with *LockedError without
// consuming an attempt. The third consecutive mismatch locks the profile for
// LockDuration and restarts the count; a match resets both.
func (s *Service) Verify(ctx context.Context, userID, plainPin string) error {
	profile, err := s.repo.Get(ctx, userID)
	if err != nil {
		return err
	}
	if now := s.now(); profile.Locked(now) {
		return lockedError(profile, now)
	}

	// compare outside the row lock
	matched := bcrypt.CompareHashAndPassword(profile.PinHash, []byte(plainPin)) == nil
	compared := profile.PinHash

	var result error
	err = s.repo.Update(ctx, userID, func(p *Profile) error {
		now := s.now()
		if p.Locked(now) {
			result = lockedError(*p, now)
			return nil
		}
		ok := matched
		if !bytes.Equal(p.PinHash, compared) {
			ok = bcrypt.CompareHashAndPassword(p.PinHash, []byte(plainPin)) == nil
		}
		p.UpdatedAt = now.UTC()
		if ok {
			p.FailedAttempts = 0
			p.LockedUntil = nil
			result = nil
			return nil
		}

		p.FailedAttempts++
		if p.FailedAttempts >= MaxFailedAttempts {
			until := now.Add(LockDuration).UTC()
			p.FailedAttempts = 0
			p.LockedUntil = &until
			result = &LockedError{Until: until, RetryAfter: LockDuration}
			s.logger.Warn("pin locked", slog.String("user_id", userID), slog.Time("locked_until", until))
			return nil
		}
		result = &IncorrectPinError{AttemptsRemaining: MaxFailedAttempts - p.FailedAttempts}
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

func lockedError(p Profile, now time.Time) error {
	return &LockedError{Until: *p.LockedUntil, RetryAfter: p.LockedUntil.Sub(now)}
}

func validFormat(pin string) bool {
	if len(pin) != pinLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}
