package blocking

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/isometry/adblocker/internal/ldap"
)

// expirationStrategy blocks by moving accountExpires into the past.
type expirationStrategy struct {
	validator CredentialValidator
	now       func() time.Time
	logger    hclog.Logger
}

func (s *expirationStrategy) Name() string { return "expiration" }

func (s *expirationStrategy) expired(user ldap.UserEntry) bool {
	exp := user.ExpirationDate()
	return exp != nil && exp.Before(s.now())
}

func (s *expirationStrategy) Block(ctx context.Context, user ldap.UserEntry) (BlockOutcome, error) {
	if s.expired(user) {
		s.logger.Info("User is already blocked and was not processed again", "dn", user.DN())
		return BlockOutcome{AlreadyBlocked: true}, nil
	}

	original := user.ExpirationDate()
	blocked := s.now().AddDate(-1, 0, 0)
	user.SetExpirationDate(&blocked)
	if err := user.Save(ctx); err != nil {
		return BlockOutcome{}, err
	}

	s.logger.Debug("Blocked user", "dn", user.DN(), "original_expiration", formatTime(original))
	return BlockOutcome{OriginalExpiration: original}, nil
}

func (s *expirationStrategy) Unblock(ctx context.Context, user ldap.UserEntry, requested *time.Time) error {
	if !s.expired(user) {
		return nil
	}

	if requested == nil || requested.After(s.now()) {
		user.SetExpirationDate(requested)
	} else {
		user.SetExpirationDate(nil)
	}
	if err := user.Save(ctx); err != nil {
		return err
	}

	s.logger.Debug("Unblocked user", "dn", user.DN(), "expiration", formatTime(user.ExpirationDate()))
	return nil
}

func (s *expirationStrategy) Validate(ctx context.Context, user ldap.UserEntry, username, password string) (valid bool, err error) {
	original := user.ExpirationDate()

	if s.expired(user) {
		defer restore(ctx, &valid, &err, func(ctx context.Context) error {
			user.SetExpirationDate(original)
			if err := user.Save(ctx); err != nil {
				return fmt.Errorf("failed to restore expiration of %s: %w", user.DN(), err)
			}
			return nil
		})

		unlocked := s.now().AddDate(1, 0, 0)
		user.SetExpirationDate(&unlocked)
		if err := user.Save(ctx); err != nil {
			return false, err
		}
	}

	return s.validator.ValidateCredentials(ctx, username, password)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
