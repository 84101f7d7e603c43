package blocking

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/isometry/adblocker/internal/ldap"
)

// attributeStrategy blocks by writing sentinel values into a configured
// attribute. It has no already-blocked short-circuit.
type attributeStrategy struct {
	field        string
	enableValue  string
	disableValue string
	validator    CredentialValidator
	logger       hclog.Logger
}

func (s *attributeStrategy) Name() string { return "attribute" }

// set resolves sentinel against the attribute's current value, stages it and
// returns the snapshot taken before the change.
func (s *attributeStrategy) set(ctx context.Context, user ldap.UserEntry, sentinel string) (ldap.AttributeSnapshot, error) {
	current, err := user.Attribute(ctx, s.field)
	if err != nil {
		return ldap.AttributeSnapshot{}, err
	}

	value, err := ldap.Resolve(s.field, current, sentinel)
	if err != nil {
		return ldap.AttributeSnapshot{}, err
	}

	user.SetAttribute(s.field, value)
	return current, nil
}

func (s *attributeStrategy) Block(ctx context.Context, user ldap.UserEntry) (BlockOutcome, error) {
	if _, err := s.set(ctx, user, s.disableValue); err != nil {
		return BlockOutcome{}, err
	}
	if err := user.Save(ctx); err != nil {
		return BlockOutcome{}, err
	}

	s.logger.Debug("Blocked user", "dn", user.DN(), "attribute", s.field)
	return BlockOutcome{}, nil
}

func (s *attributeStrategy) Unblock(ctx context.Context, user ldap.UserEntry, _ *time.Time) error {
	if _, err := s.set(ctx, user, s.enableValue); err != nil {
		return err
	}
	if err := user.Save(ctx); err != nil {
		return err
	}

	s.logger.Debug("Unblocked user", "dn", user.DN(), "attribute", s.field)
	return nil
}

func (s *attributeStrategy) Validate(ctx context.Context, user ldap.UserEntry, username, password string) (valid bool, err error) {
	snapshot, err := s.set(ctx, user, s.enableValue)
	if err != nil {
		return false, err
	}

	defer restore(ctx, &valid, &err, func(ctx context.Context) error {
		user.RestoreAttribute(snapshot)
		if err := user.Save(ctx); err != nil {
			return fmt.Errorf("failed to restore %s on %s: %w", s.field, user.DN(), err)
		}
		s.logger.Trace("Restored attribute", "dn", user.DN(), "attribute", s.field, "value", snapshot.String())
		return nil
	})

	if err := user.Save(ctx); err != nil {
		return false, err
	}

	return s.validator.ValidateCredentials(ctx, username, password)
}
