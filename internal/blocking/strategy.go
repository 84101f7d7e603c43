// Package blocking expresses "blocked" on a directory user, either through the
// account expiration date or through a configured attribute.
package blocking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/isometry/adblocker/internal/ldap"
)

// Strategy blocks, unblocks and validates users in one consistent way.
type Strategy interface {
	Name() string

	// Block marks the user as blocked.
	Block(ctx context.Context, user ldap.UserEntry) (BlockOutcome, error)

	// Unblock lifts the block. requested is the expiration the remote
	// system wants restored; nil means none.
	Unblock(ctx context.Context, user ldap.UserEntry, requested *time.Time) error

	// Validate checks username/password while temporarily lifting the
	// block. The user's directory state is restored before it returns.
	Validate(ctx context.Context, user ldap.UserEntry, username, password string) (bool, error)
}

// BlockOutcome describes what Block did.
type BlockOutcome struct {
	// AlreadyBlocked is set when the account was blocked before and nothing
	// was written.
	AlreadyBlocked bool

	// OriginalExpiration is the expiration the account had before it was
	// blocked; nil when it had none.
	OriginalExpiration *time.Time
}

// CredentialValidator checks a password against the directory domain.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context, username, password string) (bool, error)
}

// Config selects and parameterises the strategy.
type Config struct {
	// UpdateField, when non-blank, selects the attribute strategy.
	UpdateField  string
	EnableValue  string
	DisableValue string
}

// AttributeBased reports whether cfg selects the attribute strategy.
func (c Config) AttributeBased() bool {
	return strings.TrimSpace(c.UpdateField) != ""
}

// Option configures a strategy.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger hclog.Logger
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New returns the strategy cfg selects; the attribute strategy when an update
// field is configured, the expiration strategy otherwise.
func New(cfg Config, validator CredentialValidator, opts ...Option) Strategy {
	o := options{now: time.Now, logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.AttributeBased() {
		return &attributeStrategy{
			field:        strings.TrimSpace(cfg.UpdateField),
			enableValue:  cfg.EnableValue,
			disableValue: cfg.DisableValue,
			validator:    validator,
			logger:       o.logger.Named("attribute"),
		}
	}

	return &expirationStrategy{
		validator: validator,
		now:       o.now,
		logger:    o.logger.Named("expiration"),
	}
}

// restore runs fn on a context that outlives cancellation of ctx and folds
// its error into err. A failed restore always invalidates the result.
func restore(ctx context.Context, valid *bool, err *error, fn func(context.Context) error) {
	if restoreErr := fn(context.WithoutCancel(ctx)); restoreErr != nil {
		*valid = false
		*err = errors.Join(*err, restoreErr)
	}
}
