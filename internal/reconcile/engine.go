// Package reconcile runs one reconciliation cycle: block pending users,
// validate credentials of blocked users, unblock users and record a heartbeat.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/isometry/adblocker/internal/blocking"
	"github.com/isometry/adblocker/internal/ldap"
	"github.com/isometry/adblocker/internal/logging"
	"github.com/isometry/adblocker/internal/metrics"
	"github.com/isometry/adblocker/internal/workflow"
)

// Stage names.
const (
	StageBlock     = "block"
	StageValidate  = "validate"
	StageUnblock   = "unblock"
	StageHeartbeat = "heartbeat"
)

// Result messages understood by the remote service.
const (
	MessageUserNotFound       = "AD User not found."
	MessageInvalidCredentials = "AD User credentials are invalid."
	MessageOperationFailed    = "Operation failed. The defined update field is invalid or the user entry could not be loaded."
)

// WorkflowAPI is the remote queue of work items.
type WorkflowAPI interface {
	UsersToBlock(ctx context.Context) ([]workflow.BlockRequest, error)
	ReportBlock(ctx context.Context, result workflow.BlockResult) error
	BlockedLoginRequests(ctx context.Context) ([]workflow.BlockedLoginRequest, error)
	ReportBlockedLogin(ctx context.Context, result workflow.RequestResult) error
	UnblockRequests(ctx context.Context) ([]workflow.UnblockRequest, error)
	ReportUnblock(ctx context.Context, result workflow.RequestResult) error
	Heartbeat(ctx context.Context) error
}

// Directory resolves request identities to directory users.
type Directory interface {
	FindUser(ctx context.Context, identity string) (ldap.UserEntry, error)
}

// Metrics receives run measurements.
type Metrics interface {
	ObserveItem(stage, outcome string)
	ObserveStage(stage string, elapsed time.Duration, err error)
	MarkSuccess(t time.Time)
}

// Engine processes the three request queues in order.
type Engine struct {
	api       WorkflowAPI
	directory Directory
	strategy  blocking.Strategy

	reporter logging.Reporter
	metrics  Metrics
	logger   hclog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sets the error reporter.
func WithReporter(r logging.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(api WorkflowAPI, directory Directory, strategy blocking.Strategy, opts ...Option) *Engine {
	e := &Engine{
		api:       api,
		directory: directory,
		strategy:  strategy,
		metrics:   noopMetrics{},
		logger:    hclog.NewNullLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = logging.NewReporter(e.logger, nil)
	}
	return e
}

// Run executes one cycle. Stage failures are logged and reported but do not
// stop later stages; the returned error is the heartbeat failure, if any.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{Strategy: e.strategy.Name(), Started: e.now()}
	e.logger.Info("Start task", "strategy", summary.Strategy, "start_time", summary.Started.UTC().Format(time.RFC3339Nano))

	summary.Stages = append(summary.Stages,
		e.runStage(ctx, StageBlock, e.blockUsers),
		e.runStage(ctx, StageValidate, e.validateLogins),
		e.runStage(ctx, StageUnblock, e.unblockUsers),
	)

	err := e.api.Heartbeat(ctx)
	summary.Finished = e.now()
	if err != nil {
		err = fmt.Errorf("failed to record task runtime: %w", err)
		summary.HeartbeatErr = err
		e.logger.Error("Heartbeat failed", "error", err)
		e.reporter.Report(ctx, err, StageHeartbeat)
	} else {
		e.metrics.MarkSuccess(summary.Finished)
	}

	e.logger.Info("End task",
		"end_time", summary.Finished.UTC().Format(time.RFC3339Nano),
		"duration_ms", summary.Finished.Sub(summary.Started).Milliseconds(),
		"processed", summary.Processed(),
		"failed", summary.Failed())

	return summary, err
}

type stageFunc func(ctx context.Context, stage *StageSummary) error

func (e *Engine) runStage(ctx context.Context, name string, fn stageFunc) StageSummary {
	start := time.Now()
	stage := StageSummary{Name: name}
	logger := e.logger.With("stage", name)
	logger.Info("Started stage")

	if err := fn(ctx, &stage); err != nil {
		stage.Err = err
		logger.Error("Stage aborted", "error", err)
		e.reporter.Report(ctx, err, name)
	}

	e.metrics.ObserveStage(name, time.Since(start), stage.Err)
	logger.Info("Ended stage",
		"processed", stage.Processed,
		"succeeded", stage.Succeeded,
		"skipped", stage.Skipped,
		"failed", stage.Failed,
		"duration_ms", time.Since(start).Milliseconds())
	return stage
}

func (e *Engine) record(stage *StageSummary, outcome string) {
	stage.Processed++
	switch outcome {
	case metrics.OutcomeSucceeded:
		stage.Succeeded++
	case metrics.OutcomeSkipped:
		stage.Skipped++
	default:
		stage.Failed++
	}
	e.metrics.ObserveItem(stage.Name, outcome)
}

// failure turns a per-item error into the result message and reports it.
func (e *Engine) failure(ctx context.Context, stage, identity string, err error) string {
	logger := e.logger.With("stage", stage, "user", identity)

	switch {
	case errors.Is(err, ldap.ErrUserNotFound):
		logger.Info("User not found in AD")
		return MessageUserNotFound
	case errors.Is(err, ldap.ErrAttributeUnavailable):
		logger.Error("The defined update field is invalid or the user entry could not be loaded", "error", err)
		e.reporter.Report(ctx, err, stage)
		return MessageOperationFailed
	default:
		logger.Error("Request failed", "error", err)
		e.reporter.Report(ctx, err, stage)
		return err.Error()
	}
}

// delivered handles the outcome of sending a result back.
func (e *Engine) delivered(ctx context.Context, stage, identity, outcome string, err error) string {
	if err == nil {
		return outcome
	}
	err = fmt.Errorf("failed to report %s result for %s: %w", stage, identity, err)
	e.logger.Error("Result delivery failed", "stage", stage, "user", identity, "error", err)
	e.reporter.Report(ctx, err, stage)
	return metrics.OutcomeFailed
}

func (e *Engine) blockUsers(ctx context.Context, stage *StageSummary) error {
	requests, err := e.api.UsersToBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users to block: %w", err)
	}

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, outcome := e.block(ctx, req)
		err := e.api.ReportBlock(ctx, result)
		e.record(stage, e.delivered(ctx, StageBlock, req.AdUserName, outcome, err))
	}
	return nil
}

func (e *Engine) block(ctx context.Context, req workflow.BlockRequest) (workflow.BlockResult, string) {
	result := workflow.BlockResult{Oid: req.Oid}

	user, err := e.directory.FindUser(ctx, req.AdUserName)
	if err != nil {
		result.Message = e.failure(ctx, StageBlock, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	outcome, err := e.strategy.Block(ctx, user)
	if err != nil {
		result.Message = e.failure(ctx, StageBlock, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	result.Success = true
	if outcome.AlreadyBlocked {
		e.logger.Info("User is already blocked and was not processed again", "user", req.AdUserName)
		return result, metrics.OutcomeSkipped
	}

	result.AccountExpirationDate = workflow.NewTimestamp(outcome.OriginalExpiration)
	e.logger.Info("Blocked user", "user", req.AdUserName, "oid", req.Oid.String())
	return result, metrics.OutcomeSucceeded
}

func (e *Engine) validateLogins(ctx context.Context, stage *StageSummary) error {
	requests, err := e.api.BlockedLoginRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list blocked login requests: %w", err)
	}

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, outcome := e.validate(ctx, req)
		err := e.api.ReportBlockedLogin(ctx, result)
		e.record(stage, e.delivered(ctx, StageValidate, req.AdUserName, outcome, err))
	}
	return nil
}

func (e *Engine) validate(ctx context.Context, req workflow.BlockedLoginRequest) (workflow.RequestResult, string) {
	result := workflow.RequestResult{ID: req.ID}

	user, err := e.directory.FindUser(ctx, req.AdUserName)
	if err != nil {
		result.Message = e.failure(ctx, StageValidate, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	valid, err := e.strategy.Validate(ctx, user, ldap.LogonName(req.AdUserName, user.SAMAccountName()), req.Password)
	if err != nil {
		result.Message = e.failure(ctx, StageValidate, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	e.logger.Debug("Validated credentials", "user", req.AdUserName, "valid", valid)
	if !valid {
		result.Message = MessageInvalidCredentials
		return result, metrics.OutcomeFailed
	}

	result.Success = true
	return result, metrics.OutcomeSucceeded
}

func (e *Engine) unblockUsers(ctx context.Context, stage *StageSummary) error {
	requests, err := e.api.UnblockRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unblock requests: %w", err)
	}

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, outcome := e.unblock(ctx, req)
		err := e.api.ReportUnblock(ctx, result)
		e.record(stage, e.delivered(ctx, StageUnblock, req.AdUserName, outcome, err))
	}
	return nil
}

func (e *Engine) unblock(ctx context.Context, req workflow.UnblockRequest) (workflow.RequestResult, string) {
	result := workflow.RequestResult{ID: req.ID}

	user, err := e.directory.FindUser(ctx, req.AdUserName)
	if err != nil {
		result.Message = e.failure(ctx, StageUnblock, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	if err := e.strategy.Unblock(ctx, user, req.AccountExpirationDate.Ptr()); err != nil {
		result.Message = e.failure(ctx, StageUnblock, req.AdUserName, err)
		return result, metrics.OutcomeFailed
	}

	result.Success = true
	e.logger.Info("Unblocked user", "user", req.AdUserName)
	return result, metrics.OutcomeSucceeded
}

type noopMetrics struct{}

func (noopMetrics) ObserveItem(string, string)                {}
func (noopMetrics) ObserveStage(string, time.Duration, error) {}
func (noopMetrics) MarkSuccess(time.Time)                     {}
