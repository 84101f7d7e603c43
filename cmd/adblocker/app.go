package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/isometry/adblocker/internal/blocking"
	"github.com/isometry/adblocker/internal/config"
	"github.com/isometry/adblocker/internal/ldap"
	"github.com/isometry/adblocker/internal/logging"
	"github.com/isometry/adblocker/internal/metrics"
	"github.com/isometry/adblocker/internal/reconcile"
	"github.com/isometry/adblocker/internal/workflow"
)

// app holds the wired components for one invocation.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	reporter *logging.LogReporter
	metrics  *metrics.Recorder

	ldap      ldap.Client
	directory *ldap.Directory
	strategy  blocking.Strategy
	api       *workflow.Client
}

func newApp(ctx context.Context, flags *globalFlags, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logJSON {
		cfg.LogJSON = true
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Output: logOutput})
	logger.Info("Configuring adblocker", append([]any{"version", version}, cfg.LogFields()...)...)

	recorder, err := metrics.New()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		reporter: logging.NewReporter(logger, recorder, cfg.Tags()...),
		metrics:  recorder,
	}

	start := time.Now()
	a.ldap, err = ldap.NewClient(ctx, cfg.LDAP(), logger.Named("ldap"))
	if err != nil {
		logger.Error("Failed to create LDAP client", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, a.abort(ctx, fmt.Errorf("unable to create LDAP client: %w", err))
	}

	a.directory, err = ldap.NewDirectory(ctx, a.ldap, cfg.Directory(), logger.Named("directory"))
	if err != nil {
		return nil, a.abort(ctx, fmt.Errorf("unable to initialise directory: %w", err))
	}
	logger.Debug("Directory ready", "base_dn", a.directory.BaseDN(), "duration_ms", time.Since(start).Milliseconds())

	a.strategy = blocking.New(cfg.Blocking(), a.directory, blocking.WithLogger(logger.Named("blocking")))

	a.api, err = workflow.NewClient(cfg.Workflow(), logger.Named("workflow"))
	if err != nil {
		return nil, a.abort(ctx, fmt.Errorf("unable to create workflow client: %w", err))
	}

	return a, nil
}

// abort reports a startup failure and releases whatever was built.
func (a *app) abort(ctx context.Context, err error) error {
	a.reporter.Report(ctx, err, "startup")
	a.Close()
	return err
}

// Run executes one cycle and pushes metrics. A failed heartbeat is logged
// and reported by the engine but does not fail the process.
func (a *app) Run(ctx context.Context) error {
	engine := reconcile.NewEngine(a.api, a.directory, a.strategy,
		reconcile.WithReporter(a.reporter),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithLogger(a.logger.Named("reconcile")))

	summary, err := engine.Run(ctx)
	if err != nil {
		a.logger.Warn("Run completed without heartbeat", "error", err)
	}
	if aborted := summary.Aborted(); len(aborted) > 0 {
		a.logger.Warn("Some stages did not complete", "stages", aborted)
	}

	a.pushMetrics(ctx)
	return ctx.Err()
}

func (a *app) pushMetrics(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}

	grouping := map[string]string{"environment": a.cfg.Environment}
	if err := a.metrics.Push(context.WithoutCancel(ctx), url, a.cfg.JobName, grouping); err != nil {
		a.logger.Warn("Failed to push metrics", "error", err)
		return
	}
	a.logger.Debug("Pushed metrics", "pushgateway", url)
}

// Check connects to the directory and prints what a run would use.
func (a *app) Check(ctx context.Context, out io.Writer) error {
	start := time.Now()
	if err := a.ldap.Connect(ctx); err != nil {
		return fmt.Errorf("unable to connect to Active Directory: %w", err)
	}

	info, err := a.ldap.GetServerInfo(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("Connection established successfully", "duration_ms", time.Since(start).Milliseconds())

	fmt.Fprintf(out, "directory:    %s\n", info["dnsHostName"])
	fmt.Fprintf(out, "base dn:      %s\n", a.directory.BaseDN())
	fmt.Fprintf(out, "strategy:     %s\n", a.strategy.Name())
	if field := a.cfg.Blocking().UpdateField; a.cfg.Blocking().AttributeBased() {
		fmt.Fprintf(out, "update field: %s\n", field)
	}
	fmt.Fprintf(out, "workflow api: %s (pinning %t)\n", a.cfg.API.URL, a.cfg.Workflow().PinningEnabled())
	return nil
}

func (a *app) Close() {
	if a.api != nil {
		a.api.Close()
	}
	if a.ldap != nil {
		if err := a.ldap.Close(); err != nil {
			a.logger.Debug("Failed to close LDAP client", "error", err)
		}
	}
}
