package logging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/hashicorp/go-hclog"
)

// Reporter forwards errors to an external collector.
type Reporter interface {
	Report(ctx context.Context, err error, tags ...string)
}

// Counter is incremented once per report.
type Counter interface {
	Inc()
}

// LogReporter reports errors by logging them at error level with the
// job and environment tags attached.
type LogReporter struct {
	logger  hclog.Logger
	tags    []string
	counter Counter
}

// NewReporter creates a LogReporter. counter may be nil.
func NewReporter(logger hclog.Logger, counter Counter, tags ...string) *LogReporter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LogReporter{
		logger:  logger.Named("reporter"),
		tags:    slices.DeleteFunc(slices.Clone(tags), func(s string) bool { return s == "" }),
		counter: counter,
	}
}

// Report logs err. Context cancellation is not reported.
func (r *LogReporter) Report(ctx context.Context, err error, tags ...string) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	all := append(slices.Clone(r.tags), tags...)
	r.logger.Error("ERROR", "error", err.Error(), "tags", all)

	if r.counter != nil {
		r.counter.Inc()
	}
}

// Recover reports a panic and re-raises it. It must be deferred directly.
func (r *LogReporter) Recover(ctx context.Context) {
	v := recover()
	if v == nil {
		return
	}

	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", v)
	}
	r.Report(ctx, err, "panic")
	r.logger.Error("Unhandled panic", "stack", string(debug.Stack()))
	panic(v)
}
