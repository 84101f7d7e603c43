// Package logging builds the root logger and the error reporter.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// RootName is the name of the root logger.
const RootName = "adblocker"

// Options configures the root logger.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns the root logger. Unknown levels fall back to info.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:            RootName,
		Level:           level,
		JSONFormat:      opts.JSON,
		Output:          output,
		IncludeLocation: level <= hclog.Debug,
	})
}
