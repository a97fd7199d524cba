// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mlog configures logrus's standard logger once, at process
// startup, so every package that logs with a plain
// `log "github.com/sirupsen/logrus"` import gets consistent formatting
// without needing its own setup.
package mlog // import "go.hookline.dev/mcount/internal/mlog"

import (
	"github.com/sirupsen/logrus"
)

// timeStampFormat matches time.RFC3339Nano but keeps a fixed-width
// fractional-seconds field instead of trimming trailing zeros, so log
// lines stay easy to column-align when eyeballing a trace run.
const timeStampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Setup installs the standard text formatter and sets the log level,
// defaulting to Info unless verbose is set.
func Setup(verbose bool) {
	l := logrus.StandardLogger()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timeStampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		QuoteEmptyFields:       true,
	})
	l.SetReportCaller(false)

	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	l.SetLevel(level)
}
