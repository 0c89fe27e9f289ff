// Package testcontext provides contexts for tests that carry a console logger, so you get logs.
package testcontext

import (
	"context"
	"os"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
)

var ctx = o11y.WithProvider(context.Background(),
	logger.Console(os.Stderr, config.FormatText, logger.WithVersion("ftrd-test", "dev")))

// Background returns a context for use in tests which contains a working o11y provider.
func Background() context.Context {
	return ctx
}
