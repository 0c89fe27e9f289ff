// Command ftrd runs the ftr daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/httpserver/healthcheck"
	"github.com/circleci/ftrd/lifecycle"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
	"github.com/circleci/ftrd/termination"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	c, code, done := parse(args, stdout, stderr)
	if done {
		return code
	}

	if c.Test {
		return testConfig(stdout, c.ConfigPath())
	}

	if c.Daemon {
		release, parent, err := daemonize(c)
		switch {
		case err != nil:
			fmt.Fprintf(stderr, "server configuration error: %v\n", err)
			return 1
		case parent:
			return 0
		}
		defer release()
	}

	bootstrap := logger.Console(stderr, config.FormatText, logger.WithVersion("ftrd", version))
	ctx := o11y.WithProvider(context.Background(), bootstrap)
	if err := tuneRuntime(ctx); err != nil {
		o11y.LogError(ctx, "main: runtime defaults", err)
	}

	return serve(ctx, c, bootstrap, stderr)
}

func serve(ctx context.Context, c *cli, bootstrap o11y.Provider, stderr io.Writer) int {
	ctrl := lifecycle.New(lifecycle.Options{
		Prefix:     c.Prefix,
		ConfigPath: c.ConfigPath(),
		Console:    !c.Daemon,
		Logging:    lifecycle.DefaultLoggerFactory(logger.WithVersion("ftrd", version)),
		Bootstrap:  bootstrap,
	})

	// Subscribe before starting, so a signal during start is not lost.
	bridge := termination.New(ctrl)
	ctrl.AddService(bridge.Run)

	if err := ctrl.Start(ctx); err != nil {
		bridge.Stop()
		fmt.Fprintf(stderr, "server configuration error: %v\n", err)
		return 1
	}

	if c.AdminAddr != "" {
		_, err := healthcheck.Load(ctrl.Context(ctx), c.AdminAddr, ctrl)
		if err != nil {
			bridge.Stop()
			fmt.Fprintf(stderr, "server configuration error: admin api: %v\n", err)
			_ = ctrl.Shutdown(ctx)
			return 1
		}
	}

	// Run returns nil once stopped, and an error wrapping lifecycle.ErrFailed once failed.
	if err := ctrl.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "ftr: %v\n", err)
		return 1
	}
	return 0
}

func testConfig(w io.Writer, path string) int {
	fmt.Fprint(w, "Testing the configuration file...")
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(w, "Failed. %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "Done")
	return 0
}
