//go:build !go1.25

package main

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/circleci/ftrd/o11y"
)

func maxProcs(ctx context.Context) error {
	_, err := maxprocs.Set(maxprocs.Min(1), maxprocs.Logger(func(format string, args ...interface{}) {
		o11y.Log(ctx, "main: "+fmt.Sprintf(format, args...))
	}))
	if err != nil {
		return err
	}
	o11y.AddField(ctx, "max_procs", runtime.GOMAXPROCS(0))
	return nil
}
