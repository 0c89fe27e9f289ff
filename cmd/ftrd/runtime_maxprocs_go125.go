//go:build go1.25

package main

import (
	"context"
	"runtime"

	"github.com/circleci/ftrd/o11y"
)

// The runtime honours the cgroup CPU limit itself from Go 1.25.
func maxProcs(ctx context.Context) error {
	o11y.AddField(ctx, "max_procs", runtime.GOMAXPROCS(0))
	return nil
}
