package main

import (
	"context"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"golang.org/x/sync/errgroup"

	"github.com/circleci/ftrd/o11y"
)

// tuneRuntime sets GOMEMLIMIT and GOMAXPROCS from the container limits, when there are any.
func tuneRuntime(ctx context.Context) (err error) {
	ctx, span := o11y.StartSpan(ctx, "main: runtime defaults")
	defer o11y.End(span, &err)

	var g errgroup.Group
	g.Go(func() error {
		return memLimit(ctx)
	})
	g.Go(func() error {
		return maxProcs(ctx)
	})
	return g.Wait()
}

// memLimit leaves a tenth of the cgroup (or system) memory as headroom.
func memLimit(ctx context.Context) error {
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			)))
	if err != nil {
		return err
	}
	o11y.AddField(ctx, "mem_limit", limit)
	return nil
}
