package healthcheck

import (
	"context"
	"fmt"

	"github.com/circleci/ftrd/httpserver"
	"github.com/circleci/ftrd/lifecycle"
)

// Load serves the admin API on addr for as long as ctrl runs, reporting ctrl's health.
func Load(ctx context.Context, addr string, ctrl *lifecycle.Controller) (*httpserver.HTTPServer, error) {
	api, err := New(ctx, []lifecycle.HealthChecker{ctrl})
	if err != nil {
		return nil, fmt.Errorf("error creating health check API: %w", err)
	}

	return httpserver.Load(ctx, httpserver.Config{
		Name:    "admin",
		Addr:    addr,
		Handler: api.Handler(),
	}, ctrl)
}
