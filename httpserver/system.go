package httpserver

import (
	"context"
	"fmt"

	"github.com/circleci/ftrd/lifecycle"
)

// Load creates the server and registers it to run for as long as the controller does.
func Load(ctx context.Context, cfg Config, ctrl *lifecycle.Controller) (*HTTPServer, error) {
	server, err := New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error starting %q server: %w", cfg.Name, err)
	}

	ctrl.AddService(server.Serve)
	ctrl.AddMetrics(server.MetricsProducer())
	return server, nil
}
