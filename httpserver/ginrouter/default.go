// Package ginrouter builds the gin engine the admin API is served with.
package ginrouter

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/circleci/ftrd/o11y"
)

var once sync.Once

func Default(ctx context.Context, serverName string) *gin.Engine {
	once.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	r := gin.New()
	r.Use(
		Middleware(o11y.FromContext(ctx), serverName),
		Recovery(),
		ClientCancelled(),
	)

	r.UseRawPath = true

	return r
}
