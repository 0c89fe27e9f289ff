package ginrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/circleci/ftrd/o11y"
)

const contextCancelledKey = "o11y-context-cancelled-key"

// Middleware writes one span per request to provider and times it as the "handler" metric.
func Middleware(provider o11y.Provider, serverName string) gin.HandlerFunc {
	m := provider.MetricsProvider()
	return func(c *gin.Context) {
		before := time.Now()

		route := c.FullPath()
		if route == "" {
			route = "not-found"
		}

		ctx := o11y.WithProvider(c.Request.Context(), provider)
		ctx, span := provider.StartSpan(ctx, fmt.Sprintf("%s %s", c.Request.Method, route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Route", route)

		for _, param := range c.Params {
			span.AddRawField("handler.vars."+param.Key, param.Value)
		}

		span.AddRawField("meta.type", "http_server")
		span.AddRawField("http.server_name", serverName)
		span.AddRawField("http.route", route)
		span.AddRawField("http.client_ip", c.ClientIP())
		span.AddRawField("http.method", c.Request.Method)
		span.AddRawField("http.target", c.Request.URL.Path)
		span.AddRawField("http.user_agent", c.Request.UserAgent())

		defer func() {
			status := c.Writer.Status()
			if c.GetBool(contextCancelledKey) {
				status = 499
			}
			span.AddRawField("http.status_code", status)
			span.AddRawField("http.response_content_length", c.Writer.Size())

			_ = m.TimeInMilliseconds("handler",
				float64(time.Since(before).Nanoseconds())/1000000.0,
				[]string{
					"http.server_name:" + serverName,
					"http.method:" + c.Request.Method,
					"http.route:" + route,
					"http.status_code:" + strconv.Itoa(status),
				},
				1,
			)
		}()
		c.Next()
	}
}

// ClientCancelled is a gin middleware that will trap a request context cancellation
// and report a 499 (a.la. nginx).
func ClientCancelled() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		defer func() {
			if errors.Is(ctx.Err(), context.Canceled) {
				c.Set(contextCancelledKey, true)
				return
			}
			if len(c.Errors) > 0 {
				o11y.AddField(ctx, "gin_internal_error", c.Errors.String())
			}
		}()
		c.Next()
	}
}

// Recovery turns a handler panic into a 500 and reports it through o11y.HandlePanic.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err interface{}) {
		c.AbortWithStatus(http.StatusInternalServerError)
		ctx := c.Request.Context()
		span := o11y.FromContext(ctx).GetSpan(ctx)

		// The client went away mid response.
		if origErr, ok := err.(error); ok && errors.Is(origErr, http.ErrAbortHandler) {
			if span != nil {
				o11y.AddResultToSpan(span, origErr)
			}
			return
		}
		_ = o11y.HandlePanic(ctx, span, err)
	})
}
