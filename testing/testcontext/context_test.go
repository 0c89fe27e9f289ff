package testcontext

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/circleci/ftrd/o11y"
)

func TestBackground_MetricsProvider(t *testing.T) {
	ctx := Background()
	metrics := o11y.FromContext(ctx).MetricsProvider()

	err := metrics.Gauge("gauge", 1, nil, 1)
	assert.Assert(t, err)
}

func TestBackground_Spans(t *testing.T) {
	ctx, span := o11y.StartSpan(Background(), "test: span")
	span.AddField("key", "value")
	o11y.Log(ctx, "test: child record")
	span.End()

	assert.Check(t, o11y.FromContext(ctx).GetSpan(ctx) != nil)
}
