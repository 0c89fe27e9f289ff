package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/DataDog/datadog-go/statsd"

	"github.com/circleci/ftrd/o11y"
)

func newStatsd(addr string, o options) (*statsd.Client, error) {
	hostname, _ := os.Hostname()
	tags := []string{"hostname:" + hostname}
	if o.service != "" {
		tags = append(tags, "service:"+o.service)
	}
	if o.version != "" {
		tags = append(tags, "version:"+o.version)
	}
	return statsd.New(addr,
		statsd.WithNamespace("ftrd."),
		statsd.WithTags(tags),
		statsd.WithoutTelemetry(),
	)
}

// sendMetrics emits the metrics recorded on a span, taking values and tags from its fields.
// A metric whose value field is missing or not numeric is skipped.
func sendMetrics(mp o11y.MetricsProvider, metrics []o11y.Metric, fields map[string]interface{}) {
	standardErrorMetrics(mp, fields)

	for _, m := range metrics {
		tags := extractTagsFromFields(m.TagFields, fields)
		switch m.Type {
		case o11y.MetricTimer:
			if val, ok := numericField(m.Field, fields); ok {
				_ = mp.TimeInMilliseconds(m.Name, val, tags, 1)
			}
		case o11y.MetricCount:
			var n int64 = 1
			if m.Field != "" {
				val, ok := numericField(m.Field, fields)
				if !ok {
					continue
				}
				n = int64(val)
			}
			_ = mp.Count(m.Name, n, tags, 1)
		case o11y.MetricGauge:
			if val, ok := numericField(m.Field, fields); ok {
				_ = mp.Gauge(m.Name, val, tags, 1)
			}
		}
	}
}

func standardErrorMetrics(mp o11y.MetricsProvider, fields map[string]interface{}) {
	tag := []string{fmtTag("type", "o11y")}
	if _, ok := fields["error"]; ok {
		_ = mp.Count("error", 1, tag, 1)
	}
	if _, ok := fields["warning"]; ok {
		_ = mp.Count("warning", 1, tag, 1)
	}
}

func extractTagsFromFields(names []string, fields map[string]interface{}) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if val, ok := getField(name, fields); ok {
			result = append(result, fmtTag(name, val))
		}
	}
	return result
}

func getField(name string, fields map[string]interface{}) (interface{}, bool) {
	val, ok := fields[name]
	if !ok {
		val, ok = fields["app."+name]
	}
	return val, ok
}

func numericField(name string, fields map[string]interface{}) (float64, bool) {
	val, ok := getField(name, fields)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func fmtTag(name string, val interface{}) string {
	return fmt.Sprintf("%s:%v", strings.TrimPrefix(name, "app."), val)
}
