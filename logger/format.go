package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/circleci/ftrd/config"
)

type event struct {
	Timestamp time.Time
	Data      map[string]interface{}
}

type formatter interface {
	format(ev event) []byte
}

func fileFormatter(f config.Format) formatter {
	if f == config.FormatJSON {
		return jsonFormatter{}
	}
	return &textFormatter{layout: time.RFC3339Nano}
}

// textFormatter renders one human-readable line per record:
//
//	15:04:05 1e113 0.075ms service: start app.address=127.0.0.1:2121 result=success
type textFormatter struct {
	layout string
	colour bool
}

func (t *textFormatter) format(ev event) []byte {
	buf := new(bytes.Buffer)
	_, _ = fmt.Fprintf(buf, "%s %s %.3fms %s",
		ev.Timestamp.Format(t.layout),
		t.applyColour(formatTraceID(ev.Data["trace.trace_id"])),
		ev.Data["duration_ms"],
		t.applyColour(fmt.Sprintf("%s", ev.Data["name"])),
	)

	for _, k := range sortedKeys(ev.Data) {
		if t.exclude(k) {
			continue
		}
		label := k
		if k == "error" && t.colour {
			label = errorHighlight(k)
		}
		_, _ = fmt.Fprintf(buf, " %s=%v", label, ev.Data[k])
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

func (t *textFormatter) exclude(k string) bool {
	switch k {
	case "name", "version", "service", "duration_ms":
		return true
	}
	return strings.HasPrefix(k, "trace.")
}

func (t *textFormatter) applyColour(value string) string {
	if !t.colour {
		return value
	}
	return colourFor(value)
}

type jsonFormatter struct{}

func (jsonFormatter) format(ev event) []byte {
	data := make(map[string]interface{}, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["timestamp"] = ev.Timestamp.UTC().Format(time.RFC3339Nano)

	b, err := json.Marshal(data)
	if err != nil {
		for k, v := range data {
			data[k] = fmt.Sprint(v)
		}
		b, _ = json.Marshal(data)
	}
	return append(b, '\n')
}

func formatTraceID(raw interface{}) string {
	traceID, ok := raw.(string)
	if !ok || len(traceID) < 5 {
		return "-----"
	}
	return traceID[len(traceID)-5:]
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
