package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/circleci/ftrd/o11y"
)

// Record is one access log entry, written for every control command a session handles.
type Record struct {
	Time    time.Time `json:"timestamp"`
	Session string    `json:"session"`
	Remote  string    `json:"remote"`
	User    string    `json:"user,omitempty"`
	Command string    `json:"command"`
	Status  int       `json:"status"`
}

func (r Record) text() []byte {
	user := r.User
	if user == "" {
		user = "-"
	}
	return []byte(fmt.Sprintf("%s %s %s %s %q %d\n",
		r.Time.Format(time.RFC3339Nano), r.Remote, r.Session, user, r.Command, r.Status))
}

type accessLogger interface {
	Access(ctx context.Context, rec Record)
}

// Access writes rec to the access log of the provider carried by ctx. Providers without an
// access log ignore it.
func Access(ctx context.Context, rec Record) {
	if a, ok := o11y.FromContext(ctx).(accessLogger); ok {
		a.Access(ctx, rec)
	}
}

func (l *Logger) Access(_ context.Context, rec Record) {
	if l.access == nil || l.closed.Load() {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	var b []byte
	if _, ok := l.file.(jsonFormatter); ok {
		rec.Time = rec.Time.UTC()
		b, _ = json.Marshal(rec)
		b = append(b, '\n')
	} else {
		b = rec.text()
	}
	if err := l.access.write(b); err != nil {
		l.fault(err)
	}
}
