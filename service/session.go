package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
)

// Handler serves one accepted connection. Handle must return soon after ctx is cancelled or the
// connection is closed; the generation closes the connection once Handle returns.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

const maxLine = 4096

var commands = map[string]string{
	"HELP": "HELP [<SP> <command>]: show the help for a command",
	"NOOP": "NOOP: do nothing",
	"QUIT": "QUIT: close the control connection",
}

// Control answers the control connection: a greeting, then one reply per command line.
type Control struct {
	IdleTimeout time.Duration
}

func NewControl(snap *config.Snapshot) Handler {
	return &Control{IdleTimeout: snap.IdleTimeout}
}

func (c *Control) Handle(ctx context.Context, conn net.Conn) {
	s := &session{
		id:     uuid.NewString()[:8],
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		lines:  bufio.NewScanner(conn),
	}
	s.lines.Buffer(make([]byte, 0, 512), maxLine)
	o11y.AddField(ctx, "session", s.id)

	// wake a blocked read as soon as the session is asked to finish
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if s.reply(220, "Service ready for new user.") != nil {
		return
	}
	for {
		if ctx.Err() != nil {
			_ = s.reply(421, "Service not available, closing control connection.")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.IdleTimeout))
		if ctx.Err() != nil {
			_ = conn.SetReadDeadline(time.Now())
		}

		if !s.lines.Scan() {
			s.readFailed(ctx, s.lines.Err())
			return
		}
		if !s.command(ctx, s.lines.Text()) {
			return
		}
	}
}

type session struct {
	id     string
	conn   net.Conn
	remote string
	lines  *bufio.Scanner
}

func (s *session) readFailed(ctx context.Context, err error) {
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		_ = s.reply(421, "Service not available, closing control connection.")
	case errors.Is(err, bufio.ErrTooLong):
		_ = s.reply(500, "Line too long.")
	case errors.As(err, &ne) && ne.Timeout():
		o11y.AddField(ctx, "idle_timeout", true)
		_ = s.reply(421, "Idle timeout, closing control connection.")
	}
}

// command answers one command line and reports whether the session continues.
func (s *session) command(ctx context.Context, line string) bool {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	verb = strings.ToUpper(verb)
	arg = strings.TrimSpace(arg)

	var (
		code int
		msg  string
		quit bool
	)
	switch verb {
	case "NOOP":
		code, msg = 200, "Command okay."
	case "HELP":
		code, msg = help(arg)
	case "QUIT":
		code, msg, quit = 221, "Service closing control connection.", true
	case "":
		code, msg = 500, "Syntax error, command unrecognized."
	default:
		code, msg = 502, "Command not implemented."
	}

	logger.Access(ctx, logger.Record{
		Session: s.id,
		Remote:  s.remote,
		Command: logged(verb, arg),
		Status:  code,
	})
	_ = o11y.FromContext(ctx).MetricsProvider().Count("commands", 1,
		[]string{"command:" + verb, "status:" + strconv.Itoa(code)}, 1)

	return s.reply(code, msg) == nil && !quit
}

func (s *session) reply(code int, msg string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := s.conn.Write([]byte(reply(code, msg)))
	return err
}

func reply(code int, msg string) string {
	return fmt.Sprintf("%d %s\r\n", code, msg)
}

func help(arg string) (int, string) {
	if arg == "" {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		return 214, "The following commands are recognized: " + strings.Join(names, " ")
	}
	text, ok := commands[strings.ToUpper(arg)]
	if !ok {
		return 502, fmt.Sprintf("Unknown command %s.", strings.ToUpper(arg))
	}
	return 214, text
}

// logged is the command as it appears in the access log. Credentials are never logged.
func logged(verb, arg string) string {
	switch {
	case arg == "":
		return verb
	case verb == "PASS":
		return verb + " ****"
	}
	return verb + " " + arg
}
