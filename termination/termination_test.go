package termination

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/circleci/ftrd/config"
	"github.com/circleci/ftrd/internal/syncbuffer"
	"github.com/circleci/ftrd/lifecycle"
	"github.com/circleci/ftrd/logger"
	"github.com/circleci/ftrd/o11y"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
	// hold blocks reloads until closed, when set.
	hold chan struct{}
}

func (c *fakeController) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeController) Shutdown(context.Context) error {
	return c.record("shutdown")
}

func (c *fakeController) Reload(context.Context) error {
	if c.hold != nil {
		<-c.hold
	}
	return c.record("reload")
}

func runBridge(t *testing.T, ctrl Controller) (chan<- os.Signal, *syncbuffer.SyncBuffer, func()) {
	t.Helper()
	out := &syncbuffer.SyncBuffer{}
	ctx, cancel := context.WithCancel(
		o11y.WithProvider(context.Background(), logger.Console(out, config.FormatText)))

	signals := make(chan os.Signal, 8)
	stopped := make(chan struct{})
	b := newBridge(ctrl, signals, func() { close(stopped) })

	errs := make(chan error, 1)
	go func() { errs <- b.Run(ctx) }()

	return signals, out, func() {
		cancel()
		select {
		case err := <-errs:
			assert.Check(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not stop")
		}
		select {
		case <-stopped:
		default:
			t.Error("signals were not unsubscribed")
		}
	}
}

func waitCalls(t *testing.T, c *fakeController, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := len(c.Calls()); got < n {
			return poll.Continue("%d of %d calls made", got, n)
		}
		return poll.Success()
	})
}

func TestBridge_Translates(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{sig: os.Interrupt, want: "shutdown"},
		{sig: syscall.SIGTERM, want: "shutdown"},
		{sig: syscall.SIGQUIT, want: "shutdown"},
		{sig: syscall.SIGHUP, want: "reload"},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			ctrl := &fakeController{}
			signals, out, stop := runBridge(t, ctrl)

			signals <- tt.sig
			waitCalls(t, ctrl, 1)
			stop()

			assert.Check(t, cmp.DeepEqual(ctrl.Calls(), []string{tt.want}))
			assert.Check(t, cmp.Contains(out.String(), "termination: signal received"))
		})
	}
}

func TestBridge_UnrecognizedSignalIsLogged(t *testing.T) {
	ctrl := &fakeController{}
	signals, out, stop := runBridge(t, ctrl)

	signals <- syscall.SIGUSR1
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if !strings.Contains(out.String(), "termination: unrecognized signal") {
			return poll.Continue("not logged yet")
		}
		return poll.Success()
	})
	stop()

	assert.Check(t, cmp.Len(ctrl.Calls(), 0))
	assert.Check(t, cmp.Contains(out.String(), "unrecognized signal: user defined signal 1"))
}

func TestBridge_SlowReloadDoesNotDelayShutdown(t *testing.T) {
	ctrl := &fakeController{hold: make(chan struct{})}
	signals, _, stop := runBridge(t, ctrl)

	signals <- syscall.SIGHUP
	signals <- syscall.SIGTERM
	waitCalls(t, ctrl, 1)
	assert.Check(t, cmp.DeepEqual(ctrl.Calls(), []string{"shutdown"}))

	close(ctrl.hold)
	stop()
	assert.Check(t, cmp.DeepEqual(ctrl.Calls(), []string{"shutdown", "reload"}))
}

func TestBridge_RefusalIsLogged(t *testing.T) {
	ctrl := &fakeController{err: lifecycle.ErrNotRunning}
	signals, out, stop := runBridge(t, ctrl)

	signals <- syscall.SIGHUP
	waitCalls(t, ctrl, 1)
	stop()

	assert.Check(t, cmp.Contains(out.String(), "termination: request refused"))
	assert.Check(t, cmp.Contains(out.String(), "warning=lifecycle: not running"))
}

func TestNew_Stop(t *testing.T) {
	b := New(&fakeController{})
	b.Stop()
}
