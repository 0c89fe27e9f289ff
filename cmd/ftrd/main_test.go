package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
	tfs "gotest.tools/v3/fs"
	"gotest.tools/v3/poll"

	"github.com/circleci/ftrd/internal/syncbuffer"
)

func runCLI(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI("-v")
	assert.Check(t, cmp.Equal(code, 0))
	assert.Check(t, cmp.Equal(stdout, "ftr version v"+version+"\n"))
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCLI("-h")
	assert.Check(t, cmp.Equal(code, 0))
	assert.Check(t, cmp.Contains(stdout, "Usage: ftr -[htvd] [-p prefix] [-c conf]"))
	assert.Check(t, cmp.Contains(stdout, "  -t\t\t: Test the configuration file and exit\n"))
	assert.Check(t, cmp.Contains(stdout, "  -p prefix\t: Set the path of the prefix\n"))
	assert.Check(t, cmp.Contains(stdout, "  -c filename\t: Use the specified configuration file\n"))
	assert.Check(t, cmp.Contains(stdout, "--admin-addr addr"))
}

func TestRun_UnknownOption(t *testing.T) {
	code, _, stderr := runCLI("-x")
	assert.Check(t, cmp.Equal(code, 1))
	assert.Check(t, cmp.Contains(stderr, "please try again"))
}

func TestRun_TestConfig(t *testing.T) {
	dir := tfs.NewDir(t, "ftrd", tfs.WithFile("ftr.conf", "server_name = localhost\nport = 2121\n"))

	t.Run("valid", func(t *testing.T) {
		code, stdout, _ := runCLI("-t", "-p", dir.Path())
		assert.Check(t, cmp.Equal(code, 0))
		assert.Check(t, cmp.Equal(stdout, "Testing the configuration file...Done\n"))
	})

	t.Run("missing", func(t *testing.T) {
		code, stdout, _ := runCLI("-t", "-c", dir.Join("missing.conf"))
		assert.Check(t, cmp.Equal(code, 1))
		assert.Check(t, cmp.Contains(stdout, "Testing the configuration file...Failed. "))
		assert.Check(t, cmp.Contains(stdout, "not found"))
	})

	t.Run("invalid", func(t *testing.T) {
		bad := tfs.NewFile(t, "bad.conf", tfs.WithContent("port = 0\n"))
		code, stdout, _ := runCLI("-t", "-c", bad.Path())
		assert.Check(t, cmp.Equal(code, 1))
		assert.Check(t, cmp.Contains(stdout, "the port cannot be zero"))
	})
}

func TestRun_StartupError(t *testing.T) {
	dir := tfs.NewDir(t, "ftrd")
	code, _, stderr := runCLI("-p", dir.Path())
	assert.Check(t, cmp.Equal(code, 1))
	assert.Check(t, cmp.Contains(stderr, "server configuration error: configuration: "))
}

func TestNormalizePrefix(t *testing.T) {
	p, err := normalizePrefix("/srv/ftr")
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(p, "/srv/ftr/"))

	p, err = normalizePrefix("/srv/ftr/")
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(p, "/srv/ftr/"))

	wd, err := os.Getwd()
	assert.NilError(t, err)
	p, err = normalizePrefix("conf")
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(p, filepath.Join(wd, "conf")+"/"))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Assert(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_SignalsDriveTheDaemon(t *testing.T) {
	port := freePort(t)
	dir := tfs.NewDir(t, "ftrd",
		tfs.WithFile("ftr.conf", fmt.Sprintf("server_name = 127.0.0.1\nport = %d\ndrain_timeout = 1s\n", port)))
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	stderr := &syncbuffer.SyncBuffer{}
	codes := make(chan int, 1)
	go func() {
		codes <- run([]string{"-p", dir.Path()}, &bytes.Buffer{}, stderr)
	}()

	greeting := func() poll.Result {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return poll.Continue("dial: %v", err)
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return poll.Continue("read: %v", err)
		}
		if line != "220 Service ready for new user.\r\n" {
			return poll.Error(fmt.Errorf("unexpected greeting %q", line))
		}
		return poll.Success()
	}
	poll.WaitOn(t, func(poll.LogT) poll.Result { return greeting() }, poll.WithTimeout(10*time.Second))

	assert.NilError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		log, err := os.ReadFile(dir.Join("logs", "error.log"))
		if err != nil || !bytes.Contains(log, []byte("lifecycle: reload")) {
			return poll.Continue("no reload logged")
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))
	poll.WaitOn(t, func(poll.LogT) poll.Result { return greeting() }, poll.WithTimeout(10*time.Second))

	// A broken configuration leaves the running generation serving.
	assert.NilError(t, os.WriteFile(dir.Join("ftr.conf"), []byte("port = 0\n"), 0o600))
	assert.NilError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		log, err := os.ReadFile(dir.Join("logs", "error.log"))
		if err != nil || !bytes.Contains(log, []byte("the port cannot be zero")) {
			return poll.Continue("no failed reload logged")
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))
	assert.Check(t, greeting().Done())

	assert.NilError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case code := <-codes:
		assert.Check(t, cmp.Equal(code, 0), stderr.String())
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
