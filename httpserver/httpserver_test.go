package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/circleci/ftrd/testing/testcontext"
)

func helloHandler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("/test", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello world!")
	})
	return r
}

func serve(t *testing.T, ctx context.Context, srv *HTTPServer) {
	t.Helper()
	g, ctx := errgroup.WithContext(ctx)
	t.Cleanup(func() {
		assert.Check(t, g.Wait())
	})
	g.Go(func() error {
		return srv.Serve(ctx)
	})
}

func TestNew(t *testing.T) {
	ctx, cancel := context.WithCancel(testcontext.Background())
	defer cancel()

	srv, err := New(ctx, Config{
		Name:    "test server",
		Addr:    "localhost:0",
		Handler: helloHandler(),
	})
	assert.Assert(t, err)
	serve(t, ctx, srv)

	body, status := get(t, http.DefaultClient, srv.Addr(), "test")
	assert.Check(t, cmp.Equal(status, http.StatusOK))
	assert.Check(t, cmp.Equal(body, "hello world!"))

	gauges := srv.MetricsProducer().Gauges(ctx)
	assert.Check(t, cmp.Equal(gauges["total_connections"], 1.0))
	assert.Check(t, cmp.Equal(srv.MetricsProducer().MetricName(), "test server-listener"))
}

func TestNew_unix(t *testing.T) {
	ctx, cancel := context.WithCancel(testcontext.Background())
	defer cancel()

	socket := filepath.Join(t.TempDir(), "httpserver-test.sock")

	srv, err := New(ctx, Config{
		Name:    "test server",
		Addr:    socket,
		Handler: helloHandler(),
		Network: "unix",
	})
	assert.Assert(t, err)
	serve(t, ctx, srv)

	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socket)
			},
		},
	}

	body, status := get(t, c, "localhost", "test")
	assert.Check(t, cmp.Equal(status, http.StatusOK))
	assert.Check(t, cmp.Equal(body, "hello world!"))
}

func TestNew_AddressInUse(t *testing.T) {
	ctx := testcontext.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Assert(t, err)
	defer ln.Close()

	_, err = New(ctx, Config{Name: "admin", Addr: ln.Addr().String(), Handler: helloHandler()})
	assert.Check(t, cmp.ErrorContains(err, "address already in use"))
}

func get(t *testing.T, c *http.Client, baseurl, path string) (string, int) {
	t.Helper()

	r, err := c.Get(fmt.Sprintf("http://%s/%s", baseurl, path))
	assert.Assert(t, err)

	defer func() {
		assert.Assert(t, r.Body.Close())
	}()

	b, err := io.ReadAll(r.Body)
	assert.Assert(t, err)

	return string(b), r.StatusCode
}
