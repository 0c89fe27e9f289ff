package service

import (
	"context"
	"net"
	"sync"
)

// trackedListener overrides Accept so that it can count connections. Every accepted connection
// is kept until it is closed, so the ones still open after a drain can be closed by force.
type trackedListener struct {
	net.Listener

	mu       sync.RWMutex
	accepted int
	conns    map[*trackedConnection]struct{}
	remotes  map[string]int
}

func newTrackedListener(ln net.Listener) *trackedListener {
	return &trackedListener{
		Listener: ln,
		conns:    map[*trackedConnection]struct{}{},
		remotes:  map[string]int{},
	}
}

func (l *trackedListener) Accept() (net.Conn, error) {
	con, err := l.Listener.Accept()
	if err != nil {
		return con, err
	}
	tracked := &trackedConnection{
		Conn: con,
		l:    l,
		host: remoteHost(con),
	}
	l.track(tracked)
	return tracked, nil
}

// Gauges returns a set of key value pairs representing gauge metrics.
func (l *trackedListener) Gauges(_ context.Context) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		max int
		min int
	)
	// if there is nothing active the min shows as zero
	if len(l.conns) > 0 {
		min = len(l.conns)
		for _, c := range l.remotes {
			if c > max {
				max = c
			}
			if c < min {
				min = c
			}
		}
	}
	return map[string]float64{
		"number_of_remotes":          float64(len(l.remotes)),
		"total_connections":          float64(l.accepted),
		"active_connections":         float64(len(l.conns)),
		"max_connections_per_remote": float64(max),
		"min_connections_per_remote": float64(min),
	}
}

func (l *trackedListener) active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// closeConns closes every connection still open and returns how many there were.
func (l *trackedListener) closeConns() int {
	l.mu.RLock()
	open := make([]*trackedConnection, 0, len(l.conns))
	for c := range l.conns {
		open = append(open, c)
	}
	l.mu.RUnlock()

	for _, c := range open {
		_ = c.Close()
	}
	return len(open)
}

func (l *trackedListener) track(c *trackedConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted++
	l.conns[c] = struct{}{}
	l.remotes[c.host]++
}

func (l *trackedListener) untrack(c *trackedConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
	l.remotes[c.host]--
	if l.remotes[c.host] <= 0 {
		delete(l.remotes, c.host)
	}
}

// trackedConnection overrides Close so the listener stops tracking it.
type trackedConnection struct {
	net.Conn

	l    *trackedListener
	host string
	once sync.Once
}

func (c *trackedConnection) Close() error {
	c.once.Do(func() {
		c.l.untrack(c)
	})
	return c.Conn.Close()
}

// remoteHost is the remote address without its port.
func remoteHost(c net.Conn) string {
	addr := c.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
