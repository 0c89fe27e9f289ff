package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sevlyar/go-daemon"
)

// daemonize re-executes the process in the background. In the parent it returns parent true; in
// the child it returns a release func that removes the PID file.
func daemonize(c *cli) (release func(), parent bool, err error) {
	args := []string{os.Args[0], "-d", "-p", c.Prefix, "-c", c.ConfigPath()}
	if c.AdminAddr != "" {
		args = append(args, "--admin-addr", c.AdminAddr)
	}

	dctx := &daemon.Context{
		PidFileName: c.Prefix + "ftr.pid",
		PidFilePerm: 0o644,
		LogFileName: c.Prefix + "ftr.daemon.log",
		LogFilePerm: 0o640,
		WorkDir:     "/",
		Umask:       0o27,
		Args:        args,
	}

	child, err := dctx.Reborn()
	switch {
	case errors.Is(err, daemon.ErrWouldBlock):
		return nil, false, fmt.Errorf("already running: %s is locked", dctx.PidFileName)
	case err != nil:
		return nil, false, fmt.Errorf("daemonize: %w", err)
	case child != nil:
		return nil, true, nil
	}
	return func() { _ = dctx.Release() }, false, nil
}
