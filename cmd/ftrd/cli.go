package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/circleci/ftrd/config"
)

type cli struct {
	Version   kong.VersionFlag `short:"v" help:"Show server version and exit"`
	Test      bool             `short:"t" help:"Test the configuration file and exit"`
	Daemon    bool             `short:"d" help:"Run the server in the background (as a daemon)"`
	Prefix    string           `short:"p" default:"/etc/ftr/" placeholder:"prefix" help:"Set the path of the prefix"`
	Conf      string           `short:"c" placeholder:"filename" help:"Use the specified configuration file"`
	AdminAddr string           `name:"admin-addr" env:"FTR_ADMIN_ADDR" placeholder:"addr" help:"Serve /live, /ready and /debug/pprof on addr (env FTR_ADMIN_ADDR)"`
}

// ConfigPath is the -c file, or ftr.conf under the prefix.
func (c *cli) ConfigPath() string {
	if c.Conf != "" {
		return c.Conf
	}
	return c.Prefix + config.DefaultFile
}

// parse returns done when the process should exit with code straight away.
func parse(args []string, stdout, stderr io.Writer) (c *cli, code int, done bool) {
	c = &cli{}
	exited := -1
	app, err := kong.New(c,
		kong.Name("ftr"),
		kong.Vars{"version": "ftr version v" + version},
		kong.Writers(stdout, stderr),
		kong.Help(printHelp),
		kong.Exit(func(code int) {
			if exited < 0 {
				exited = code
			}
		}),
	)
	if err != nil {
		fmt.Fprintf(stderr, "ftr: %v\n", err)
		return nil, 1, true
	}

	_, err = app.Parse(args)
	if exited >= 0 {
		return c, exited, true
	}
	if err != nil {
		fmt.Fprintf(stderr, "ftr: %v, please try again\n", err)
		return nil, 1, true
	}

	c.Prefix, err = normalizePrefix(c.Prefix)
	if err != nil {
		fmt.Fprintf(stderr, "ftr: prefix: %v\n", err)
		return nil, 1, true
	}
	if c.Conf != "" {
		if c.Conf, err = filepath.Abs(c.Conf); err != nil {
			fmt.Fprintf(stderr, "ftr: config: %v\n", err)
			return nil, 1, true
		}
	}
	return c, 0, false
}

// normalizePrefix makes p absolute, ending in a separator.
func normalizePrefix(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(abs, string(filepath.Separator)) {
		abs += string(filepath.Separator)
	}
	return abs, nil
}

func printHelp(_ kong.HelpOptions, ctx *kong.Context) error {
	w := ctx.Stdout
	fmt.Fprintln(w, "Usage: ftr -[htvd] [-p prefix] [-c conf] [--admin-addr addr]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -h\t\t: This help menu")
	for _, flag := range ctx.Model.Flags {
		if flag.Hidden || flag.Name == "help" {
			continue
		}
		name := "--" + flag.Name
		if flag.Short != 0 {
			name = "-" + string(flag.Short)
		}
		if !flag.IsBool() {
			name += " " + flag.FormatPlaceHolder()
		}
		sep := "\t\t"
		if len(name) >= 8 {
			sep = "\t"
		}
		fmt.Fprintf(w, "  %s%s: %s\n", name, sep, flag.Help)
	}
	return nil
}
