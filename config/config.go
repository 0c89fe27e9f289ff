// Package config loads the daemon's configuration file into an immutable Snapshot.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/circleci/ftrd/config/secret"
)

// DefaultFile is the configuration file name looked up under the prefix.
const DefaultFile = "ftr.conf"

var (
	ErrNotFound = errors.New("configuration not found")
	ErrInvalid  = errors.New("invalid configuration")
)

// InvalidError reports every problem found while parsing and validating a configuration source.
// It matches ErrInvalid with errors.Is.
type InvalidError struct {
	Source string
	Reason string
	err    error
}

func (e *InvalidError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Reason)
}

func (e *InvalidError) Is(target error) bool {
	return target == ErrInvalid
}

func (e *InvalidError) Unwrap() error {
	return e.err
}

type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatColor Format = "color"
)

// Snapshot is a fully validated configuration. It must not be modified once loaded.
type Snapshot struct {
	// Source is the path the snapshot was loaded from.
	Source string

	ServerName string
	Port       int
	ErrorLog   string
	AccessLog  string

	// Root is the served directory. Like Users it is carried for the file-transfer layer;
	// the control sessions do not read it.
	Root string

	MaxConnections int
	DrainTimeout   time.Duration
	IdleTimeout    time.Duration
	LogFormat      Format

	StatsdAddress string
	RollbarToken  secret.String

	Users []User
}

// User is one `user { }` block.
type User struct {
	Name     string
	Password secret.String
	Root     string
}

// Defaults returns the values used for options the file does not set.
func Defaults() *Snapshot {
	return &Snapshot{
		ServerName:     "localhost",
		Port:           2121,
		ErrorLog:       "logs/error.log",
		AccessLog:      "logs/access.log",
		MaxConnections: 256,
		DrainTimeout:   10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		LogFormat:      FormatText,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // the path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return Parse(path, bytes.NewReader(data))
}

// Addr is the host:port the service listens on.
func (s *Snapshot) Addr() string {
	return net.JoinHostPort(hostOnly(s.ServerName), strconv.Itoa(s.Port))
}

// Path resolves p against prefix unless it is already absolute.
func (s *Snapshot) Path(prefix, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(prefix, p)
}

func (s *Snapshot) ErrorLogPath(prefix string) string {
	return s.Path(prefix, s.ErrorLog)
}

func (s *Snapshot) AccessLogPath(prefix string) string {
	return s.Path(prefix, s.AccessLog)
}
