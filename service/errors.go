package service

import (
	"errors"
	"fmt"

	"github.com/circleci/ftrd/o11y"
)

var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrInvalidConfig       = errors.New("invalid configuration")

	// ErrForced is returned by Stop when sessions were still open once the drain timeout expired.
	ErrForced = o11y.NewWarning("sessions force-closed after drain timeout")
)

type Kind int

const (
	ResourceUnavailable Kind = iota + 1
	InvalidConfig
)

func (k Kind) String() string {
	switch k {
	case ResourceUnavailable:
		return ErrResourceUnavailable.Error()
	case InvalidConfig:
		return ErrInvalidConfig.Error()
	}
	return "unknown"
}

// StartError is returned when a generation cannot be started. It matches ErrResourceUnavailable
// or ErrInvalidConfig, depending on its Kind, with errors.Is.
type StartError struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *StartError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

func (e *StartError) Is(target error) bool {
	switch target {
	case ErrResourceUnavailable:
		return e.Kind == ResourceUnavailable
	case ErrInvalidConfig:
		return e.Kind == InvalidConfig
	}
	return false
}
