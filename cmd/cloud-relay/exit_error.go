package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud-relay/internal/cloudrelay"
)

const (
	exitCodeFailure     = 1
	exitCodeConfig      = 2
	exitCodeInterrupted = 130
)

// exitError carries the process exit code for err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitCodeConfig, err: err}
}

// startError classifies a Service.Start failure. Missing credential fields
// and unusable keys are configuration problems.
func startError(err error) error {
	if errors.Is(err, cloudrelay.ErrConfig) || errors.Is(err, cloudrelay.ErrInvalidKey) {
		return configError(err)
	}
	return err
}

func exitCodeForError(err error, stderr io.Writer) int {
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		fmt.Fprintln(stderr, err)
		return ee.code
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "canceled")
		return exitCodeInterrupted
	case errors.Is(err, cloudrelay.ErrConfig):
		fmt.Fprintln(stderr, err)
		return exitCodeConfig
	default:
		fmt.Fprintln(stderr, err)
		return exitCodeFailure
	}
}
