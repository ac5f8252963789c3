// Package retry polls an external state until it settles, with a fixed
// delay between attempts and a hard cap on attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	}
	return "pending"
}

// Result is the outcome of one probe, or of a whole Poll. Err on a pending
// result is a transient error that did not stop polling.
type Result[T any] struct {
	Status   Status
	Value    T
	Err      error
	Attempts int
}

func Pending[T any](err error) Result[T] {
	return Result[T]{Status: StatusPending, Err: err}
}

func Success[T any](v T) Result[T] {
	return Result[T]{Status: StatusSuccess, Value: v}
}

func Failure[T any](v T, err error) Result[T] {
	return Result[T]{Status: StatusFailure, Value: v, Err: err}
}

// Config holds poll configuration
type Config struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultConfig matches the provider's observed settle time: 8 polls, 2s apart.
func DefaultConfig() Config {
	return Config{MaxAttempts: 8, Interval: 2 * time.Second}
}

// Probe observes the external state once.
type Probe[T any] func(ctx context.Context, attempt int) Result[T]

var (
	errStillPending = errors.New("still pending")
	errTerminal     = errors.New("terminal failure")
)

// Poll runs probe until it reports success or failure, the attempts run out,
// or ctx is done. The last pending result is returned when it never settles.
// onAttempt, if set, sees every probe result.
func Poll[T any](ctx context.Context, cfg Config, probe Probe[T], onAttempt func(Result[T])) Result[T] {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var last Result[T]
	attempts := 0

	op := func() error {
		attempts++
		last = probe(ctx, attempts)
		last.Attempts = attempts
		if onAttempt != nil {
			onAttempt(last)
		}

		switch last.Status {
		case StatusSuccess:
			return nil
		case StatusFailure:
			return backoff.Permanent(errTerminal)
		}
		return errStillPending
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Interval), uint64(cfg.MaxAttempts-1)),
		ctx,
	)
	_ = backoff.Retry(op, b)

	if last.Status == StatusPending && last.Err == nil && ctx.Err() != nil {
		last.Err = ctx.Err()
	}
	return last
}
