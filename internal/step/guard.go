package step

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errDeadline is the cancellation cause seen by an operation that Guard
// stopped.
var errDeadline = errors.New("step deadline exceeded")

// Operation is the unit of work run by Guard. It must return promptly once
// ctx is done.
type Operation func(ctx context.Context) (ExecutionResult, error)

// Guard runs op with a time limit. If op returns within d its result and
// error are passed back untouched. Otherwise the context given to op is
// cancelled, Guard waits for op to wind down, and returns whatever partial
// result op produced along with a *TimeoutError.
func Guard(ctx context.Context, d time.Duration, op Operation) (ExecutionResult, error) {
	if d <= 0 {
		return ExecutionResult{}, fmt.Errorf("step timeout must be positive, got %v", d)
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		res, err := op(opCtx)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	return await(done, timer.C, func() { cancel(errDeadline) }, start, d)
}

type outcome struct {
	res ExecutionResult
	err error
}

// await returns the operation's outcome, unless deadline fires first, in
// which case it calls stop and waits for the operation to wind down. An
// outcome that is already waiting when the deadline fires still wins.
func await(done <-chan outcome, deadline <-chan time.Time, stop func(), start time.Time, d time.Duration) (ExecutionResult, error) {
	select {
	case o := <-done:
		return o.res, o.err

	case <-deadline:
		select {
		case o := <-done:
			return o.res, o.err
		default:
		}

		stop()
		o := <-done
		return o.res, &TimeoutError{
			Elapsed: time.Since(start),
			Limit:   d,
			Err:     o.err,
		}
	}
}
