package notify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Backoff computes the pause between delivery attempts.
type Backoff struct {
	Strategy string        // constant (default), linear or exponential
	Base     time.Duration // delay before the second attempt
	Max      time.Duration // cap; zero means uncapped
}

// DefaultBackoff doubles from 200ms up to 10s.
var DefaultBackoff = Backoff{Strategy: BackoffExponential, Base: 200 * time.Millisecond, Max: 10 * time.Second}

// Delay returns the pause after the given zero-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt < 0 {
		return 0
	}

	var d time.Duration
	switch b.Strategy {
	case BackoffExponential:
		d = b.Base
		for i := 0; i < attempt; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				break
			}
		}
	case BackoffLinear:
		d = b.Base * time.Duration(attempt+1)
	default:
		d = b.Base
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable reports whether a failed publish is worth another attempt.
// Cancellation and non-retryable engine errors stop delivery; transport
// errors and anything unrecognized are retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var oe *schema.OpcodeError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"closed", "shut down", "shutdown"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}
