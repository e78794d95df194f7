package outbox

import "errors"

// RetryClassifier determines whether a publish error should not be retried.
// Non-retryable events are marked INVALID instead of FAILED.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// defaultNonRetryable covers errors that no amount of retrying fixes:
// an event type nothing is registered for stays unroutable.
func defaultNonRetryable(err error) bool {
	return errors.Is(err, ErrHandlerNotRegistered)
}
