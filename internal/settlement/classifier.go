package settlement

import (
	"context"
	"errors"
	"time"
)

// Disposition is the classifier's verdict on a failed attempt.
type Disposition int

const (
	// Retry schedules another attempt after a backoff.
	Retry Disposition = iota + 1
	// Escalate parks the record for an operator after the retry budget ran out.
	Escalate
	// Fatal parks the record for an operator immediately.
	Fatal
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Escalate:
		return "escalate"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Policy holds the retry budget and backoff bounds.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Transient reports whether err may succeed if attempted again.  Errors the
// processor adapter could not type (and deadline expiry of the call
// itself) are treated as transient.
func Transient(err error) bool {
	if re, ok := AsRemoteError(err); ok {
		switch re.Kind {
		case KindNetwork, KindTimeout, KindServer, KindRateLimit:
			return true
		case KindValidation, KindAccountInvalid, KindAmountLimit:
			return false
		}
		return true
	}
	return true
}

// Classify decides what happens to a record whose attempt failed with err
// after retryCount earlier transient failures.
func (p Policy) Classify(err error, retryCount int) Disposition {
	if !Transient(err) {
		return Fatal
	}
	if retryCount < p.MaxRetries {
		return Retry
	}
	return Escalate
}

// Backoff is the delay before retry number n (1-based): BackoffBase
// doubled per earlier retry, capped at BackoffMax.  It is monotonic in n.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BackoffBase
	for i := 1; i < n; i++ {
		if d >= p.BackoffMax/2 {
			return p.BackoffMax
		}
		d *= 2
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Describe returns the code and message persisted for a failure.
func Describe(err error) (code, message string) {
	if re, ok := AsRemoteError(err); ok {
		code = re.Code
		if code == "" {
			code = re.Kind.String()
		}
		return code, re.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout.String(), err.Error()
	}
	return "unknown", err.Error()
}
