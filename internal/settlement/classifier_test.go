package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: time.Minute, BackoffMax: time.Hour}

	transient := []error{
		&RemoteError{Kind: KindNetwork},
		&RemoteError{Kind: KindTimeout},
		&RemoteError{Kind: KindServer},
		&RemoteError{Kind: KindRateLimit},
		fmt.Errorf("wrapped: %w", &RemoteError{Kind: KindServer}),
		context.DeadlineExceeded,
		errors.New("unexpected"),
	}
	for _, err := range transient {
		assert.Equal(t, Retry, p.Classify(err, 0), err.Error())
		assert.Equal(t, Retry, p.Classify(err, 2), err.Error())
		assert.Equal(t, Escalate, p.Classify(err, 3), err.Error())
	}

	permanent := []error{
		&RemoteError{Kind: KindValidation},
		&RemoteError{Kind: KindAccountInvalid},
		&RemoteError{Kind: KindAmountLimit},
	}
	for _, err := range permanent {
		assert.Equal(t, Fatal, p.Classify(err, 0), err.Error())
	}
}

func TestBackoffIsMonotonicAndBounded(t *testing.T) {
	p := Policy{MaxRetries: 3, BackoffBase: 5 * time.Minute, BackoffMax: time.Hour}
	assert.Equal(t, 5*time.Minute, p.Backoff(1))
	assert.Equal(t, 10*time.Minute, p.Backoff(2))
	assert.Equal(t, 20*time.Minute, p.Backoff(3))

	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := p.Backoff(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Hour)
		prev = d
	}
	assert.Equal(t, time.Hour, p.Backoff(64))
}

func TestDescribe(t *testing.T) {
	code, msg := Describe(&RemoteError{Kind: KindAccountInvalid, Code: "account_invalid", Message: "no such destination"})
	assert.Equal(t, "account_invalid", code)
	assert.Equal(t, "no such destination", msg)

	code, _ = Describe(&RemoteError{Kind: KindServer, Message: "bad gateway"})
	assert.Equal(t, "server", code)

	code, _ = Describe(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, "timeout", code)

	code, msg = Describe(errors.New("boom"))
	assert.Equal(t, "unknown", code)
	assert.Equal(t, "boom", msg)
}
