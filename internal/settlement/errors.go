package settlement

import (
	"errors"
	"fmt"
)

// RemoteErrorKind tags a failure reported by the payment processor.
type RemoteErrorKind int

const (
	KindNetwork RemoteErrorKind = iota + 1
	KindTimeout
	KindServer
	KindRateLimit
	KindValidation
	KindAccountInvalid
	KindAmountLimit
)

func (k RemoteErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindAccountInvalid:
		return "account_invalid"
	case KindAmountLimit:
		return "amount_limit"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RemoteError is the typed failure of a remote settlement call.  Adapters
// for concrete processors translate their errors into it; the classifier
// only looks at Kind.
type RemoteError struct {
	Kind    RemoteErrorKind
	Code    string // processor error code, persisted on the record
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s error (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// AsRemoteError extracts a RemoteError from err's chain.
func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
