package connection

import "fmt"

// Kind classifies why a Connection terminated, grounded on the teacher's
// ErrorCode-with-Message() pattern (pkg/api/api0/errors.go) but applied to
// the wire protocol's own failure taxonomy instead of HTTP error codes.
type Kind string

const (
	KindFailedToWrite             Kind = "FailedToWrite"
	KindConnectionCloseUnexpected Kind = "ConnectionCloseUnexpected"
	KindUserInputError            Kind = "UserInputError"
	KindIpv6Address               Kind = "Ipv6Address"
	KindPasswordError             Kind = "PasswordError"
	KindParseFailure              Kind = "ParseFailure"
	KindInvalidState              Kind = "InvalidState"
	KindTimeout                   Kind = "Timeout"
	KindRemoteError               Kind = "RemoteError"
)

// WireVisible reports whether errors of kind k should be surfaced to the
// peer as an encoded Error message (binary) or an ASCII "fail" response,
// versus simply closing the connection silently.
func (k Kind) WireVisible() bool {
	switch k {
	case KindTimeout, KindFailedToWrite, KindConnectionCloseUnexpected, KindRemoteError:
		return false
	default:
		return true
	}
}

// Error is a Connection-fatal error. It is never fatal to the server
// process: the acceptor logs it and moves on.
type Error struct {
	Kind       Kind
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Underlying)
}

func (e *Error) Unwrap() error { return e.Underlying }

func newErr(k Kind, underlying error) *Error {
	return &Error{Kind: k, Underlying: underlying}
}

// newInvalidState builds the error for a message type arriving in a state
// the dispatch table does not allow it in (state-guard totality).
func newInvalidState(messageType string, state State) *Error {
	return &Error{
		Kind:       KindInvalidState,
		Underlying: fmt.Errorf("message %s is not valid in state %s", messageType, state),
	}
}
