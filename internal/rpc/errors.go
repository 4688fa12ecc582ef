package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies an RPC failure.
type Kind int

const (
	// KindGeneric is any other fault reported by the service.
	KindGeneric Kind = iota
	// KindAuthInvalidShortCode means the short code given to obtainAuthToken was wrong.
	KindAuthInvalidShortCode
	// KindAuthInvalidToken means the security token passed to a call was rejected.
	KindAuthInvalidToken
	// KindTransport is a network or HTTP level failure; no response was parsed.
	KindTransport
	// KindMalformed means the response body could not be decoded.
	KindMalformed
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindAuthInvalidShortCode:
		return "invalid-short-code"
	case KindAuthInvalidToken:
		return "invalid-auth-token"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Exception type names the service reports for authentication failures.
const (
	InvalidShortCodeType = "codeOrchestra.colt.core.rpc.security.InvalidShortCodeException"
	InvalidAuthTokenType = "codeOrchestra.colt.core.rpc.security.InvalidAuthTokenException"
)

// Error is the error returned by Transport.Invoke.
type Error struct {
	Kind Kind

	// TypeName is the service-side exception type, if one was reported.
	TypeName string

	Message string

	// Err is the underlying cause for transport and decode failures.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.TypeName != "" {
		return fmt.Sprintf("[%s] %s", e.TypeName, msg)
	}
	return fmt.Sprintf("rpc %s error: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the error is one of the two authentication kinds.
func (e *Error) IsAuth() bool {
	return e.Kind == KindAuthInvalidShortCode || e.Kind == KindAuthInvalidToken
}

// KindOf returns the Kind of an rpc error anywhere in err's chain.
// Errors that did not come from a Transport report KindGeneric.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return KindGeneric
}

// IsAuthError reports whether err is an authentication failure that should
// trigger a new short-code exchange.
func IsAuthError(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.IsAuth()
}

// classify maps a service exception type name to a Kind.
func classify(typeName string) Kind {
	switch typeName {
	case InvalidShortCodeType:
		return KindAuthInvalidShortCode
	case InvalidAuthTokenType:
		return KindAuthInvalidToken
	default:
		return KindGeneric
	}
}

// ErrNoEndpoint indicates a connection was built without a base URL.
var ErrNoEndpoint = errors.New("rpc endpoint not set")
