package activitypub

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedActivity   = errors.New("malformed activity")
	ErrLocalOrigin         = errors.New("activity originates from this node")
	ErrFetchBudgetExceeded = errors.New("fetch budget exceeded")
	ErrUnsolicitedAccept   = errors.New("accept without a matching follow request")
	ErrUnknownFollow       = errors.New("no matching follow relationship")
	ErrURLMismatch         = errors.New("activity urls do not match")
	ErrInvalidActor        = errors.New("invalid actor")
	ErrForbidden           = errors.New("actor is not permitted to do this")
	ErrUnknownObject       = errors.New("object is not known to this node")
)

type SignatureErrorKind int

const (
	SignatureMissing SignatureErrorKind = iota
	SignatureMismatch
)

func (k SignatureErrorKind) String() string {
	if k == SignatureMissing {
		return "missing"
	}
	return "mismatch"
}

// SignatureError reports an absent or invalid HTTP signature.
type SignatureError struct {
	Kind SignatureErrorKind
	Err  error
}

func (e *SignatureError) Error() string {
	if e.Err == nil {
		return "signature " + e.Kind.String()
	}
	return fmt.Sprintf("signature %s: %v", e.Kind, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// FetchError reports a remote object that could not be retrieved or parsed.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DeliveryError reports a failed POST to one remote inbox.
type DeliveryError struct {
	Inbox      string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: remote returned status %d", e.Inbox, e.StatusCode)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
