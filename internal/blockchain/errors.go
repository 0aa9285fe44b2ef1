package blockchain

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindTransient failures may succeed on retry: timeouts, rate limits, node outages.
	KindTransient Kind = iota
	// KindPermanent failures will not succeed on retry: reverts, invalid input.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

var ErrReceiptNotFound = errors.New("receipt not found")

// Error is a chain failure classified for retry decisions.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s chain error %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s chain error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

func Permanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}
