package fetcher

import (
	"fmt"
)

// Kind partitions fetch failures by how callers react to them
type Kind int

const (
	// KindTransient failures (network, timeout) are retried on the next
	// scheduled pass
	KindTransient Kind = iota
	// KindBlocked means crawl policy forbids access, terminal until an
	// operator resets the source
	KindBlocked
	// KindParse means the document was retrieved but is not a usable
	// feed, a fallback strategy may apply
	KindParse
	// KindQuota means the platform API budget is exhausted, degrade to
	// the feed-based strategy without failing the source
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBlocked:
		return "blocked"
	case KindParse:
		return "parse"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Error carries the failure kind alongside the cause
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Cause() error {
	return e.Err
}

func transientErr(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

func blockedErr(err error) *Error {
	return &Error{Kind: KindBlocked, Err: err}
}

func parseErr(err error) *Error {
	return &Error{Kind: KindParse, Err: err}
}

func quotaErr(err error) *Error {
	return &Error{Kind: KindQuota, Err: err}
}

// KindOf returns the failure kind, defaulting unknown errors to transient
func KindOf(err error) Kind {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind
		}

		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}

		err = cause.Cause()
	}

	return KindTransient
}

// IsBlocked reports whether the failure is a terminal crawl-policy block
func IsBlocked(err error) bool {
	return err != nil && KindOf(err) == KindBlocked
}
