package research

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure.
type Code string

// Failure taxonomy.
const (
	CodeRobotsDisallowed Code = "ROBOTS_DISALLOWED"
	CodeClientError      Code = "CLIENT_ERROR"
	CodeFetchFailed      Code = "FETCH_FAILED"
	CodeParseError       Code = "PARSE_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeScrapeFailed     Code = "SCRAPE_FAILED"
	// CodeInterrupted marks an attempt abandoned by a worker that went away.
	CodeInterrupted Code = "INTERRUPTED"
	// CodeInternal covers failures outside the taxonomy (store outages, panics).
	CodeInternal Code = "INTERNAL"
)

// Sentinel errors shared by stores and queues.
var (
	ErrNotFound    = errors.New("task not found")
	ErrConflict    = errors.New("task state changed concurrently")
	ErrDuplicate   = errors.New("task already exists")
	ErrQueueClosed = errors.New("queue closed")
)

// Error is a classified failure. Err carries the cause.
type Error struct {
	Code   Code
	Op     string
	URL    string
	Status int
	// Body holds a bounded snippet of an error response, used to decode
	// upstream error envelopes.
	Body []byte
	Err  error
}

// NewError builds a classified error.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the innermost taxonomy code in err's chain, so a
// SCRAPE_FAILED wrapping a FETCH_FAILED reports FETCH_FAILED. Errors
// without classification report CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	code := CodeInternal
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		var classified *Error
		if !errors.As(cur, &classified) {
			break
		}
		code = classified.Code
		cur = classified
	}
	return code
}

// Retryable reports whether a task attempt that failed with err may be
// tried again. Policy refusals, client errors and parse errors are final;
// fetch failures, interruptions and unclassified errors are transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeRobotsDisallowed, CodeClientError, CodeParseError, CodeNotFound:
		return false
	default:
		return true
	}
}

// FailureOf summarizes err for storage on a task record.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Code: CodeOf(err), Message: err.Error()}
}
