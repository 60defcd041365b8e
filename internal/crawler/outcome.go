package crawler

import (
	"fmt"
	"time"
)

// FetchOutcome is the result of a retrying fetch: Success, RetryableError,
// or TerminalError.
type FetchOutcome interface {
	AttemptCount() int
	isFetchOutcome()
}

// Success carries the payload of a 2xx response.
type Success struct {
	Payload    []byte
	StatusCode int
	FinalURL   string
	Attempts   int
	Elapsed    time.Duration
}

// RetryableError means the fetch stopped before its attempts were used up,
// for example because dispatch was cancelled between attempts.
type RetryableError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

// TerminalError means the URL will not be fetched again this run. Exhausted
// is set when the retry budget ran out on a retryable kind.
type TerminalError struct {
	Kind      ErrorKind
	Attempts  int
	Exhausted bool
	Err       error
}

func (s Success) AttemptCount() int        { return s.Attempts }
func (e RetryableError) AttemptCount() int { return e.Attempts }
func (e TerminalError) AttemptCount() int  { return e.Attempts }

func (Success) isFetchOutcome()        {}
func (RetryableError) isFetchOutcome() {}
func (TerminalError) isFetchOutcome()  {}

func (e RetryableError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e RetryableError) Unwrap() error { return e.Err }

func (e TerminalError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e TerminalError) Unwrap() error { return e.Err }
