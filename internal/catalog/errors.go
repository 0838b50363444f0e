package catalog

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("catalog entity not found")

// ErrQueueClosed is returned by queue backends after Close.
var ErrQueueClosed = errors.New("queue closed")

// FetchError reports a network, HTTP status or decoding failure against the
// remote data source.
type FetchError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StoreError reports a failed catalog store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("catalog store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ArchiveError reports a failed object storage write.
type ArchiveError struct {
	Key string
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Key, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// QueueError reports a failed queue operation.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// WrapStore wraps err as a StoreError unless it already is one.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
