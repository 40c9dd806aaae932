package storage

import "fmt"

// StorageFault marks every error raised by the persistence layer so callers
// can branch on the whole family with a single errors.As.
type StorageFault interface {
	error
	StorageFault()
}

// CorruptionError reports stored data that cannot be turned back into a
// valid matrix. It always carries a human-readable cause.
type CorruptionError struct {
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stored matrix data is corrupted: %s: %v", e.Reason, e.Err)
	}
	return "stored matrix data is corrupted: " + e.Reason
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// StorageFault implements the marker interface.
func (e *CorruptionError) StorageFault() {}

// QuotaExceededError reports a payload the store cannot hold, either because
// it exceeds the configured ceiling or because the backend refused the write.
type QuotaExceededError struct {
	Size  int
	Limit int
	Err   error
}

func (e *QuotaExceededError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage quota exceeded: %v", e.Err)
	}
	return fmt.Sprintf("storage quota exceeded: payload is %d bytes, limit is %d", e.Size, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// StorageFault implements the marker interface.
func (e *QuotaExceededError) StorageFault() {}

// OpError wraps backend failures that are neither corruption nor quota.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

// StorageFault implements the marker interface.
func (e *OpError) StorageFault() {}
