package record

import "errors"

var (
	// ErrInvalidName is returned for empty names or names containing separators.
	ErrInvalidName = errors.New("record: invalid name")
	// ErrNotReady is returned when writing to a record before its first snapshot.
	ErrNotReady = errors.New("record: not ready")
	// ErrDestroyed is returned when writing to a discarded or deleted record.
	ErrDestroyed = errors.New("record: destroyed")
	// ErrNotObject is returned when a whole-record write is not a JSON object.
	ErrNotObject = errors.New("record: value is not an object")
	// ErrNilCallback is returned when subscribing a nil callback.
	ErrNilCallback = errors.New("record: nil callback")
	// ErrUnbound is returned when writing through a proxy that has no name.
	ErrUnbound = errors.New("record: proxy is not bound to a record")
	// ErrDisposed is returned when using a proxy after Dispose.
	ErrDisposed = errors.New("record: proxy disposed")
)
