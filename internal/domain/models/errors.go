package models

import "fmt"

// ParseError rejects an alert message wholesale: nothing is created
// when any line of the input fails to parse.
type ParseError struct {
	Line   int // 1-based line number; 0 when the whole message is at fault
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse alert: line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("parse alert: %s", e.Reason)
}

// ConflictError signals a duplicate (symbol, alertId) on create.
type ConflictError struct {
	Symbol  string
	AlertID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("alert %s/%s already exists", e.Symbol, e.AlertID)
}

// NotFoundError signals an operation on an unknown alert or level.
type NotFoundError struct {
	Symbol  string
	AlertID string
	Label   string
}

func (e *NotFoundError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("alert %s/%s: level %q not found", e.Symbol, e.AlertID, e.Label)
	}
	return fmt.Sprintf("alert %s/%s not found", e.Symbol, e.AlertID)
}

// StreamError is a terminal upstream failure, delivered to handles only
// after reconnect retries are exhausted.
type StreamError struct {
	Symbol string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("price stream for %s failed: %v", e.Symbol, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// PersistenceError means the durable store is unavailable. The fire
// path retries in place and does not transition in-memory state until
// persistence succeeds.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("alert store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchError is a notification transport failure. Retried with
// bounded backoff; the persisted fired state is never rolled back.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch notification: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
