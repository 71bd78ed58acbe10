package feed

import "fmt"

// ConnectionError represents a transport-level failure while connecting,
// subscribing or reconnecting to the upstream feed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("feed connection: %s", e.Op)
	}
	return fmt.Sprintf("feed connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolViolation represents a frame whose content does not match the
// upstream feed contract. The frame fails atomically: no partial trades are
// produced from it.
type ProtocolViolation struct {
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("feed protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("feed protocol violation: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }
