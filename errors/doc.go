// Package errors provides the structured error taxonomy used across
// sharedqueue. Every error carries an ErrorCode and an ErrorCategory so
// callers can decide whether a failure is worth retrying on a later tick.
//
// # Error Categories
//
//   - Transient: the next tick may succeed (storage contention, timeouts)
//   - Permanent: retrying will not help (bad configuration, closed store)
//   - Internal: unexpected failures (corrupt values, recovered panics)
//
// # Usage
//
//	err := errors.Configuration("process function is required")
//
//	wrapped := errors.Wrap(err, "reading queue")
//
//	if errors.IsRetryable(err) {
//	    // leave it for the next tick
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so they can be persisted or shipped to logs:
//
//	data, _ := json.Marshal(qerr)
package errors
