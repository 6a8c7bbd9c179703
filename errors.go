// Package mongocore fuses the connection pool, topology resolver, and
// authentication cache behind a single Client handle, per spec.md §4.E.
package mongocore

import "fmt"

// ConfigurationError is a bad URI, an impossible option combination, or a
// topology-shape violation (mismatched set name, mixed mongod/router seed
// list, arbiter via direct connect, duplicate auth attempt on a source), per
// spec.md §7.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// ConnectionFailure is a generic inability to communicate with a member.
type ConnectionFailure struct {
	Msg string
	// AutoReconnect, when true, tells the caller a transparent retry is
	// acceptable — the failure is believed transient rather than a
	// configuration problem.
	AutoReconnect bool
	Err           error
}

func (e *ConnectionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failure: %s: %v", e.Msg, e.Err)
	}
	return "connection failure: " + e.Msg
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }

// AutoReconnect constructs a ConnectionFailure marked retryable.
func AutoReconnect(msg string, err error) *ConnectionFailure {
	return &ConnectionFailure{Msg: msg, AutoReconnect: true, Err: err}
}

// OperationFailure is a non-network error the server itself returned; it may
// carry a server error code.
type OperationFailure struct {
	Msg  string
	Code int
}

func (e *OperationFailure) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("operation failure (code %d): %s", e.Code, e.Msg)
	}
	return "operation failure: " + e.Msg
}

// duplicateKeyCodes are the server error codes spec.md §7 maps to
// DuplicateKeyError: 11000/11001 are the classic unique-index violations,
// 12582 is the legacy mongos-side duplicate on an upsert.
var duplicateKeyCodes = map[int]bool{11000: true, 11001: true, 12582: true}

// DuplicateKeyError is an OperationFailure whose code names a unique-index
// violation.
type DuplicateKeyError struct{ OperationFailure }

// DocumentTooLarge is a local precondition violation: a document's encoded
// length exceeded the member's max_bson_size. Never sent to the wire.
type DocumentTooLarge struct{ Msg string }

func (e *DocumentTooLarge) Error() string { return "document too large: " + e.Msg }

// InvalidURI signals an unrecognized URI scheme. It is a distinct type from
// internal/options' InvalidURI, which is what options.Parse returns; nothing
// in this package converts one into the other.
type InvalidURI struct{ Msg string }

func (e *InvalidURI) Error() string { return "invalid uri: " + e.Msg }

// errorClass names err's taxonomy entry for metrics labeling, per
// errors.go's hierarchy above. Unrecognized errors fall back to "Other".
func errorClass(err error) string {
	switch err.(type) {
	case *ConfigurationError:
		return "ConfigurationError"
	case *ConnectionFailure:
		return "ConnectionFailure"
	case *DuplicateKeyError:
		return "DuplicateKeyError"
	case *OperationFailure:
		return "OperationFailure"
	case *DocumentTooLarge:
		return "DocumentTooLarge"
	default:
		return "Other"
	}
}

// classifyCommandError translates a parsed lastError/command-response
// (err string, code int) pair into the taxonomy above, per spec.md §4.E
// step 4. A non-empty errMsg with no recognized code becomes a plain
// OperationFailure, unless it starts with "not master", which becomes a
// retryable ConnectionFailure.
func classifyCommandError(errMsg string, code int) error {
	if errMsg == "" {
		return nil
	}
	if duplicateKeyCodes[code] {
		return &DuplicateKeyError{OperationFailure{Msg: errMsg, Code: code}}
	}
	if len(errMsg) >= len("not master") && errMsg[:len("not master")] == "not master" {
		return AutoReconnect("not master", &OperationFailure{Msg: errMsg, Code: code})
	}
	return &OperationFailure{Msg: errMsg, Code: code}
}
