package protocol

import "strings"

// ErrorPrefix marks responses synthesized by the gateway rather than the backend.
const ErrorPrefix = "ERROR" + FieldSeparator

// ErrorResponse builds a local failure response in wire format.
func ErrorResponse(description string) string {
	return ErrorPrefix + description
}

// IsErrorResponse reports whether resp carries the local failure prefix.
func IsErrorResponse(resp string) bool {
	return strings.HasPrefix(resp, ErrorPrefix)
}
