// Package protocol owns the pipe-delimited backend command contract.
//
// Ownership boundary:
// - action -> verb table and positional parameter defaults
// - command serialization (VERB|field1|field2|...)
// - locally synthesized ERROR| responses
// - reply status parsing for interactive clients
//
// Message framing on the stream lives in protocol/frame; connection
// ownership lives in protocol/session.
package protocol
