package protocol

import "strings"

// Leading status tokens of a backend reply.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusData    = "DATA"
	StatusError   = "ERROR"
)

// Reply is a backend response split on the field separator.
type Reply struct {
	Status string
	Fields []string
}

// ParseReply splits resp into its status and fields. Replies are relayed
// verbatim by the gateway; parsing exists for interactive clients.
func ParseReply(resp string) Reply {
	parts := strings.Split(resp, FieldSeparator)
	return Reply{Status: parts[0], Fields: parts[1:]}
}

// OK reports whether the backend accepted the command.
func (r Reply) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusData
}

// Message is the human-readable remainder of the reply.
func (r Reply) Message() string {
	return strings.Join(r.Fields, FieldSeparator)
}
