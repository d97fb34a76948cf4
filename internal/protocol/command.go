package protocol

import (
	"net/url"
	"sort"
	"strings"
)

const (
	FieldSeparator = "|"

	// VerbUnknown is forwarded for actions the gateway does not recognize;
	// rejection is left to the backend.
	VerbUnknown = "UNKNOWN"
	// VerbExit asks the backend to end the session.
	VerbExit = "EXIT"

	DefaultExpiry = "3600"
)

// Param is one positional command field sourced from a query parameter.
type Param struct {
	Name    string `json:"name"`
	Default string `json:"default,omitempty"`
}

// Spec maps one client action to its wire verb and field order.
type Spec struct {
	Action string  `json:"action"`
	Verb   string  `json:"verb"`
	Params []Param `json:"params"`
}

var (
	pName     = Param{Name: "name"}
	pContent  = Param{Name: "content"}
	pExpiry   = Param{Name: "expiry", Default: DefaultExpiry}
	pUsername = Param{Name: "username"}
	pPassword = Param{Name: "password"}
)

var specs = map[string]Spec{
	"login":         {Action: "login", Verb: "LOGIN", Params: []Param{pUsername, pPassword}},
	"register":      {Action: "register", Verb: "REGISTER", Params: []Param{pUsername, pPassword}},
	"search_file":   {Action: "search_file", Verb: "SEARCH_FILE", Params: []Param{pName}},
	"create_file":   {Action: "create_file", Verb: "CREATE_FILE", Params: []Param{pName, pContent, pExpiry}},
	"write_file":    {Action: "write_file", Verb: "WRITE_FILE", Params: []Param{pName, pContent}},
	"read_file":     {Action: "read_file", Verb: "READ_FILE", Params: []Param{pName}},
	"list_files":    {Action: "list_files", Verb: "LIST_FILES"},
	"move_to_bin":   {Action: "move_to_bin", Verb: "MOVE_TO_BIN", Params: []Param{pName}},
	"retrieve":      {Action: "retrieve", Verb: "RETRIEVE_FROM_BIN", Params: []Param{pName}},
	"change_expiry": {Action: "change_expiry", Verb: "CHANGE_EXPIRY", Params: []Param{pName, pExpiry}},
	"delete":        {Action: "delete", Verb: "DELETE_PERMANENTLY", Params: []Param{pName}},
	"truncate":      {Action: "truncate", Verb: "TRUNCATE_FILE", Params: []Param{pName}},
	"disk_stats":    {Action: "disk_stats", Verb: "DISK_STATS"},
	"logout":        {Action: "logout", Verb: "LOGOUT"},
}

// Command is one wire command: a verb plus ordered fields.
type Command struct {
	Verb   string
	Fields []string
}

func (c Command) String() string {
	if len(c.Fields) == 0 {
		return c.Verb
	}
	return c.Verb + FieldSeparator + strings.Join(c.Fields, FieldSeparator)
}

// Lookup returns the spec registered for action.
func Lookup(action string) (Spec, bool) {
	spec, ok := specs[action]
	return spec, ok
}

// Specs lists every recognized action ordered by action name.
func Specs() []Spec {
	out := make([]Spec, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Action < out[j].Action
	})
	return out
}

// Build maps action and params to a command. Unrecognized actions build the
// bare UNKNOWN command.
func Build(action string, params url.Values) Command {
	spec, ok := specs[action]
	if !ok {
		return Command{Verb: VerbUnknown}
	}
	fields := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		v, ok := Value(params, p.Name)
		if !ok {
			v = p.Default
		}
		fields = append(fields, v)
	}
	return Command{Verb: spec.Verb, Fields: fields}
}

// Encode returns the wire string for action and params.
func Encode(action string, params url.Values) string {
	return Build(action, params).String()
}

// Value returns the first non-empty value for key. Blank values count as
// absent so that defaults apply to "expiry=" as well as to a missing key.
func Value(params url.Values, key string) (string, bool) {
	for _, v := range params[key] {
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// Verb returns the leading verb of a serialized command.
func Verb(command string) string {
	if i := strings.Index(command, FieldSeparator); i >= 0 {
		return command[:i]
	}
	return command
}
