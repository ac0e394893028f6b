// Package fault defines the error taxonomy shared by the JSON-RPC and XML-RPC handlers.
//
// A Fault is the protocol-neutral form of a failed call. Both protocol handlers
// render it into their own envelope: a JSON-RPC error object or an XML-RPC
// <fault> struct. RPC-level faults are always delivered with HTTP 200.
package fault

import (
	"errors"
	"fmt"
)

// Standard codes. XML-RPC reuses the JSON-RPC numbering.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeAuthDenied is the default code for a failed auth predicate. It sits in
	// the implementation-defined server error range and can be overridden per
	// handler.
	CodeAuthDenied = -32001
)

// Kind classifies a fault independently of its numeric code.
type Kind int

const (
	KindCustom Kind = iota
	KindParse
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindAuthDenied
	KindInternal
)

var kindNames = map[Kind]string{
	KindCustom:         "custom",
	KindParse:          "parse_error",
	KindInvalidRequest: "invalid_request",
	KindMethodNotFound: "method_not_found",
	KindInvalidParams:  "invalid_params",
	KindAuthDenied:     "auth_denied",
	KindInternal:       "internal_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ErrUnsupportedContentType is a routing-level failure. It never produces an RPC envelope.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Fault is a failed RPC call.
type Fault struct {
	Kind    Kind   `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	// cause is logged server side and never serialized.
	cause error
}

func (f *Fault) Error() string {
	if f == nil {
		return "fault: <nil>"
	}
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.cause
}

// New creates a custom fault. Procedures return it to control the code seen by the caller.
func New(code int, message string) *Fault {
	return &Fault{Kind: KindCustom, Code: code, Message: message}
}

// WithData returns a copy of f carrying structured data.
func (f *Fault) WithData(data any) *Fault {
	c := *f
	c.Data = data
	return &c
}

func ParseError(detail string) *Fault {
	msg := "parse error"
	if detail != "" {
		msg += ": " + detail
	}
	return &Fault{Kind: KindParse, Code: CodeParseError, Message: msg}
}

func InvalidRequest(detail string) *Fault {
	msg := "invalid request"
	if detail != "" {
		msg += ": " + detail
	}
	return &Fault{Kind: KindInvalidRequest, Code: CodeInvalidRequest, Message: msg}
}

func MethodNotFound(method string) *Fault {
	return &Fault{Kind: KindMethodNotFound, Code: CodeMethodNotFound, Message: "method not found: " + method}
}

func InvalidParams(detail string) *Fault {
	msg := "invalid params"
	if detail != "" {
		msg += ": " + detail
	}
	return &Fault{Kind: KindInvalidParams, Code: CodeInvalidParams, Message: msg}
}

// AuthDenied does not say which predicate failed.
func AuthDenied(code int, method string) *Fault {
	return &Fault{Kind: KindAuthDenied, Code: code, Message: fmt.Sprintf("authentication failed when calling %q", method)}
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(cause error) *Fault {
	return &Fault{Kind: KindInternal, Code: CodeInternalError, Message: "internal error", cause: cause}
}

// From converts any error into a Fault. Faults pass through unchanged, anything
// else becomes an internal error.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f
	}
	return Internal(err)
}

// Expose returns the fault as it should be sent to the caller. With debug set,
// internal errors carry the original error text in Data.
func (f *Fault) Expose(debug bool) *Fault {
	if f == nil || f.Kind != KindInternal || !debug || f.cause == nil {
		return f
	}
	return f.WithData(f.cause.Error())
}
