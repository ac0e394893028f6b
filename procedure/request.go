package procedure

import (
	"encoding/json"
	"net/http"

	"github.com/mnehpets/modernrpc/auth"
)

// Protocol identifies the wire protocol a call arrived on.
type Protocol string

const (
	ProtocolJSON Protocol = "jsonrpc"
	ProtocolXML  Protocol = "xmlrpc"
)

// Request is a single decoded call. It lives for the duration of one HTTP
// request and is owned by the protocol handler that built it.
type Request struct {
	Protocol Protocol
	Method   string
	// Args is nil, a positional []any or, for JSON-RPC only, a named map[string]any.
	Args any

	Header     http.Header
	Identity   auth.Identity
	RemoteAddr string

	// ID is the raw JSON-RPC id. It is nil for notifications and for XML-RPC.
	ID json.RawMessage
}

// Notification reports whether the caller expects no response.
func (r *Request) Notification() bool {
	return r.Protocol == ProtocolJSON && r.ID == nil
}

// Sub returns a request for another method that shares r's caller metadata.
// It is used to fan out batch and multicall entries.
func (r *Request) Sub(method string, args any) *Request {
	return &Request{
		Protocol:   r.Protocol,
		Method:     method,
		Args:       args,
		Header:     r.Header,
		Identity:   r.Identity,
		RemoteAddr: r.RemoteAddr,
	}
}
