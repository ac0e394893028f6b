package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
)

// ContentType is the response content type.
const ContentType = "application/json"

// DefaultContentTypes are the request content types accepted by default.
var DefaultContentTypes = []string{"application/json", "application/json-rpc", "application/jsonrequest"}

var nullID = json.RawMessage("null")

// Handler decodes JSON-RPC 2.0 requests, dispatches them through a
// procedure.Invoker and encodes the responses.
// Use endpoint.Handler(h.Endpoint, processors...) to mount it on its own.
type Handler struct {
	invoker      *procedure.Invoker
	codec        codec.JSON
	contentTypes []string
	concurrent   bool
	limit        int
}

// Option configures a Handler.
type Option func(*Handler)

// WithCodec selects the JSON backend. The default is codec.StdJSON.
func WithCodec(c codec.JSON) Option {
	return func(h *Handler) {
		h.codec = c
	}
}

// WithContentTypes replaces the accepted request content types.
func WithContentTypes(types ...string) Option {
	return func(h *Handler) {
		h.contentTypes = types
	}
}

// WithConcurrentBatch runs batch elements concurrently, at most limit at a
// time (0 means no limit). Responses keep request order.
func WithConcurrentBatch(limit int) Option {
	return func(h *Handler) {
		h.concurrent = true
		h.limit = limit
	}
}

// NewHandler creates a JSON-RPC handler.
func NewHandler(invoker *procedure.Invoker, opts ...Option) *Handler {
	h := &Handler{
		invoker:      invoker,
		codec:        codec.StdJSON{},
		contentTypes: DefaultContentTypes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Protocol() procedure.Protocol {
	return procedure.ProtocolJSON
}

func (h *Handler) ContentTypes() []string {
	return h.contentTypes
}

// rpcParams captures the raw request body. Parsing is deferred to the handler
// because JSON-RPC reports malformed JSON as a response, not as an HTTP error.
type rpcParams struct {
	Body []byte `body:""`
}

// Endpoint is the endpoint function for a JSON-RPC only URL.
// Pass to endpoint.Handler() to create an http.Handler.
func (h *Handler) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}
	return h.Serve(r.Context(), r, params.Body), nil
}

// call is one decoded element of a request.
type call struct {
	req *procedure.Request
	// err is set when the element is invalid and must not be dispatched.
	err *fault.Fault
}

// Serve handles one HTTP request body. It always returns a renderer: RPC
// level failures are encoded as JSON-RPC error responses with status 200.
func (h *Handler) Serve(ctx context.Context, r *http.Request, body []byte) endpoint.Renderer {
	body = bytes.TrimSpace(body)

	var probe json.RawMessage
	if len(body) == 0 {
		return h.single(h.errorResponse(nullID, fault.ParseError("empty body")))
	}
	if err := h.codec.Unmarshal(body, &probe); err != nil {
		return h.single(h.errorResponse(nullID, fault.ParseError(err.Error())))
	}

	base := h.baseRequest(ctx, r)

	if body[0] != '[' {
		c := h.decodeCall(body, base)
		out := h.dispatch(ctx, c)
		if out == nil {
			return &endpoint.NoContentRenderer{}
		}
		return h.single(out)
	}

	var elements []json.RawMessage
	if err := h.codec.Unmarshal(body, &elements); err != nil {
		return h.single(h.errorResponse(nullID, fault.ParseError(err.Error())))
	}
	if len(elements) == 0 {
		return h.single(h.errorResponse(nullID, fault.InvalidRequest("empty batch")))
	}

	calls := make([]call, len(elements))
	for i, raw := range elements {
		calls[i] = h.decodeCall(raw, base)
	}
	outputs := make([]json.RawMessage, len(calls))
	procedure.ForEach(ctx, len(calls), h.concurrent, h.limit, func(ctx context.Context, i int) {
		outputs[i] = h.dispatch(ctx, calls[i])
	})

	var buf bytes.Buffer
	buf.WriteByte('[')
	n := 0
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(out)
		n++
	}
	buf.WriteByte(']')
	if n == 0 {
		return &endpoint.NoContentRenderer{}
	}
	return &endpoint.BytesRenderer{Body: buf.Bytes(), ContentType: ContentType}
}

func (h *Handler) baseRequest(ctx context.Context, r *http.Request) *procedure.Request {
	id, _ := auth.IdentityFromContext(ctx)
	base := &procedure.Request{Protocol: procedure.ProtocolJSON, Identity: id}
	if r != nil {
		base.Header = r.Header
		base.RemoteAddr = r.RemoteAddr
	}
	return base
}

// decodeCall validates one request object.
func (h *Handler) decodeCall(raw json.RawMessage, base *procedure.Request) call {
	req := base.Sub("", nil)

	var obj map[string]json.RawMessage
	if err := h.codec.Unmarshal(raw, &obj); err != nil || obj == nil {
		req.ID = nullID
		return call{req: req, err: fault.InvalidRequest("request must be an object")}
	}

	if rawID, ok := obj["id"]; ok {
		req.ID = rawID
		if !validID(rawID) {
			req.ID = nullID
			return call{req: req, err: fault.InvalidRequest("id must be a string, number or null")}
		}
	}

	var version string
	if err := h.codec.Unmarshal(obj["jsonrpc"], &version); err != nil || version != "2.0" {
		return call{req: req, err: fault.InvalidRequest(`"jsonrpc" must be "2.0"`)}
	}

	rawMethod, ok := obj["method"]
	if !ok || h.codec.Unmarshal(rawMethod, &req.Method) != nil || req.Method == "" {
		return call{req: req, err: fault.InvalidRequest(`"method" must be a non-empty string`)}
	}

	if rawParams, ok := obj["params"]; ok && !bytes.Equal(bytes.TrimSpace(rawParams), nullID) {
		var params any
		if err := h.codec.Unmarshal(rawParams, &params); err != nil {
			return call{req: req, err: fault.InvalidRequest(err.Error())}
		}
		switch params.(type) {
		case []any, map[string]any:
			req.Args = params
		default:
			return call{req: req, err: fault.InvalidRequest(`"params" must be an array or an object`)}
		}
	}
	return call{req: req}
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '{', '[', 't', 'f':
		return false
	}
	return true
}

// dispatch runs a call and returns its encoded response, or nil for a
// notification. Invalid elements always get a response. A panic while
// invoking or encoding becomes an internal error response for this element.
func (h *Handler) dispatch(ctx context.Context, c call) (out json.RawMessage) {
	if c.err != nil {
		id := c.req.ID
		if id == nil {
			id = nullID
		}
		return h.errorResponse(id, c.err)
	}

	defer h.invoker.Recover(c.req, func(f *fault.Fault) {
		out = nil
		if !c.req.Notification() {
			out = h.errorResponse(c.req.ID, f)
		}
	})

	result, f := h.invoker.Invoke(ctx, c.req)
	if c.req.Notification() {
		return nil
	}
	if f != nil {
		return h.errorResponse(c.req.ID, f)
	}

	encoded, err := h.codec.Marshal(successResponse{JSONRPC: "2.0", Result: result, ID: c.req.ID})
	if err != nil {
		return h.errorResponse(c.req.ID, h.invoker.Fail(c.req, err))
	}
	return encoded
}

type successResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *fault.Fault    `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func (h *Handler) errorResponse(id json.RawMessage, f *fault.Fault) json.RawMessage {
	out, err := h.codec.Marshal(errorResponse{JSONRPC: "2.0", Error: f, ID: id})
	if err != nil {
		// Only Data can fail to encode.
		out, _ = h.codec.Marshal(errorResponse{JSONRPC: "2.0", Error: &fault.Fault{Code: f.Code, Message: f.Message}, ID: id})
	}
	return out
}

func (h *Handler) single(out json.RawMessage) endpoint.Renderer {
	return &endpoint.BytesRenderer{Body: out, ContentType: ContentType}
}
