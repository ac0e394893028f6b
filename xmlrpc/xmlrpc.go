// Package xmlrpc provides the XML-RPC protocol handler and system.multicall.
//
// Every call is answered with a <methodResponse>: a value on success or a
// <fault> struct otherwise, always with HTTP 200. XML-RPC has no
// notifications. Batching is done with the system.multicall procedure, which
// must be registered with the Multicall module.
package xmlrpc

import (
	"context"
	"net/http"

	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
)

// DefaultContentTypes are the request content types accepted by default.
var DefaultContentTypes = []string{"text/xml", "application/xml"}

// Handler decodes XML-RPC calls, dispatches them through a procedure.Invoker
// and encodes the responses.
type Handler struct {
	invoker      *procedure.Invoker
	codec        *codec.XML
	contentTypes []string
	concurrent   bool
	limit        int
}

// Option configures a Handler.
type Option func(*Handler)

// WithAllowNone enables the <nil/> extension for null results.
func WithAllowNone(allow bool) Option {
	return func(h *Handler) {
		h.codec.AllowNone = allow
	}
}

// WithEncoding sets the response charset. The default is utf-8.
func WithEncoding(encoding string) Option {
	return func(h *Handler) {
		h.codec.Encoding = encoding
	}
}

// WithContentTypes replaces the accepted request content types.
func WithContentTypes(types ...string) Option {
	return func(h *Handler) {
		h.contentTypes = types
	}
}

// WithConcurrentMulticall runs system.multicall entries concurrently, at most
// limit at a time (0 means no limit). Results keep request order.
func WithConcurrentMulticall(limit int) Option {
	return func(h *Handler) {
		h.concurrent = true
		h.limit = limit
	}
}

func NewHandler(invoker *procedure.Invoker, opts ...Option) *Handler {
	h := &Handler{
		invoker:      invoker,
		codec:        &codec.XML{},
		contentTypes: DefaultContentTypes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Protocol() procedure.Protocol {
	return procedure.ProtocolXML
}

func (h *Handler) ContentTypes() []string {
	return h.contentTypes
}

func (h *Handler) contentType() string {
	enc := h.codec.Encoding
	if enc == "" {
		enc = "utf-8"
	}
	return "text/xml; charset=" + enc
}

type rpcParams struct {
	Body []byte `body:""`
}

// Endpoint is the endpoint function for an XML-RPC only URL.
// Pass to endpoint.Handler() to create an http.Handler.
func (h *Handler) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "XML-RPC requires POST method", nil)
	}
	return h.Serve(r.Context(), r, params.Body), nil
}

type handlerKey struct{}

// Serve handles one HTTP request body. It always returns a renderer: a
// panic while invoking or encoding is sent as an internal fault.
func (h *Handler) Serve(ctx context.Context, r *http.Request, body []byte) (rendered endpoint.Renderer) {
	id, _ := auth.IdentityFromContext(ctx)
	req := &procedure.Request{Protocol: procedure.ProtocolXML, Identity: id}
	if r != nil {
		req.Header = r.Header
		req.RemoteAddr = r.RemoteAddr
	}

	c, err := h.codec.DecodeCall(body)
	if err != nil {
		return h.fault(fault.ParseError(err.Error()))
	}
	req.Method = c.Method
	req.Args = c.Params

	ctx = context.WithValue(ctx, handlerKey{}, h)
	defer h.invoker.Recover(req, func(f *fault.Fault) {
		rendered = h.fault(f)
	})
	result, f := h.invoker.Invoke(ctx, req)
	if f != nil {
		return h.fault(f)
	}

	out, err := h.codec.EncodeResponse(result)
	if err != nil {
		return h.fault(h.invoker.Fail(req, err))
	}
	return &endpoint.BytesRenderer{Body: out, ContentType: h.contentType()}
}

func (h *Handler) fault(f *fault.Fault) endpoint.Renderer {
	out, err := h.codec.EncodeFault(f.Code, f.Message)
	if err != nil {
		// Only a bad Encoding can fail here; fall back to utf-8.
		out, _ = (&codec.XML{}).EncodeFault(f.Code, f.Message)
		return &endpoint.BytesRenderer{Body: out, ContentType: "text/xml; charset=utf-8"}
	}
	return &endpoint.BytesRenderer{Body: out, ContentType: h.contentType()}
}
