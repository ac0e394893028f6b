// Package server is the RPC entry point. It routes a request to the JSON-RPC
// or XML-RPC handler by content type and returns what that handler produced.
//
//	reg, _ := procedure.Build(procedure.Methods{Receiver: &Demo{}}, procedure.System, xmlrpc.Multicall)
//	srv := server.New(logger,
//		jsonrpc.NewHandler(procedure.NewInvoker(reg, logger)),
//		xmlrpc.NewHandler(procedure.NewInvoker(reg, logger)),
//	)
//	mux.Handle("/rpc", srv.Handler(auth.NewBasicAuthProcessor(store)))
package server

import (
	"context"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
	"github.com/nuclio/logger"
	"github.com/samber/lo"
)

// RequestIDHeader carries the request id. An inbound value is reused,
// otherwise a new one is generated. It is always echoed in the response.
const RequestIDHeader = "X-Request-Id"

// ProtocolHandler is implemented by jsonrpc.Handler and xmlrpc.Handler.
type ProtocolHandler interface {
	Protocol() procedure.Protocol
	// ContentTypes lists the request media types the handler accepts.
	ContentTypes() []string
	// Serve handles a request body. RPC level failures are part of the
	// rendered response, so it has no error return.
	Serve(ctx context.Context, r *http.Request, body []byte) endpoint.Renderer
}

// Server dispatches requests to an ordered list of protocol handlers.
type Server struct {
	logger   logger.Logger
	handlers []ProtocolHandler
}

// New creates a Server. The first handler accepting a request's content type
// wins. With a single handler every request goes to it regardless of content type.
func New(parentLogger logger.Logger, handlers ...ProtocolHandler) *Server {
	s := &Server{handlers: handlers}
	if parentLogger != nil {
		s.logger = parentLogger.GetChild("server")
	}
	return s
}

// Protocols returns the enabled protocols in dispatch order.
func (s *Server) Protocols() []procedure.Protocol {
	return lo.Map(s.handlers, func(h ProtocolHandler, _ int) procedure.Protocol {
		return h.Protocol()
	})
}

type rpcParams struct {
	Body        []byte `body:""`
	ContentType string `header:"Content-Type"`
	RequestID   string `header:"X-Request-Id"`
}

// Handler returns an http.Handler running processors before the dispatcher.
func (s *Server) Handler(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(s.Endpoint, processors...)
}

// Endpoint is the endpoint function. Pass to endpoint.Handler() to create an http.Handler.
func (s *Server) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	requestID := params.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "RPC requires POST method", nil)
	}

	h, err := s.Select(params.ContentType)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugWith("Rejected request",
				"requestID", requestID,
				"contentType", params.ContentType)
		}
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "", err)
	}

	if s.logger != nil {
		s.logger.DebugWith("Dispatching request",
			"requestID", requestID,
			"protocol", h.Protocol(),
			"remoteAddr", r.RemoteAddr,
			"size", len(params.Body))
	}
	return h.Serve(r.Context(), r, params.Body), nil
}

// Select returns the handler for a Content-Type header value.
func (s *Server) Select(contentType string) (ProtocolHandler, error) {
	if len(s.handlers) == 1 {
		return s.handlers[0], nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fault.ErrUnsupportedContentType
	}
	h, ok := lo.Find(s.handlers, func(h ProtocolHandler) bool {
		return lo.ContainsBy(h.ContentTypes(), func(ct string) bool {
			return strings.EqualFold(ct, mediaType)
		})
	})
	if !ok {
		return nil, fault.ErrUnsupportedContentType
	}
	return h, nil
}
