package server

import (
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/config"
	"github.com/mnehpets/modernrpc/jsonrpc"
	"github.com/mnehpets/modernrpc/metrics"
	"github.com/mnehpets/modernrpc/middleware"
	"github.com/mnehpets/modernrpc/procedure"
	"github.com/mnehpets/modernrpc/xmlrpc"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// FromConfig builds a Server for reg with the handlers enabled in cfg, in
// cfg.Protocols order. collector may be nil.
func FromConfig(cfg *config.Config, reg *procedure.Registry, parentLogger logger.Logger, collector *metrics.Collector) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid configuration")
	}

	invoker := procedure.NewInvoker(reg, parentLogger)
	invoker.Metrics = collector
	invoker.AuthFaultCode = cfg.AuthFaultCode
	invoker.Debug = cfg.Debug
	invoker.LogExceptions = cfg.ShouldLogExceptions()

	var handlers []ProtocolHandler
	for _, protocol := range cfg.Protocols {
		switch protocol {
		case config.ProtocolJSONRPC:
			jsonCodec, err := codec.NewJSON(cfg.JSONBackend)
			if err != nil {
				return nil, err
			}
			opts := []jsonrpc.Option{jsonrpc.WithCodec(jsonCodec)}
			if len(cfg.JSON.ContentTypes) > 0 {
				opts = append(opts, jsonrpc.WithContentTypes(cfg.JSON.ContentTypes...))
			}
			if cfg.ConcurrentBatch {
				opts = append(opts, jsonrpc.WithConcurrentBatch(cfg.BatchConcurrency))
			}
			handlers = append(handlers, jsonrpc.NewHandler(invoker, opts...))

		case config.ProtocolXMLRPC:
			opts := []xmlrpc.Option{
				xmlrpc.WithAllowNone(cfg.XML.AllowNone),
				xmlrpc.WithEncoding(cfg.Encoding),
			}
			if len(cfg.XML.ContentTypes) > 0 {
				opts = append(opts, xmlrpc.WithContentTypes(cfg.XML.ContentTypes...))
			}
			if cfg.ConcurrentBatch {
				opts = append(opts, xmlrpc.WithConcurrentMulticall(cfg.BatchConcurrency))
			}
			handlers = append(handlers, xmlrpc.NewHandler(invoker, opts...))
		}
	}

	return New(parentLogger, handlers...), nil
}

// HeadersFromConfig returns the response headers processor for the RPC
// endpoint, allowing the origins listed in cfg.CORS.
func HeadersFromConfig(cfg *config.Config, opts ...middleware.HeadersOption) *middleware.HeadersProcessor {
	if len(cfg.CORS.AllowedOrigins) > 0 {
		opts = append([]middleware.HeadersOption{middleware.WithCORS(middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		})}, opts...)
	}
	return middleware.NewHeadersProcessor(opts...)
}
