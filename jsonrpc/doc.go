// Package jsonrpc provides the JSON-RPC 2.0 protocol handler.
//
// This package implements the JSON-RPC 2.0 specification (https://www.jsonrpc.org/specification)
// and JSON-RPC over HTTP (https://www.simple-is-better.org/json-rpc/transport_http.html).
//
// # Basic Usage
//
// Build a registry, wrap it in an invoker and serve it:
//
//	reg, _ := procedure.Build(procedure.Methods{Namespace: "math", Receiver: &MathMethods{}})
//	h := jsonrpc.NewHandler(procedure.NewInvoker(reg, logger))
//	http.Handle("/rpc", endpoint.Handler(h.Endpoint))
//
// To serve JSON-RPC and XML-RPC on one URL, register the handler with
// server.New instead.
//
// # Errors
//
// Every RPC level failure is a JSON-RPC error object delivered with HTTP 200:
//   - malformed JSON: -32700, id null
//   - not an object, bad "jsonrpc", missing or non-string "method",
//     params neither array nor object, empty batch: -32600
//   - unknown method: -32601
//   - params that do not bind to the procedure: -32602
//   - auth predicate rejection: the invoker's AuthFaultCode (default -32001)
//   - any other procedure error or panic: -32603
//
// Procedures return a *fault.Fault to choose the code themselves:
//
//	return 0, fault.New(100, "division by zero")
//
// # Notifications and Batches
//
// A request without "id" is a notification: the procedure runs but nothing
// is written for it. A request made only of notifications is answered with
// 204 No Content. Batch elements are independent, and their responses keep
// request order. WithConcurrentBatch runs them concurrently.
//
// # Processor Integration
//
// Processors passed to endpoint.Handler run before the handler, for example
// to attach the caller identity:
//
//	http.Handle("/rpc", endpoint.Handler(h.Endpoint, auth.NewBasicAuthProcessor(store)))
//
// Processor errors return HTTP error responses (not JSON-RPC errors).
package jsonrpc
