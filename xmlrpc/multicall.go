package xmlrpc

import (
	"context"

	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
	"github.com/nuclio/errors"
)

// MulticallName is the name of the batching procedure.
const MulticallName = "system.multicall"

// Multicall registers system.multicall, restricted to XML-RPC.
var Multicall procedure.Module = procedure.ModuleFunc(RegisterMulticall)

func RegisterMulticall(r *procedure.Registry) error {
	return r.Register(MulticallName, multicall,
		procedure.WithParams("calls"),
		procedure.WithProtocols(procedure.ProtocolXML),
		procedure.WithSignature("array", "array"),
		procedure.WithDoc("Runs several calls in one request. Each entry of calls is a struct "+
			"{methodName, params}. The result holds, in order, a one-element array with the "+
			"value of each successful call or a {faultCode, faultString} struct for each failed one."),
	)
}

// multicall dispatches each entry independently through the handler that
// received the outer call.
func multicall(ctx context.Context, req *procedure.Request, calls []any) ([]any, error) {
	h, ok := ctx.Value(handlerKey{}).(*Handler)
	if !ok {
		return nil, errors.New("system.multicall called outside of an XML-RPC handler")
	}

	results := make([]any, len(calls))
	procedure.ForEach(ctx, len(calls), h.concurrent, h.limit, func(ctx context.Context, i int) {
		results[i] = h.multicallEntry(ctx, req, calls[i])
	})
	return results, nil
}

func (h *Handler) multicallEntry(ctx context.Context, parent *procedure.Request, entry any) (out any) {
	m, ok := entry.(map[string]any)
	if !ok {
		return faultStruct(fault.InvalidParams("multicall entry must be a struct"))
	}
	method, ok := m["methodName"].(string)
	if !ok || method == "" {
		return faultStruct(fault.InvalidParams("multicall entry is missing methodName"))
	}
	if method == MulticallName {
		return faultStruct(fault.InvalidRequest("recursive system.multicall is not allowed"))
	}

	var args []any
	switch p := m["params"].(type) {
	case nil:
	case []any:
		args = p
	default:
		return faultStruct(fault.InvalidParams("multicall params must be an array"))
	}

	sub := parent.Sub(method, args)
	defer h.invoker.Recover(sub, func(f *fault.Fault) {
		out = faultStruct(f)
	})
	result, f := h.invoker.Invoke(ctx, sub)
	if f != nil {
		return faultStruct(f)
	}
	// An entry whose value cannot be encoded must fail alone.
	if _, err := h.codec.EncodeResponse(result); err != nil {
		return faultStruct(h.invoker.Fail(sub, err))
	}
	return []any{result}
}

func faultStruct(f *fault.Fault) codec.Struct {
	return codec.Struct{
		{Name: "faultCode", Value: f.Code},
		{Name: "faultString", Value: f.Message},
	}
}
