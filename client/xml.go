package client

import (
	"context"

	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/nuclio/errors"
)

// XMLClient calls procedures over XML-RPC.
type XMLClient struct {
	*transport
	codec *codec.XML
}

// NewXMLClient creates a client posting to url. Nil parameters are sent as
// <nil/>, which the server accepts only with xml.allowNone.
func NewXMLClient(url string, opts ...Option) *XMLClient {
	return &XMLClient{transport: newTransport(url, opts), codec: &codec.XML{AllowNone: true}}
}

// Call invokes method with positional params and returns the decoded result,
// using the value types documented on codec.XML.
func (c *XMLClient) Call(ctx context.Context, method string, params ...any) (any, error) {
	body, err := c.codec.EncodeCall(method, params...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode request")
	}
	_, respBody, err := c.post(ctx, "text/xml", body)
	if err != nil {
		return nil, err
	}
	result, err := c.codec.DecodeResponse(respBody)
	if err != nil {
		if f, ok := err.(*fault.Fault); ok {
			f.Kind = kindOf(f.Code)
			return nil, f
		}
		return nil, errors.Wrap(err, "Failed to decode response")
	}
	return result, nil
}

// MulticallEntry is one call of a system.multicall batch.
type MulticallEntry struct {
	Method string
	Params []any
}

// MulticallResult is the outcome of one MulticallEntry. Exactly one of
// Value and Fault is meaningful.
type MulticallResult struct {
	Value any
	Fault *fault.Fault
}

// Multicall runs entries in one system.multicall request. A failed entry
// does not fail the others.
func (c *XMLClient) Multicall(ctx context.Context, entries ...MulticallEntry) ([]MulticallResult, error) {
	calls := make([]any, len(entries))
	for i, e := range entries {
		params := e.Params
		if params == nil {
			params = []any{}
		}
		calls[i] = codec.Struct{{Name: "methodName", Value: e.Method}, {Name: "params", Value: params}}
	}

	raw, err := c.Call(ctx, "system.multicall", calls)
	if err != nil {
		return nil, err
	}
	items, ok := raw.([]any)
	if !ok || len(items) != len(entries) {
		return nil, errors.Errorf("Malformed multicall response: %v", raw)
	}

	results := make([]MulticallResult, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case []any:
			if len(v) != 1 {
				return nil, errors.Errorf("Malformed multicall result %d: %v", i, v)
			}
			results[i].Value = v[0]
		case map[string]any:
			f := &fault.Fault{}
			if code, ok := v["faultCode"].(int64); ok {
				f.Code = int(code)
				f.Kind = kindOf(f.Code)
			}
			f.Message, _ = v["faultString"].(string)
			results[i].Fault = f
		default:
			return nil, errors.Errorf("Malformed multicall result %d: %v", i, v)
		}
	}
	return results, nil
}
