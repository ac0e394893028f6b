package client

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/nuclio/errors"
)

// JSONClient calls procedures over JSON-RPC 2.0.
type JSONClient struct {
	*transport
	codec codec.JSON
}

// NewJSONClient creates a client posting to url.
func NewJSONClient(url string, opts ...Option) *JSONClient {
	return &JSONClient{transport: newTransport(url, opts), codec: codec.StdJSON{}}
}

// Call invokes method with params, a slice for positional or a struct or map
// for named parameters, and decodes the result into reply. A null result
// leaves reply untouched.
func (c *JSONClient) Call(ctx context.Context, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return errors.Wrap(err, "Failed to encode request")
	}
	_, respBody, err := c.post(ctx, "application/json", body)
	if err != nil {
		return err
	}

	err = json2.DecodeClientResponse(bytes.NewReader(respBody), reply)
	switch {
	case err == nil, err == json2.ErrNullResult:
		return nil
	default:
		if rpcErr, ok := err.(*json2.Error); ok {
			return &fault.Fault{Kind: kindOf(int(rpcErr.Code)), Code: int(rpcErr.Code), Message: rpcErr.Message, Data: rpcErr.Data}
		}
		return errors.Wrap(err, "Failed to decode response")
	}
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notify invokes method without waiting for a result. The server answers
// 204 No Content.
func (c *JSONClient) Notify(ctx context.Context, method string, params any) error {
	body, err := c.codec.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "Failed to encode notification")
	}
	status, _, err := c.post(ctx, "application/json", body)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return errors.Errorf("Expected 204 for a notification, got %d", status)
	}
	return nil
}

func kindOf(code int) fault.Kind {
	switch code {
	case fault.CodeParseError:
		return fault.KindParse
	case fault.CodeInvalidRequest:
		return fault.KindInvalidRequest
	case fault.CodeMethodNotFound:
		return fault.KindMethodNotFound
	case fault.CodeInvalidParams:
		return fault.KindInvalidParams
	case fault.CodeInternalError:
		return fault.KindInternal
	case fault.CodeAuthDenied:
		return fault.KindAuthDenied
	}
	return fault.KindCustom
}
