package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
	nucliozap "github.com/nuclio/zap"
)

type mathMethods struct{}

func (m *mathMethods) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

func (m *mathMethods) ProcedureOptions(method string) []procedure.Option {
	if method == "Add" {
		return []procedure.Option{procedure.WithParams("a", "b")}
	}
	return nil
}

type testMethods struct {
	pings atomic.Int32
}

func (m *testMethods) Echo(ctx context.Context, v any) (any, error) {
	return v, nil
}

func (m *testMethods) Fail(ctx context.Context) error {
	return fault.New(-1000, "custom error")
}

func (m *testMethods) Broken(ctx context.Context) (string, error) {
	panic("broken")
}

func (m *testMethods) Ping(ctx context.Context) error {
	m.pings.Add(1)
	return nil
}

func (m *testMethods) Secret(ctx context.Context) (string, error) {
	return "s3cret", nil
}

func (m *testMethods) Chan(ctx context.Context) (chan int, error) {
	return make(chan int), nil
}

// exploding panics when encoded.
type exploding struct{}

func (exploding) MarshalJSON() ([]byte, error) {
	panic("marshal boom")
}

func (m *testMethods) Explode(ctx context.Context) (exploding, error) {
	return exploding{}, nil
}

func (m *testMethods) ProcedureOptions(method string) []procedure.Option {
	if method == "Secret" {
		return []procedure.Option{procedure.WithAuth(auth.Authenticated)}
	}
	return nil
}

func newTestHandler(t *testing.T, tm *testMethods, opts ...Option) *Handler {
	t.Helper()
	log, err := nucliozap.NewNuclioZapTest("jsonrpc")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg, err := procedure.Build(
		procedure.Methods{Receiver: &mathMethods{}},
		procedure.Methods{Namespace: "test", Receiver: tm},
		procedure.ModuleFunc(func(r *procedure.Registry) error {
			return r.Register("add", func(ctx context.Context, a, b int) (int, error) { return a + b, nil })
		}),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return NewHandler(procedure.NewInvoker(reg, log), opts...)
}

func serveRPC(h *Handler, processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(h.Endpoint, processors...)
}

func post(t *testing.T, handler http.Handler, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeObject(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func errorCode(t *testing.T, resp map[string]interface{}) int {
	t.Helper()
	e, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error in response %v", resp)
	}
	return int(e["code"].(float64))
}

func TestPOSTOnlyEnforcement(t *testing.T) {
	h := newTestHandler(t, &testMethods{})

	tests := []struct {
		method   string
		wantCode int
	}{
		{http.MethodGet, http.StatusMethodNotAllowed},
		{http.MethodPut, http.StatusMethodNotAllowed},
		{http.MethodDelete, http.StatusMethodNotAllowed},
		{http.MethodPost, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"test.Echo","params":["hello"],"id":1}`)))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			serveRPC(h).ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestAddReturnsResult(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	rec := post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"add","params":[2,3],"id":1}`)

	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("got content type %q", ct)
	}
	want := map[string]interface{}{"jsonrpc": "2.0", "result": float64(5), "id": float64(1)}
	if diff := cmp.Diff(want, decodeObject(t, rec)); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestNamedParams(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	resp := decodeObject(t, post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"Add","params":{"a":4,"b":6},"id":"x"}`))
	if resp["result"].(float64) != 10 {
		t.Errorf("got result %v, want 10", resp["result"])
	}
}

func TestIDEchoedExactly(t *testing.T) {
	h := newTestHandler(t, &testMethods{})

	tests := []struct {
		name string
		id   string
	}{
		{"number", `7`},
		{"string", `"7"`},
		{"large number", `12345678901234567890`},
		{"fraction", `1.5`},
		{"null", `null`},
		{"unicode string", `"ключ"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"test.Echo","params":[true],"id":`+tt.id+`}`)
			var resp struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if string(resp.ID) != tt.id {
				t.Errorf("got id %s, want %s", resp.ID, tt.id)
			}
		})
	}
}

func TestNotificationHandling(t *testing.T) {
	tm := &testMethods{}
	h := newTestHandler(t, tm)

	rec := post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"test.Ping"}`)
	if rec.Code != http.StatusNoContent {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("got body %q, want empty", rec.Body.String())
	}
	if tm.pings.Load() != 1 {
		t.Errorf("notification was not invoked")
	}
}

func TestNotificationErrorsAreSilent(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	rec := post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"ghost"}`)
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Errorf("got %d %q, want empty 204", rec.Code, rec.Body.String())
	}
}

func TestBatchRequestHandling(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		var opts []Option
		if concurrent {
			opts = append(opts, WithConcurrentBatch(2))
		}
		tm := &testMethods{}
		h := newTestHandler(t, tm, opts...)

		body := `[
			{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1},
			{"jsonrpc":"2.0","method":"test.Ping"},
			{"jsonrpc":"2.0","method":"ghost","id":"two"},
			{"jsonrpc":"2.0","method":"test.Echo","params":["x"],"id":3},
			{"jsonrpc":"2.0","method":"test.Fail","id":4},
			{"jsonrpc":"2.0","method":"test.Ping"},
			{"jsonrpc":"2.0","method":"add","params":[1],"id":5}
		]`
		rec := post(t, serveRPC(h), body)
		if rec.Code != http.StatusOK {
			t.Fatalf("got status %d", rec.Code)
		}

		var resps []map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		var ids []interface{}
		for _, r := range resps {
			ids = append(ids, r["id"])
		}
		if diff := cmp.Diff([]interface{}{float64(1), "two", float64(3), float64(4), float64(5)}, ids); diff != "" {
			t.Fatalf("concurrent=%v: ids mismatch (-want +got):\n%s", concurrent, diff)
		}
		if resps[0]["result"].(float64) != 3 {
			t.Errorf("got result %v, want 3", resps[0]["result"])
		}
		if code := errorCode(t, resps[1]); code != fault.CodeMethodNotFound {
			t.Errorf("got code %d, want %d", code, fault.CodeMethodNotFound)
		}
		if resps[2]["result"] != "x" {
			t.Errorf("got result %v, want x", resps[2]["result"])
		}
		if code := errorCode(t, resps[3]); code != -1000 {
			t.Errorf("got code %d, want -1000", code)
		}
		if code := errorCode(t, resps[4]); code != fault.CodeInvalidParams {
			t.Errorf("got code %d, want %d", code, fault.CodeInvalidParams)
		}
		if tm.pings.Load() != 2 {
			t.Errorf("got %d pings, want 2", tm.pings.Load())
		}
	}
}

func TestBatchEncodePanicStaysInElement(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		var opts []Option
		if concurrent {
			opts = append(opts, WithConcurrentBatch(0))
		}
		h := newTestHandler(t, &testMethods{}, opts...)

		body := `[
			{"jsonrpc":"2.0","method":"test.Explode","id":1},
			{"jsonrpc":"2.0","method":"add","params":[1,2],"id":2},
			{"jsonrpc":"2.0","method":"test.Explode"}
		]`
		rec := post(t, serveRPC(h), body)
		if rec.Code != http.StatusOK {
			t.Fatalf("concurrent=%v: got status %d", concurrent, rec.Code)
		}
		var resps []map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
			t.Fatalf("concurrent=%v: failed to parse response %q: %v", concurrent, rec.Body.String(), err)
		}
		if len(resps) != 2 {
			t.Fatalf("concurrent=%v: got %d responses, want 2", concurrent, len(resps))
		}
		if code := errorCode(t, resps[0]); code != fault.CodeInternalError || resps[0]["id"] != float64(1) {
			t.Errorf("concurrent=%v: got %v, want internal error for id 1", concurrent, resps[0])
		}
		if resps[1]["result"] != float64(3) {
			t.Errorf("concurrent=%v: got %v, want result 3", concurrent, resps[1])
		}
	}
}

func TestBatchOfNotifications(t *testing.T) {
	tm := &testMethods{}
	h := newTestHandler(t, tm)
	rec := post(t, serveRPC(h), `[{"jsonrpc":"2.0","method":"test.Ping"},{"jsonrpc":"2.0","method":"test.Ping"}]`)
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Errorf("got %d %q, want empty 204", rec.Code, rec.Body.String())
	}
	if tm.pings.Load() != 2 {
		t.Errorf("got %d pings, want 2", tm.pings.Load())
	}
}

func TestEmptyBatchRequest(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	resp := decodeObject(t, post(t, serveRPC(h), `[]`))
	if code := errorCode(t, resp); code != fault.CodeInvalidRequest {
		t.Errorf("got code %d, want %d", code, fault.CodeInvalidRequest)
	}
	if resp["id"] != nil {
		t.Errorf("got id %v, want null", resp["id"])
	}
}

func TestInvalidBatchElements(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	rec := post(t, serveRPC(h), `[1,"a",{"jsonrpc":"2.0","method":"add","params":[1,1],"id":9}]`)
	var resps []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for i := 0; i < 2; i++ {
		if code := errorCode(t, resps[i]); code != fault.CodeInvalidRequest {
			t.Errorf("element %d: got code %d", i, code)
		}
	}
	if resps[2]["result"].(float64) != 2 {
		t.Errorf("got result %v, want 2", resps[2]["result"])
	}
}

func TestParseError(t *testing.T) {
	h := newTestHandler(t, &testMethods{})

	for _, body := range []string{`{"jsonrpc":"2.0","method":`, `[{"jsonrpc":"2.0"},`, ``, `{} trailing`} {
		resp := decodeObject(t, post(t, serveRPC(h), body))
		if code := errorCode(t, resp); code != fault.CodeParseError {
			t.Errorf("body %q: got code %d, want %d", body, code, fault.CodeParseError)
		}
		if resp["id"] != nil {
			t.Errorf("body %q: got id %v, want null", body, resp["id"])
		}
	}
}

func TestInvalidRequest(t *testing.T) {
	h := newTestHandler(t, &testMethods{})

	tests := []struct {
		name string
		body string
	}{
		{"not an object", `42`},
		{"missing version", `{"method":"add","params":[1,2],"id":1}`},
		{"wrong version", `{"jsonrpc":"1.0","method":"add","params":[1,2],"id":1}`},
		{"missing method", `{"jsonrpc":"2.0","id":1}`},
		{"method not a string", `{"jsonrpc":"2.0","method":5,"id":1}`},
		{"params not structured", `{"jsonrpc":"2.0","method":"add","params":"x","id":1}`},
		{"object id", `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodeObject(t, post(t, serveRPC(h), tt.body))
			if code := errorCode(t, resp); code != fault.CodeInvalidRequest {
				t.Errorf("got code %d, want %d", code, fault.CodeInvalidRequest)
			}
		})
	}
}

func TestMethodNotFound(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	resp := decodeObject(t, post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"ghost","id":1}`))
	if code := errorCode(t, resp); code != fault.CodeMethodNotFound {
		t.Errorf("got code %d, want %d", code, fault.CodeMethodNotFound)
	}
	msg := resp["error"].(map[string]interface{})["message"].(string)
	if msg != "method not found: ghost" {
		t.Errorf("got message %q", msg)
	}
}

func TestInvalidParams(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	for _, params := range []string{`[1]`, `["a","b"]`, `{"a":1}`, `[1.5,2]`} {
		resp := decodeObject(t, post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"add","params":`+params+`,"id":1}`))
		if code := errorCode(t, resp); code != fault.CodeInvalidParams {
			t.Errorf("params %s: got code %d, want %d", params, code, fault.CodeInvalidParams)
		}
	}
}

func TestInternalErrors(t *testing.T) {
	tests := []struct {
		name     string
		debug    bool
		method   string
		wantData bool
	}{
		{"panic hidden", false, "test.Broken", false},
		{"panic exposed", true, "test.Broken", true},
		{"unencodable result", false, "test.Chan", false},
		{"panic while encoding", false, "test.Explode", false},
		{"panic while encoding exposed", true, "test.Explode", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &testMethods{})
			h.invoker.Debug = tt.debug
			resp := decodeObject(t, post(t, serveRPC(h), `{"jsonrpc":"2.0","method":"`+tt.method+`","id":1}`))
			if code := errorCode(t, resp); code != fault.CodeInternalError {
				t.Fatalf("got code %d, want %d", code, fault.CodeInternalError)
			}
			_, hasData := resp["error"].(map[string]interface{})["data"]
			if hasData != tt.wantData {
				t.Errorf("got data present %v, want %v", hasData, tt.wantData)
			}
		})
	}
}

func TestAuthFault(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	store := auth.NewPasswordStore(4)
	if err := store.SetPassword(auth.User{Username: "alice"}, "pw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	handler := serveRPC(h, auth.NewBasicAuthProcessor(store))
	body := `{"jsonrpc":"2.0","method":"test.Secret","id":1}`

	resp := decodeObject(t, post(t, handler, body))
	if code := errorCode(t, resp); code != fault.CodeAuthDenied {
		t.Errorf("anonymous: got code %d, want %d", code, fault.CodeAuthDenied)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if code := errorCode(t, decodeObject(t, rec)); code != fault.CodeAuthDenied {
		t.Errorf("bad password: got code %d, want %d", code, fault.CodeAuthDenied)
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("alice", "pw")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if resp := decodeObject(t, rec); resp["result"] != "s3cret" {
		t.Errorf("authenticated: got %v", resp)
	}
}

func TestProcessorErrorReturnsHTTPError(t *testing.T) {
	h := newTestHandler(t, &testMethods{})
	deny := endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return endpoint.Error(http.StatusForbidden, "forbidden", nil)
	})
	rec := post(t, serveRPC(h, deny), `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestJSONIterBackend(t *testing.T) {
	h := newTestHandler(t, &testMethods{}, WithCodec(codec.NewIterJSON()))
	rec := post(t, serveRPC(h), `[{"jsonrpc":"2.0","method":"add","params":[2,3],"id":"a"},{"jsonrpc":"2.0","method":"test.Echo","params":[{"k":[1,null]}],"id":2}]`)

	var resps []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	want := []map[string]interface{}{
		{"jsonrpc": "2.0", "result": float64(5), "id": "a"},
		{"jsonrpc": "2.0", "result": map[string]interface{}{"k": []interface{}{float64(1), nil}}, "id": float64(2)},
	}
	if diff := cmp.Diff(want, resps); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}
