package xmlrpc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/mnehpets/modernrpc/procedure"
	nucliozap "github.com/nuclio/zap"
)

type demoMethods struct{}

func (d *demoMethods) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

func (d *demoMethods) Echo(ctx context.Context, v any) (any, error) {
	return v, nil
}

func (d *demoMethods) Nothing(ctx context.Context) (any, error) {
	return nil, nil
}

func (d *demoMethods) Secret(ctx context.Context) (string, error) {
	return "s3cret", nil
}

func (d *demoMethods) ProcedureOptions(method string) []procedure.Option {
	if method == "Secret" {
		return []procedure.Option{procedure.WithAuth(auth.Authenticated)}
	}
	return nil
}

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	log, err := nucliozap.NewNuclioZapTest("xmlrpc")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	reg, err := procedure.Build(
		procedure.Methods{Namespace: "demo", Receiver: &demoMethods{}},
		procedure.ModuleFunc(func(r *procedure.Registry) error {
			if err := r.Register("add", func(ctx context.Context, a, b int) (int, error) { return a + b, nil }); err != nil {
				return err
			}
			return r.Register("guarded", func(ctx context.Context) (string, error) { return "unreachable", nil },
				procedure.WithAuth(func(auth.Identity) bool { panic("predicate boom") }))
		}),
		procedure.System,
		Multicall,
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return NewHandler(procedure.NewInvoker(reg, log), opts...)
}

func call(t *testing.T, handler http.Handler, method string, params ...any) (*httptest.ResponseRecorder, any, error) {
	t.Helper()
	c := &codec.XML{AllowNone: true}
	body, err := c.EncodeCall(method, params...)
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	return postXML(t, handler, body)
}

func postXML(t *testing.T, handler http.Handler, body []byte) (*httptest.ResponseRecorder, any, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/xml")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	v, err := (&codec.XML{AllowNone: true}).DecodeResponse(rec.Body.Bytes())
	return rec, v, err
}

func wantFault(t *testing.T, err error, code int) *fault.Fault {
	t.Helper()
	f, ok := err.(*fault.Fault)
	if !ok {
		t.Fatalf("got %v, want fault %d", err, code)
	}
	if f.Code != code {
		t.Fatalf("got fault code %d (%s), want %d", f.Code, f.Message, code)
	}
	return f
}

func TestCallSuccess(t *testing.T) {
	h := newTestHandler(t)
	rec, v, err := call(t, endpoint.Handler(h.Endpoint), "add", 2, 3)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if v != int64(5) {
		t.Errorf("got %v (%T), want 5", v, v)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml; charset=utf-8" {
		t.Errorf("got content type %q", ct)
	}
}

func TestEchoValueModel(t *testing.T) {
	h := newTestHandler(t)
	when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	in := map[string]any{
		"b":    true,
		"i":    int64(-7),
		"f":    2.5,
		"s":    "<tag> & text",
		"list": []any{int64(1), "two", []any{}},
		"when": when,
		"raw":  []byte{0, 1, 2},
	}
	_, v, err := call(t, endpoint.Handler(h.Endpoint), "demo.Echo", in)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if diff := cmp.Diff(in, v); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newTestHandler(t)
	_, _, err := call(t, endpoint.Handler(h.Endpoint), "ghost")
	f := wantFault(t, err, fault.CodeMethodNotFound)
	if !strings.Contains(f.Message, "ghost") {
		t.Errorf("message %q does not name the method", f.Message)
	}
}

func TestInvalidParams(t *testing.T) {
	h := newTestHandler(t)
	_, _, err := call(t, endpoint.Handler(h.Endpoint), "add", "two", 3)
	wantFault(t, err, fault.CodeInvalidParams)

	_, _, err = call(t, endpoint.Handler(h.Endpoint), "add", 1)
	wantFault(t, err, fault.CodeInvalidParams)
}

func TestMalformedXML(t *testing.T) {
	h := newTestHandler(t)
	for _, body := range []string{
		`<methodCall><methodName>add</methodName>`,
		`not xml at all`,
		`<methodCall><params/></methodCall>`,
		`<methodCall><methodName>add</methodName><params><param><value><int>x</int></value></param></params></methodCall>`,
	} {
		_, _, err := postXML(t, endpoint.Handler(h.Endpoint), []byte(body))
		wantFault(t, err, fault.CodeParseError)
	}
}

func TestNullResult(t *testing.T) {
	h := newTestHandler(t)
	_, _, err := call(t, endpoint.Handler(h.Endpoint), "demo.Nothing")
	wantFault(t, err, fault.CodeInternalError)

	h = newTestHandler(t, WithAllowNone(true))
	_, v, err := call(t, endpoint.Handler(h.Endpoint), "demo.Nothing")
	if err != nil || v != nil {
		t.Errorf("got %v, %v; want nil result", v, err)
	}
}

func TestAuthFault(t *testing.T) {
	h := newTestHandler(t)
	store := auth.NewPasswordStore(4)
	if err := store.SetPassword(auth.User{Username: "alice"}, "pw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	handler := endpoint.Handler(h.Endpoint, auth.NewBasicAuthProcessor(store))

	_, _, err := call(t, handler, "demo.Secret")
	wantFault(t, err, fault.CodeAuthDenied)

	body, _ := (&codec.XML{}).EncodeCall("demo.Secret")
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.SetBasicAuth("alice", "pw")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	v, err := (&codec.XML{}).DecodeResponse(rec.Body.Bytes())
	if err != nil || v != "s3cret" {
		t.Errorf("authenticated: got %v, %v", v, err)
	}
}

func TestMulticall(t *testing.T) {
	for _, opts := range [][]Option{nil, {WithConcurrentMulticall(2)}} {
		h := newTestHandler(t, opts...)
		calls := []any{
			map[string]any{"methodName": "add", "params": []any{2, 3}},
			map[string]any{"methodName": "ghost", "params": []any{}},
			map[string]any{"methodName": "demo.Secret"},
			map[string]any{"methodName": "demo.Nothing"},
			map[string]any{"methodName": "system.multicall", "params": []any{[]any{}}},
			"junk",
			map[string]any{"methodName": "demo.Echo", "params": []any{"last"}},
		}
		_, v, err := call(t, endpoint.Handler(h.Endpoint), "system.multicall", calls)
		if err != nil {
			t.Fatalf("unexpected fault: %v", err)
		}

		want := []any{
			[]any{int64(5)},
			map[string]any{"faultCode": int64(fault.CodeMethodNotFound), "faultString": "method not found: ghost"},
			map[string]any{"faultCode": int64(fault.CodeAuthDenied), "faultString": `authentication failed when calling "demo.Secret"`},
			map[string]any{"faultCode": int64(fault.CodeInternalError), "faultString": "internal error"},
			map[string]any{"faultCode": int64(fault.CodeInvalidRequest), "faultString": "invalid request: recursive system.multicall is not allowed"},
			map[string]any{"faultCode": int64(fault.CodeInvalidParams), "faultString": "invalid params: multicall entry must be a struct"},
			[]any{"last"},
		}
		if diff := cmp.Diff(want, v); diff != "" {
			t.Errorf("multicall mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestPanicOutsideProcedure(t *testing.T) {
	h := newTestHandler(t)
	_, _, err := call(t, endpoint.Handler(h.Endpoint), "guarded")
	wantFault(t, err, fault.CodeInternalError)

	for _, opts := range [][]Option{nil, {WithConcurrentMulticall(0)}} {
		h := newTestHandler(t, opts...)
		_, v, err := call(t, endpoint.Handler(h.Endpoint), "system.multicall", []any{
			map[string]any{"methodName": "guarded"},
			map[string]any{"methodName": "add", "params": []any{1, 2}},
		})
		if err != nil {
			t.Fatalf("unexpected fault: %v", err)
		}
		want := []any{
			map[string]any{"faultCode": int64(fault.CodeInternalError), "faultString": "internal error"},
			[]any{int64(3)},
		}
		if diff := cmp.Diff(want, v); diff != "" {
			t.Errorf("multicall mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestMulticallScenario(t *testing.T) {
	h := newTestHandler(t)
	_, v, err := call(t, endpoint.Handler(h.Endpoint), "system.multicall", []any{
		map[string]any{"methodName": "add", "params": []any{1, 1}},
		map[string]any{"methodName": "nope", "params": []any{}},
	})
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	results := v.([]any)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if diff := cmp.Diff([]any{int64(2)}, results[0]); diff != "" {
		t.Errorf("first result mismatch (-want +got):\n%s", diff)
	}
	f := results[1].(map[string]any)
	if f["faultCode"] != int64(fault.CodeMethodNotFound) {
		t.Errorf("got fault %v", f)
	}
}

func TestMulticallNotCallableOverJSON(t *testing.T) {
	h := newTestHandler(t)
	_, f := h.invoker.Invoke(context.Background(), &procedure.Request{
		Protocol: procedure.ProtocolJSON,
		Method:   MulticallName,
		Args:     []any{[]any{}},
	})
	if f == nil || f.Code != fault.CodeMethodNotFound {
		t.Fatalf("got %v, want method not found", f)
	}
}

func TestIntrospection(t *testing.T) {
	h := newTestHandler(t)
	_, v, err := call(t, endpoint.Handler(h.Endpoint), "system.listMethods")
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	want := []any{"add", "demo.Add", "demo.Echo", "demo.Nothing", "demo.Secret", "guarded",
		"system.listMethods", "system.methodHelp", "system.methodSignature", "system.multicall"}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("listMethods mismatch (-want +got):\n%s", diff)
	}

	_, v, err = call(t, endpoint.Handler(h.Endpoint), "system.methodSignature", "system.multicall")
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if diff := cmp.Diff([]any{[]any{"array", "array"}}, v); diff != "" {
		t.Errorf("methodSignature mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodingOption(t *testing.T) {
	h := newTestHandler(t, WithEncoding("iso-8859-1"))
	rec, v, err := call(t, endpoint.Handler(h.Endpoint), "demo.Echo", "café")
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if v != "café" {
		t.Errorf("got %q", v)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("caf\xe9")) {
		t.Errorf("body is not latin-1 encoded: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml; charset=iso-8859-1" {
		t.Errorf("got content type %q", ct)
	}
}

func TestPOSTOnly(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	endpoint.Handler(h.Endpoint).ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
