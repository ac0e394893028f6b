package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/mnehpets/modernrpc/auth"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/nuclio/errors"
	"github.com/samber/lo"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	requestType = reflect.TypeOf((*Request)(nil))
	timeType    = reflect.TypeOf(time.Time{})
)

// Param describes one declared parameter of a procedure.
type Param struct {
	Name string
	Type reflect.Type

	// field is the struct field index when the procedure takes a params struct.
	field int
}

// Entry is a registered procedure. It is immutable once registered.
type Entry struct {
	Name       string
	Doc        string
	Params     []Param
	Predicates []auth.Predicate
	// Protocols restricts which handlers may call the procedure. Empty means all.
	Protocols []Protocol
	// Signature holds XML-RPC type names, return type first, for system.methodSignature.
	Signature []string
	// InjectRequest is set when the function takes a *Request after its context.
	InjectRequest bool

	fn         reflect.Value
	paramNames []string
	structType reflect.Type
	hasResult  bool
	alias      string
	excluded   bool
}

// newEntry validates fn and captures its parameter descriptor.
//
// Accepted shapes:
//
//	func(ctx context.Context, [req *Request,] args...) (R, error)
//	func(ctx context.Context, [req *Request,] args...) error
//
// A single struct argument without WithParams is a params struct: its fields,
// named by json tags, are the procedure parameters.
func newEntry(name string, fn reflect.Value, opts []Option) (*Entry, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, errors.Wrapf(ErrSignature, "%s: not a function", name)
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, errors.Wrapf(ErrSignature, "%s: variadic functions are not supported", name)
	}
	if ft.NumIn() == 0 || ft.In(0) != contextType {
		return nil, errors.Wrapf(ErrSignature, "%s: first parameter must be context.Context", name)
	}

	e := &Entry{Name: name, fn: fn}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		e.hasResult = true
	default:
		return nil, errors.Wrapf(ErrSignature, "%s: must return (result, error) or error", name)
	}

	offset := 1
	if ft.NumIn() > 1 && ft.In(1) == requestType {
		e.InjectRequest = true
		offset = 2
	}
	for _, opt := range opts {
		opt(e)
	}

	n := ft.NumIn() - offset
	if len(e.paramNames) > 0 && len(e.paramNames) != n {
		return nil, errors.Wrapf(ErrSignature, "%s: %d parameter names given for %d parameters", name, len(e.paramNames), n)
	}

	if len(e.paramNames) == 0 && n == 1 && isParamsStruct(ft.In(offset)) {
		e.structType = ft.In(offset)
		e.Params, e.alias = structParams(e.structType)
		return e, nil
	}

	for i := 0; i < n; i++ {
		pname := fmt.Sprintf("arg%d", i)
		if len(e.paramNames) > 0 {
			pname = e.paramNames[i]
		}
		e.Params = append(e.Params, Param{Name: pname, Type: ft.In(offset + i), field: -1})
	}
	return e, nil
}

func isParamsStruct(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t != timeType
}

// structParams lists the fields of a params struct. A blank field tagged
// `rpc:"name"` renames the procedure when it is registered from a module.
func structParams(t reflect.Type) ([]Param, string) {
	var params []Param
	alias := ""
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "_" {
			if tag := f.Tag.Get("rpc"); tag != "" {
				alias = tag
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			name, _, _ = strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
		}
		params = append(params, Param{Name: name, Type: f.Type, field: i})
	}
	return params, alias
}

// Available reports whether the procedure may be called over protocol p.
func (e *Entry) Available(p Protocol) bool {
	return len(e.Protocols) == 0 || lo.Contains(e.Protocols, p)
}

// Allowed runs the auth predicates against id.
func (e *Entry) Allowed(id auth.Identity) bool {
	return auth.Evaluate(e.Predicates, id)
}

// Call binds req.Args to the declared parameters and invokes the procedure.
//
// Binding failures are returned as InvalidParams faults. A panic inside the
// procedure is recovered and returned as an internal fault. Any other error
// is the procedure's own and is returned unchanged.
func (e *Entry) Call(ctx context.Context, req *Request) (result any, err error) {
	args, err := e.bind(req.Args)
	if err != nil {
		return nil, err
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(ctx))
	if e.InjectRequest {
		in = append(in, reflect.ValueOf(req))
	}
	in = append(in, args...)

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fault.Internal(errors.Errorf("panic in %s: %v\n%s", e.Name, r, debug.Stack()))
		}
	}()

	out := e.fn.Call(in)
	errValue := out[len(out)-1]
	if !errValue.IsNil() {
		return nil, errValue.Interface().(error)
	}
	if e.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (e *Entry) bind(args any) ([]reflect.Value, error) {
	switch a := args.(type) {
	case nil:
		return e.bindPositional(nil)
	case []any:
		return e.bindPositional(a)
	case map[string]any:
		return e.bindNamed(a)
	}
	return nil, fault.InvalidParams(fmt.Sprintf("unsupported params type %T", args))
}

func (e *Entry) bindPositional(args []any) ([]reflect.Value, error) {
	if len(args) != len(e.Params) {
		return nil, fault.InvalidParams(fmt.Sprintf("%s takes %d params, got %d", e.Name, len(e.Params), len(args)))
	}
	if e.structType != nil {
		named := make(map[string]any, len(args))
		for i, p := range e.Params {
			named[p.Name] = args[i]
		}
		return e.bindNamed(named)
	}
	values := make([]reflect.Value, len(args))
	for i, p := range e.Params {
		v, err := convert(args[i], p.Type)
		if err != nil {
			return nil, fault.InvalidParams(fmt.Sprintf("param %q: %s", p.Name, err))
		}
		values[i] = v
	}
	return values, nil
}

func (e *Entry) bindNamed(args map[string]any) ([]reflect.Value, error) {
	for _, p := range e.Params {
		if _, ok := args[p.Name]; !ok {
			return nil, fault.InvalidParams("missing param: " + p.Name)
		}
	}
	if len(args) != len(e.Params) {
		unknown := lo.Filter(lo.Keys(args), func(k string, _ int) bool {
			return !lo.ContainsBy(e.Params, func(p Param) bool { return p.Name == k })
		})
		sort.Strings(unknown)
		return nil, fault.InvalidParams("unknown params: " + strings.Join(unknown, ", "))
	}

	if e.structType != nil {
		v := reflect.New(e.structType).Elem()
		for _, p := range e.Params {
			fv, err := convert(args[p.Name], p.Type)
			if err != nil {
				return nil, fault.InvalidParams(fmt.Sprintf("param %q: %s", p.Name, err))
			}
			v.Field(p.field).Set(fv)
		}
		return []reflect.Value{v}, nil
	}

	positional := make([]any, len(e.Params))
	for i, p := range e.Params {
		positional[i] = args[p.Name]
	}
	return e.bindPositional(positional)
}

// convert turns a protocol-neutral value into a value of type t.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t)
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return out.Elem(), nil
		}
		return reflect.Value{}, errors.Errorf("null is not a valid %s", t)
	}
	if reflect.TypeOf(v) == t {
		return reflect.ValueOf(v), nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out.Interface(),
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			strictNumberHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := decoder.Decode(v); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}

// strictNumberHook resolves json.Number for interface targets. It rejects
// numbers bound to strings, fractional values bound to integers and values
// out of the target's range.
func strictNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Interface:
		if n, ok := data.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			return n.Float64()
		}
	case reflect.String:
		if _, ok := data.(json.Number); ok {
			return nil, errors.Errorf("expected a string, got number %s", data)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if err := checkRange(data, to); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// checkRange reports whether the numeric data fits a value of type to.
// Non-numeric data is left to the decoder.
func checkRange(data any, to reflect.Type) error {
	var (
		i      int64
		u      uint64
		f      float64
		isInt  bool
		isUint bool
	)
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, isInt = v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, isUint = v.Uint(), true
	case reflect.Float32, reflect.Float64:
		f = v.Float()
	case reflect.String:
		n, ok := data.(json.Number)
		if !ok {
			return nil
		}
		var err error
		if i, err = n.Int64(); err == nil {
			isInt = true
		} else if u, err = strconv.ParseUint(string(n), 10, 64); err == nil {
			isUint = true
		} else if f, err = n.Float64(); err != nil {
			return errors.Errorf("%s is not a number", n)
		}
	default:
		return nil
	}

	target := reflect.New(to).Elem()
	overflow := false
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch {
		case isInt:
			overflow = target.OverflowInt(i)
		case isUint:
			overflow = u > math.MaxInt64 || target.OverflowInt(int64(u))
		default:
			if f != math.Trunc(f) {
				return errors.Errorf("%v is not an integer", f)
			}
			overflow = f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f))
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch {
		case isInt:
			overflow = i < 0 || target.OverflowUint(uint64(i))
		case isUint:
			overflow = target.OverflowUint(u)
		default:
			if f != math.Trunc(f) {
				return errors.Errorf("%v is not an integer", f)
			}
			overflow = f < 0 || f >= math.MaxUint64 || target.OverflowUint(uint64(f))
		}
	case reflect.Float32, reflect.Float64:
		if !isInt && !isUint {
			overflow = target.OverflowFloat(f)
		}
	}
	if overflow {
		return errors.Errorf("%v overflows %s", data, to)
	}
	return nil
}
