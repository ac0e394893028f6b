package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mnehpets/modernrpc/fault"
	"github.com/nuclio/errors"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// DateTimeLayout is the XML-RPC dateTime.iso8601 layout.
const DateTimeLayout = "20060102T15:04:05"

var dateTimeLayouts = []string{
	DateTimeLayout,
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"20060102T150405",
}

// DecodeError reports a malformed XML-RPC document.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "xmlrpc: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ErrNone is returned when encoding nil without AllowNone.
var ErrNone = errors.New("cannot marshal None unless allow_none is enabled")

// Call is a decoded <methodCall>.
type Call struct {
	Method string
	Params []any
}

// Member is a named value of an ordered Struct.
type Member struct {
	Name  string
	Value any
}

// Struct is an XML-RPC struct whose members are encoded in order. Decoded
// structs are returned as map[string]any unless XML.OrderedStructs is set.
type Struct []Member

// Map returns the members by name. A repeated name keeps its last value.
func (s Struct) Map() map[string]any {
	m := make(map[string]any, len(s))
	for _, member := range s {
		m[member.Name] = member.Value
	}
	return m
}

// XML encodes and decodes XML-RPC documents.
//
// Decoded values use: int64, bool, string, float64, time.Time, []byte,
// map[string]any (or Struct), []any and nil.
type XML struct {
	// AllowNone enables the <nil/> extension when encoding.
	AllowNone bool
	// OrderedStructs decodes structs as Struct, keeping member order.
	OrderedStructs bool
	// Encoding is the charset written into the XML declaration. Output is
	// transcoded to it. Empty means utf-8.
	Encoding string
}

type xmlValue struct {
	Int      *string    `xml:"int"`
	I4       *string    `xml:"i4"`
	I8       *string    `xml:"i8"`
	Boolean  *string    `xml:"boolean"`
	String   *string    `xml:"string"`
	Double   *string    `xml:"double"`
	DateTime *string    `xml:"dateTime.iso8601"`
	Base64   *string    `xml:"base64"`
	Struct   *xmlStruct `xml:"struct"`
	Array    *xmlArray  `xml:"array"`
	Nil      *struct{}  `xml:"nil"`
	Text     string     `xml:",chardata"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlMethodCall struct {
	XMLName    xml.Name   `xml:"methodCall"`
	MethodName *string    `xml:"methodName"`
	Params     []xmlParam `xml:"params>param"`
}

type xmlMethodResponse struct {
	XMLName xml.Name   `xml:"methodResponse"`
	Params  []xmlParam `xml:"params>param"`
	Fault   *xmlParam  `xml:"fault"`
}

func (c *XML) unmarshal(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// DecodeCall parses a <methodCall> document.
func (c *XML) DecodeCall(data []byte) (*Call, error) {
	var mc xmlMethodCall
	if err := c.unmarshal(data, &mc); err != nil {
		return nil, err
	}
	if mc.MethodName == nil || strings.TrimSpace(*mc.MethodName) == "" {
		return nil, &DecodeError{Err: errors.New("missing methodName")}
	}
	params, err := c.decodeParams(mc.Params)
	if err != nil {
		return nil, err
	}
	return &Call{Method: strings.TrimSpace(*mc.MethodName), Params: params}, nil
}

// DecodeResponse parses a <methodResponse>. A fault response is returned as a *fault.Fault error.
func (c *XML) DecodeResponse(data []byte) (any, error) {
	var mr xmlMethodResponse
	if err := c.unmarshal(data, &mr); err != nil {
		return nil, err
	}
	if mr.Fault != nil {
		v, err := c.decodeValue(mr.Fault.Value)
		if err != nil {
			return nil, err
		}
		return nil, faultFromValue(v)
	}
	if len(mr.Params) != 1 {
		return nil, &DecodeError{Err: errors.Errorf("response must hold exactly one param, got %d", len(mr.Params))}
	}
	return c.decodeValue(mr.Params[0].Value)
}

func faultFromValue(v any) error {
	if s, ok := v.(Struct); ok {
		v = s.Map()
	}
	m, ok := v.(map[string]any)
	if !ok {
		return &DecodeError{Err: errors.New("fault value is not a struct")}
	}
	f := &fault.Fault{}
	if code, ok := m["faultCode"].(int64); ok {
		f.Code = int(code)
	}
	if msg, ok := m["faultString"].(string); ok {
		f.Message = msg
	}
	return f
}

func (c *XML) decodeParams(params []xmlParam) ([]any, error) {
	out := make([]any, 0, len(params))
	for _, p := range params {
		v, err := c.decodeValue(p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *XML) decodeValue(v xmlValue) (any, error) {
	switch {
	case v.Int != nil:
		return parseInt(*v.Int)
	case v.I4 != nil:
		return parseInt(*v.I4)
	case v.I8 != nil:
		return parseInt(*v.I8)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, &DecodeError{Err: errors.Errorf("invalid boolean %q", *v.Boolean)}
	case v.String != nil:
		return *v.String, nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, &DecodeError{Err: errors.Errorf("invalid double %q", *v.Double)}
		}
		return f, nil
	case v.DateTime != nil:
		s := strings.TrimSpace(*v.DateTime)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, &DecodeError{Err: errors.Errorf("invalid dateTime.iso8601 %q", s)}
	case v.Base64 != nil:
		b, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(*v.Base64), ""))
		if err != nil {
			return nil, &DecodeError{Err: errors.Wrap(err, "invalid base64")}
		}
		return b, nil
	case v.Struct != nil:
		members := make(Struct, 0, len(v.Struct.Members))
		for _, member := range v.Struct.Members {
			mv, err := c.decodeValue(member.Value)
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Name: member.Name, Value: mv})
		}
		if c.OrderedStructs {
			return members, nil
		}
		return members.Map(), nil
	case v.Array != nil:
		a := make([]any, 0, len(v.Array.Values))
		for _, item := range v.Array.Values {
			iv, err := c.decodeValue(item)
			if err != nil {
				return nil, err
			}
			a = append(a, iv)
		}
		return a, nil
	case v.Nil != nil:
		return nil, nil
	}
	// A bare value is a string.
	return v.Text, nil
}

func parseInt(s string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, &DecodeError{Err: errors.Errorf("invalid int %q", s)}
	}
	return n, nil
}

// EncodeCall renders a <methodCall>.
func (c *XML) EncodeCall(method string, params ...any) ([]byte, error) {
	buf := c.header()
	buf.WriteString("<methodCall><methodName>")
	xml.EscapeText(buf, []byte(method))
	buf.WriteString("</methodName><params>")
	for _, p := range params {
		buf.WriteString("<param>")
		if err := c.encodeValue(buf, reflect.ValueOf(p)); err != nil {
			return nil, err
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>\n")
	return c.transcode(buf.Bytes())
}

// EncodeResponse renders a successful <methodResponse> holding v.
func (c *XML) EncodeResponse(v any) ([]byte, error) {
	buf := c.header()
	buf.WriteString("<methodResponse><params><param>")
	if err := c.encodeValue(buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	buf.WriteString("</param></params></methodResponse>\n")
	return c.transcode(buf.Bytes())
}

// EncodeFault renders a <methodResponse> carrying a fault.
func (c *XML) EncodeFault(code int, message string) ([]byte, error) {
	buf := c.header()
	buf.WriteString("<methodResponse><fault>")
	err := c.encodeValue(buf, reflect.ValueOf(Struct{
		{Name: "faultCode", Value: code},
		{Name: "faultString", Value: message},
	}))
	if err != nil {
		return nil, err
	}
	buf.WriteString("</fault></methodResponse>\n")
	return c.transcode(buf.Bytes())
}

func (c *XML) charset() string {
	if c.Encoding == "" {
		return "utf-8"
	}
	return c.Encoding
}

func (c *XML) header() *bytes.Buffer {
	buf := &bytes.Buffer{}
	buf.WriteString(`<?xml version="1.0" encoding="` + c.charset() + `"?>` + "\n")
	return buf
}

func (c *XML) transcode(b []byte) ([]byte, error) {
	name := strings.ToLower(c.charset())
	if name == "utf-8" || name == "utf8" {
		return b, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "Unsupported encoding %q", c.Encoding)
	}
	out, err := enc.NewEncoder().Bytes(b)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to encode response as %q", c.Encoding)
	}
	return out, nil
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
	structType = reflect.TypeOf(Struct{})
)

func (c *XML) encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			v = reflect.Value{}
			break
		}
		v = v.Elem()
	}

	buf.WriteString("<value>")
	defer buf.WriteString("</value>")

	if !v.IsValid() {
		if !c.AllowNone {
			return ErrNone
		}
		buf.WriteString("<nil/>")
		return nil
	}

	switch {
	case v.Type() == timeType:
		buf.WriteString("<dateTime.iso8601>" + v.Interface().(time.Time).Format(DateTimeLayout) + "</dateTime.iso8601>")
		return nil
	case v.Type() == numberType:
		n := v.Interface().(json.Number)
		if i, err := n.Int64(); err == nil {
			writeInt(buf, i)
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return errors.Wrapf(err, "Invalid number %q", n)
		}
		return writeDouble(buf, f)
	case v.Type() == structType:
		buf.WriteString("<struct>")
		for _, m := range v.Interface().(Struct) {
			if err := c.encodeMember(buf, m.Name, reflect.ValueOf(m.Value)); err != nil {
				return err
			}
		}
		buf.WriteString("</struct>")
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeInt(buf, v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return errors.Errorf("Integer %d out of range", u)
		}
		writeInt(buf, int64(u))
	case reflect.Float32, reflect.Float64:
		return writeDouble(buf, v.Float())
	case reflect.String:
		buf.WriteString("<string>")
		xml.EscapeText(buf, []byte(v.String()))
		buf.WriteString("</string>")
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			buf.WriteString("<base64>" + base64.StdEncoding.EncodeToString(b) + "</base64>")
			return nil
		}
		buf.WriteString("<array><data>")
		for i := 0; i < v.Len(); i++ {
			if err := c.encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return errors.Errorf("Struct keys must be strings, got %s", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteString("<struct>")
		for _, k := range keys {
			if err := c.encodeMember(buf, k, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
		}
		buf.WriteString("</struct>")
	case reflect.Struct:
		buf.WriteString("<struct>")
		for _, f := range structFields(v) {
			if err := c.encodeMember(buf, f.Name, reflect.ValueOf(f.Value)); err != nil {
				return err
			}
		}
		buf.WriteString("</struct>")
	default:
		return errors.Errorf("Cannot marshal %s", v.Type())
	}
	return nil
}

// structFields lists the exported fields of a Go struct in declaration order,
// named by their json tags.
func structFields(v reflect.Value) Struct {
	t := v.Type()
	out := make(Struct, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		fv := v.Field(i)
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out = append(out, Member{Name: name, Value: fv.Interface()})
	}
	return out
}

func (c *XML) encodeMember(buf *bytes.Buffer, name string, v reflect.Value) error {
	buf.WriteString("<member><name>")
	xml.EscapeText(buf, []byte(name))
	buf.WriteString("</name>")
	if err := c.encodeValue(buf, v); err != nil {
		return err
	}
	buf.WriteString("</member>")
	return nil
}

func writeInt(buf *bytes.Buffer, i int64) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		buf.WriteString("<i8>" + strconv.FormatInt(i, 10) + "</i8>")
		return
	}
	buf.WriteString("<int>" + strconv.FormatInt(i, 10) + "</int>")
}

func writeDouble(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Errorf("Cannot marshal %v as double", f)
	}
	buf.WriteString("<double>" + strconv.FormatFloat(f, 'f', -1, 64) + "</double>")
	return nil
}
