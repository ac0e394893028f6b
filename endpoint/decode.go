package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// DefaultBodyLimit caps the request body read for a `body` field without a maxLength tag.
var DefaultBodyLimit int64 = 10 << 20 // 10MB

// Unmarshal populates dst, a non-nil pointer to a struct, from the request.
//
// Supported struct tags:
//   - `body:""`: the raw request body, into a []byte or string field.
//     `maxLength:"n"` caps the body size (413 when exceeded); "0" means no limit.
//   - `header:"Name"`: a request header, into a string or []string field.
//   - `query:"name"`: a query parameter, into a string, []string, bool or int field.
//   - `path:"name"`: a wildcard of the ServeMux pattern that matched the request.
//
// Untagged fields are left alone. A field that has no data stays at its zero value.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	t := root.Type()
	bodyRead := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		field := root.Field(i)

		if _, ok := sf.Tag.Lookup("body"); ok {
			if bodyRead {
				return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: multiple body fields"))
			}
			bodyRead = true
			if err := decodeBody(r, sf, field); err != nil {
				return err
			}
			continue
		}
		if name, ok := sf.Tag.Lookup("header"); ok {
			if name == "" {
				name = sf.Name
			}
			if err := setStrings(field, r.Header.Values(name), sf.Name); err != nil {
				return err
			}
			continue
		}
		if name, ok := sf.Tag.Lookup("query"); ok {
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			if r.URL == nil {
				continue
			}
			if err := setStrings(field, r.URL.Query()[name], sf.Name); err != nil {
				return err
			}
			continue
		}
		if name, ok := sf.Tag.Lookup("path"); ok {
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			if v := r.PathValue(name); v != "" {
				if err := setStrings(field, []string{v}, sf.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeBody(r *http.Request, sf reflect.StructField, field reflect.Value) error {
	limit := DefaultBodyLimit
	if tag, ok := sf.Tag.Lookup("maxLength"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(tag), 10, 64)
		if tag != "" && (err != nil || n < 0) {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: invalid maxLength tag on %s", sf.Name))
		}
		limit = n
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return Error(http.StatusBadRequest, "failed to read request body", err)
	}
	if limit > 0 && int64(len(b)) > limit {
		return Error(http.StatusRequestEntityTooLarge, "", nil)
	}

	switch {
	case field.Kind() == reflect.String:
		field.SetString(string(b))
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
		field.SetBytes(b)
	default:
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: body field %s must be string or []byte", sf.Name))
	}
	return nil
}

func setStrings(field reflect.Value, values []string, name string) error {
	if len(values) == 0 {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(values[0])
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported field type for %s", name))
		}
		s := reflect.MakeSlice(field.Type(), len(values), len(values))
		for i, v := range values {
			s.Index(i).SetString(v)
		}
		field.Set(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("invalid %s: %w", name, err))
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64, reflect.Int32:
		n, err := strconv.ParseInt(values[0], 10, field.Type().Bits())
		if err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("invalid %s: %w", name, err))
		}
		field.SetInt(n)
	default:
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported field type for %s", name))
	}
	return nil
}
