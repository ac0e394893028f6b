// Package codec holds the wire-format backends used by the protocol handlers.
//
// JSON backends are chosen by name when configuration is loaded (NewJSON).
// XML holds the XML-RPC envelope codec.
package codec

import (
	"bytes"
	"encoding/json"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/nuclio/errors"
)

// Names accepted by NewJSON.
const (
	JSONStd  = "std"
	JSONIter = "jsoniter"
)

// JSON is a JSON serializer. Implementations decode numbers as json.Number and
// must reject trailing data after the top-level value.
type JSON interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewJSON returns the backend registered under name. An empty name selects JSONStd.
func NewJSON(name string) (JSON, error) {
	switch name {
	case "", JSONStd:
		return StdJSON{}, nil
	case JSONIter:
		return NewIterJSON(), nil
	}
	return nil, errors.Errorf("Unknown JSON backend %q", name)
}

// StdJSON is backed by encoding/json.
type StdJSON struct{}

func (StdJSON) Name() string { return JSONStd }

func (StdJSON) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (StdJSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("Unexpected data after top-level value")
	}
	return nil
}

// IterJSON is backed by json-iterator, configured to match encoding/json.
type IterJSON struct {
	api jsoniter.API
}

func NewIterJSON() *IterJSON {
	return &IterJSON{
		api: jsoniter.Config{
			EscapeHTML:             false,
			SortMapKeys:            true,
			ValidateJsonRawMessage: true,
			UseNumber:              true,
		}.Froze(),
	}
}

func (*IterJSON) Name() string { return JSONIter }

func (j *IterJSON) Marshal(v any) ([]byte, error) {
	return j.api.Marshal(v)
}

func (j *IterJSON) Unmarshal(data []byte, v any) error {
	return j.api.Unmarshal(data, v)
}
