package endpoint

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// JSONRenderer writes Value as a JSON document. Status defaults to 200.
//
// Encoding happens before any header is written, so a value that cannot be
// encoded results in a 500 instead of a truncated body.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	body, err := jsonAPI.Marshal(jr.Value)
	if err != nil {
		return Error(http.StatusInternalServerError, "", err)
	}
	w.Header().Set("Content-Type", "application/json")
	return (&BytesRenderer{Status: jr.Status, Body: append(body, '\n')}).Render(w, r)
}
