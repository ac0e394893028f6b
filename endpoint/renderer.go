package endpoint

import "net/http"

// StringRenderer writes a string body with an optional status and content type.
//
// When ContentType is empty, StringRenderer defaults to "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets contentType unless an outer renderer already set one.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
}

// Render implements Renderer for StringRenderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	return (&BytesRenderer{Status: sr.Status, Body: []byte(sr.Body), ContentType: sr.ContentType}).Render(w, nil)
}

// BytesRenderer writes an already encoded body, such as an RPC envelope.
type BytesRenderer struct {
	Status      int
	Body        []byte
	ContentType string
	// Header holds extra response headers.
	Header http.Header
}

// Render implements Renderer for BytesRenderer.
func (br *BytesRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	for k, vs := range br.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setContentType(w, br.ContentType)
	status := br.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(br.Body) == 0 {
		return nil
	}
	_, err := w.Write(br.Body)
	return err
}

// NoContentRenderer writes a response with no body and a specific status code.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
	Header http.Header
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	for k, vs := range ncr.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client. Status defaults to 302 Found.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
