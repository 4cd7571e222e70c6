// Package httpx provides the JSON response envelope shared by API handlers.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Envelope is the success body: data plus optional message and meta.
type Envelope struct {
	Data    any            `json:"data"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorObject describes one entry of an error body.
type ErrorObject struct {
	Status string         `json:"status"`
	Title  string         `json:"title"`
	Detail string         `json:"detail,omitempty"`
	Source map[string]any `json:"source,omitempty"`
}

// ErrorEnvelope is the failure body.
type ErrorEnvelope struct {
	Errors  []ErrorObject  `json:"errors"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success writes data wrapped in the success envelope.
func Success(w http.ResponseWriter, status int, data any, message string, meta map[string]any) {
	JSON(w, status, Envelope{Data: data, Message: message, Meta: meta})
}

// Error writes a single error entry. An empty title falls back to the status text.
func Error(w http.ResponseWriter, status int, title, detail string, meta map[string]any) {
	if title == "" {
		title = http.StatusText(status)
	}
	JSON(w, status, ErrorEnvelope{
		Errors: []ErrorObject{{Status: strconv.Itoa(status), Title: title, Detail: detail}},
		Meta:   meta,
	})
}

// ValidationErrors writes one 422 entry per field message.
func ValidationErrors(w http.ResponseWriter, fields map[string]string) {
	errs := make([]ErrorObject, 0, len(fields))
	for field, msg := range fields {
		errs = append(errs, ErrorObject{
			Status: strconv.Itoa(http.StatusUnprocessableEntity),
			Title:  "Validation Error",
			Detail: msg,
			Source: map[string]any{"pointer": "/data/attributes/" + field},
		})
	}
	JSON(w, http.StatusUnprocessableEntity, ErrorEnvelope{Errors: errs, Message: "Validation failed"})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(r.Body).Decode(target)
}
