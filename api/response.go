package api

import (
	"encoding/json"
	"net/http"

	"github.com/openalpha/clob-dex/errs"
)

// errorEnvelope is the wire shape of every API error.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy to an HTTP status and envelope.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), errorEnvelope{
		Code:    errs.Code(err),
		Message: err.Error(),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{
		Code:    "VALIDATION",
		Message: "method not allowed",
	})
}
