// Package httputil holds the JSON helpers shared by the HTTP surfaces.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil/pkg/verrors"
)

// ErrorDetail is the error envelope of all JSON endpoints.
type ErrorDetail struct {
	Message    string     `json:"message"`
	ExistingID *uuid.UUID `json:"existing_id,omitempty"`
}

type ErrorResponse struct {
	Detail ErrorDetail `json:"detail"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Detail: ErrorDetail{Message: msg}})
}

// WriteConflict reports a uniqueness conflict along with the existing row's id
// so clients can link to it.
func WriteConflict(w http.ResponseWriter, msg string, existingID uuid.UUID) {
	WriteJSON(w, http.StatusConflict, ErrorResponse{Detail: ErrorDetail{Message: msg, ExistingID: &existingID}})
}

// WriteVError maps an error to its HTTP status by kind. Internal kinds are not
// echoed to the client.
func WriteVError(w http.ResponseWriter, err error) {
	status := verrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		WriteError(w, status, "internal error")
		return
	}
	WriteError(w, status, err.Error())
}
