package response

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

type serverErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NotFoundMessage is the body of every 404 produced by the API.
const NotFoundMessage = "not found"

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, data)
}

func Status(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// Error writes {"error": message}.
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func NotFound(w http.ResponseWriter) {
	Error(w, http.StatusNotFound, NotFoundMessage)
}

// ServerError writes a 500 with the underlying message for operators.
func ServerError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, serverErrorBody{
		Error:   "Internal server error",
		Message: err.Error(),
	})
}

// RawJSON writes an already encoded JSON body.
func RawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
