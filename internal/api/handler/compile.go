package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/photobooks/arservice/internal/admission"
	"github.com/photobooks/arservice/internal/api/response"
)

// Admitter defines the interface the compile handler depends on.
type Admitter interface {
	Admit(ctx context.Context, req *admission.CompileRequest) (*admission.Admission, error)
}

// NewCompileHandler returns an http.HandlerFunc for POST /compile.
func NewCompileHandler(svc Admitter, maxBodyBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		var req admission.CompileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			response.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		res, err := svc.Admit(r.Context(), &req)
		if err != nil {
			var verr *admission.ValidationError
			var nf *admission.NotFoundError
			switch {
			case errors.As(err, &verr), errors.As(err, &nf):
				response.Error(w, http.StatusBadRequest, err.Error())
			default:
				response.ServerError(w, err)
			}
			return
		}

		response.Accepted(w, res)
	}
}
