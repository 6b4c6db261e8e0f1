package api

import (
	"errors"
	"net/http"

	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/selector"
)

// writeEngineError maps a transition/selector outcome to the HTTP status
// taxonomy from the request facade's error handling design: VALIDATION/400,
// NOT_FOUND/404, CONFLICT/409, DEPENDENCY/409, INTERNAL/500 leaking detail.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, selector.ErrNoTask) {
		jsonResponse(w, http.StatusNotFound, noTaskBody{Message: "No tasks available"})
		return
	}

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		switch engErr.Code {
		case engine.CodeValidation:
			jsonError(w, http.StatusBadRequest, engErr.Message)
		case engine.CodeNotFound:
			jsonError(w, http.StatusNotFound, engErr.Message)
		case engine.CodeConflict, engine.CodeDependency:
			jsonError(w, http.StatusConflict, engErr.Message)
		default:
			jsonError(w, http.StatusInternalServerError, engErr.Error())
		}
		return
	}

	jsonError(w, http.StatusInternalServerError, err.Error())
}
