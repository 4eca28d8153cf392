package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/query"
)

type errorBody struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Details []query.FieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Message: message})
}

// writeQueryError maps a query engine error: validation failures are 400,
// anything else is logged and reported as 500 with message.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error, message string) {
	var verr *query.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "Validation Error",
			Message: "Invalid request parameters",
			Details: verr.Fields,
		})
		return
	}
	s.log.Error(message,
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID(r)),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, message)
}
