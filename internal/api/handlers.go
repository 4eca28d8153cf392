package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/bizsync"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/query"
)

type listFunc func(ctx context.Context, lq query.ListQuery) (*query.ListResult, error)

func (s *Server) listHandler(termParam string, fn listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lq, err := query.ParseListQuery(r.URL.Query(), termParam)
		if err != nil {
			s.writeQueryError(w, r, err, "Failed to search businesses")
			return
		}
		res, err := fn(r.Context(), lq)
		if err != nil {
			s.writeQueryError(w, r, err, "Failed to search businesses")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) nearby(w http.ResponseWriter, r *http.Request) {
	nq, err := query.ParseNearbyQuery(r.URL.Query())
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to find nearby businesses")
		return
	}
	res, err := s.query.Nearby(r.Context(), nq)
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to find nearby businesses")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getBusiness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	b, err := s.query.GetByID(r.Context(), id)
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to fetch business")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "Business not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.query.Stats(r.Context())
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to fetch statistics")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	eq, err := query.ParseExportQuery(r.URL.Query())
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to export businesses")
		return
	}
	rows, err := s.query.Export(r.Context(), eq)
	if err != nil {
		s.writeQueryError(w, r, err, "Failed to export businesses")
		return
	}

	stamp := time.Now().UTC().Format("20060102")
	switch eq.Format {
	case query.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="businesses-%s.csv"`, stamp))
		w.WriteHeader(http.StatusOK)
		err = query.WriteCSV(w, rows)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="businesses-%s.json"`, stamp))
		w.WriteHeader(http.StatusOK)
		err = query.WriteJSON(w, rows)
	}
	if err != nil {
		s.log.Warn("api: export stream", zap.Int("rows", len(rows)), zap.Error(err))
	}

	entry := model.AuditEntry{
		Action:   model.AuditExportRequested,
		Metadata: map[string]any{"format": eq.Format, "count": len(rows), "query": r.URL.RawQuery},
		Success:  err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit(r, entry)
}

type syncRequest struct {
	Sources []string `json:"sources"`
}

type syncResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Result  *model.SyncRun `json:"result,omitempty"`
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Sync is not configured on this server.")
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	user := UserFrom(r.Context())
	s.log.Info("manual sync triggered", zap.String("user_id", user.ID), zap.Strings("sources", req.Sources))

	run, err := s.syncer.Run(r.Context(), model.TriggerManual, bizsync.RunOpts{Sources: req.Sources})
	var unknown *bizsync.UnknownSourceError
	switch {
	case errors.As(err, &unknown):
		details := make([]query.FieldError, len(unknown.Names))
		for i, name := range unknown.Names {
			details[i] = query.FieldError{Field: "sources", Message: fmt.Sprintf("unknown source %q", name), Code: "invalid_enum_value"}
		}
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "Validation Error",
			Message: "Invalid request parameters",
			Details: details,
		})
	case errors.Is(err, bizsync.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, syncResponse{Message: "A sync is already running."})
	case err != nil:
		s.log.Error("manual sync failed", zap.String("run_id", run.ID), zap.Error(err))
		s.audit(r, model.AuditEntry{Action: model.AuditSyncFailed, TargetID: run.ID, Metadata: syncAuditMetadata(run, req), Error: err.Error()})
		writeJSON(w, http.StatusInternalServerError, syncResponse{Message: err.Error(), Result: &run})
	default:
		s.audit(r, model.AuditEntry{Action: model.AuditSyncCompleted, TargetID: run.ID, Metadata: syncAuditMetadata(run, req), Success: true})
		writeJSON(w, http.StatusOK, syncResponse{Success: true, Message: "Data sync completed successfully.", Result: &run})
	}
}

func syncAuditMetadata(run model.SyncRun, req syncRequest) map[string]any {
	return map[string]any{
		"sources":      req.Sources,
		"written":      run.Written,
		"failed":       run.Failed,
		"deduplicated": run.Deduplicated,
	}
}
