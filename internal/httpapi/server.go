// Package httpapi exposes the job orchestration over HTTP: upload, status,
// cancel, and the bulk endpoints. Uploads are accepted and queued without
// blocking on extraction.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/blob"
	"github.com/dmdorta1111/gridbase-extract/internal/bulk"
	"github.com/dmdorta1111/gridbase-extract/internal/domain"
	"github.com/dmdorta1111/gridbase-extract/internal/storage"
)

const maxUploadBytes = 200 << 20

type Server struct {
	Jobs       storage.Store
	Orch       *bulk.Orchestrator
	Blobs      blob.LocalFS
	Log        *zap.Logger
	MaxRetries int
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleUpload)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)

		r.Post("/bulk", s.handleBulkSubmit)
		r.Get("/bulk/{id}", s.handleBulkStatus)
		r.Get("/bulk/{id}/preview", s.handleBulkPreview)
		r.Post("/bulk/{id}/import", s.handleBulkImport)
	})

	return r
}

// handleUpload accepts one file and returns 202 immediately; a worker picks
// the job up through the claim protocol.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, errors.Wrap(err, "parse multipart"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, errors.Wrap(err, "missing 'file'"))
		return
	}
	defer file.Close()

	format, err := resolveFormat(r.FormValue("format"), header.Filename)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	id := uuid.New()
	sourceRef, err := s.storeUpload(id, header, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	job := &domain.Job{
		ID:         id,
		SourceRef:  sourceRef,
		Filename:   header.Filename,
		Format:     format,
		Status:     domain.StatusPending,
		MaxRetries: s.MaxRetries,
	}
	if err := s.Jobs.CreateJob(r.Context(), job); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   id,
		"status":   domain.StatusPending,
		"filename": header.Filename,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	job, err := s.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := s.Jobs.Cancel(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		writeErr(w, http.StatusConflict, errors.New("job already finished"))
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

// handleBulkSubmit fans N files out into N jobs under one correlation id and
// starts driving them in the background.
func (s *Server) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, errors.Wrap(err, "parse multipart"))
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("missing 'files'"))
		return
	}
	continueOnError := r.FormValue("continue_on_error") != "false"

	files := make([]bulk.SubmitFile, 0, len(headers))
	for _, header := range headers {
		format, err := resolveFormat(r.FormValue("format"), header.Filename)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		f, err := header.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, errors.Wrapf(err, "open %s", header.Filename))
			return
		}
		sourceRef, err := s.storeUpload(uuid.New(), header, f)
		_ = f.Close()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		files = append(files, bulk.SubmitFile{
			SourceRef: sourceRef,
			Filename:  header.Filename,
			Format:    format,
		})
	}

	rec, err := s.Orch.Submit(r.Context(), files, continueOnError, s.MaxRetries)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	// Drive members outside the request lifetime.
	go func() {
		if err := s.Orch.Run(context.WithoutCancel(r.Context()), rec.ID); err != nil {
			s.Log.Error("bulk run failed", zap.String("bulk_id", rec.ID.String()), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"bulk_id": rec.ID,
		"job_ids": rec.JobIDs,
	})
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	view, err := s.Orch.Status(r.Context(), id)
	if errors.Is(err, bulk.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBulkPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	preview, err := s.Orch.Preview(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, preview)
	case errors.Is(err, bulk.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, bulk.ErrNoResults):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := s.Orch.Import(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"bulk_id": id, "imported": true})
	case errors.Is(err, bulk.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, bulk.ErrAlreadyImported):
		writeErr(w, http.StatusConflict, err)
	case errors.Is(err, bulk.ErrNoResults):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) storeUpload(id uuid.UUID, header *multipart.FileHeader, src io.Reader) (string, error) {
	name := filepath.Base(header.Filename)
	if name == "" || name == "." {
		name = "upload"
	}
	return s.Blobs.Put(filepath.Join("jobs", id.String(), name), src)
}

func jobResponse(j domain.Job) map[string]any {
	resp := map[string]any{
		"job_id":      j.ID,
		"status":      j.Status,
		"filename":    j.Filename,
		"format":      j.Format,
		"retry_count": j.RetryCount,
		"max_retries": j.MaxRetries,
		"created_at":  j.CreatedAt,
		"updated_at":  j.UpdatedAt,
	}
	if j.LastError != nil {
		resp["last_error"] = *j.LastError
	}
	if j.NextRetryAt != nil {
		resp["next_retry_at"] = *j.NextRetryAt
	}
	if j.BulkID != nil {
		resp["bulk_id"] = *j.BulkID
	}
	if j.Status == domain.StatusCompleted && len(j.Result) > 0 {
		resp["result"] = json.RawMessage(j.Result)
	}
	return resp
}

func resolveFormat(requested, filename string) (domain.Format, error) {
	if requested != "" {
		return domain.ParseFormat(requested)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return domain.FormatPDF, nil
	case ".dxf":
		return domain.FormatDXF, nil
	case ".ifc":
		return domain.FormatIFC, nil
	case ".step", ".stp":
		return domain.FormatSTEP, nil
	case ".png", ".jpg", ".jpeg":
		return domain.FormatAIDrawing, nil
	}
	return "", fmt.Errorf("cannot infer format from %q; pass 'format'", filename)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
