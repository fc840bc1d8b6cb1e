package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/knximport/internal/importer"
)

// multipartOverhead is added to the file limit for form boundaries and fields.
const multipartOverhead = 1 << 20

// importResponse is a job snapshot with its failure mapped to a user message.
type importResponse struct {
	importer.Job
	ErrorInfo *importer.UserMessage `json:"errorInfo,omitempty"`
}

func toImportResponse(job importer.Job) importResponse {
	resp := importResponse{Job: job}
	if job.Error != "" {
		msg := importer.MapMessage(job.Error)
		resp.ErrorInfo = &msg
	}
	return resp
}

// handleStartImport accepts a multipart .knxproj upload in field "file".
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, r, formError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: no file provided", importer.ErrInvalidInput))
		return
	}
	defer file.Close()

	if !strings.EqualFold(path.Ext(header.Filename), ".knxproj") {
		respondError(w, r, fmt.Errorf("%w: %s", importer.ErrUnsupportedFile, header.Filename))
		return
	}
	if header.Size > maxSize {
		respondError(w, r, &http.MaxBytesError{Limit: maxSize})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	job, err := s.imports.Start(r.Context(), header.Filename, data)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+job.ID)
	writeJSON(w, http.StatusAccepted, toImportResponse(job))
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	jobs := s.imports.Jobs()
	out := make([]importResponse, len(jobs))
	for i, job := range jobs {
		out[i] = toImportResponse(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": out})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.imports.Job(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, r, importer.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toImportResponse(job))
}

// handleProvideInput accepts one requirement value, either as JSON
// {"type":..., "value":...} or as a multipart form with field "type" and,
// for the keyring, the raw file in "file".
func (s *Server) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := s.decodeInput(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.imports.ProvideInput(r.Context(), id, in); err != nil {
		respondError(w, r, err)
		return
	}

	job, ok := s.imports.Job(id)
	if !ok {
		respondError(w, r, importer.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, toImportResponse(job))
}

func (s *Server) decodeInput(w http.ResponseWriter, r *http.Request) (importer.Input, error) {
	var in importer.Input

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+multipartOverhead)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return in, formError(err)
		}
		t, err := importer.ParseRequirementType(body.Type)
		if err != nil {
			return in, err
		}
		return importer.Input{Type: t, Value: body.Value}, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return in, formError(err)
	}
	defer r.MultipartForm.RemoveAll()

	t, err := importer.ParseRequirementType(r.FormValue("type"))
	if err != nil {
		return in, err
	}
	in.Type = t

	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return in, fmt.Errorf("read input file: %w", err)
		}
		in.Value = base64.StdEncoding.EncodeToString(raw)
		return in, nil
	}

	in.Value = r.FormValue("value")
	return in, nil
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.imports.Cancel(id); err != nil {
		respondError(w, r, err)
		return
	}
	job, _ := s.imports.Job(id)
	writeJSON(w, http.StatusOK, toImportResponse(job))
}

func (s *Server) handleReleaseImport(w http.ResponseWriter, r *http.Request) {
	if err := s.imports.Release(chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLimiterStatus reports run slot usage so clients can check whether
// the service accepts more imports.
func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.imports.LimiterStatus())
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, fmt.Errorf("%w: project id", importer.ErrInvalidInput))
		return
	}

	project, err := s.projects.Project(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"imports": s.imports.LimiterStatus(),
	}
	if err := s.projects.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["error"] = importer.MapError(err).Message
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// formError keeps size violations recognizable and treats every other
// multipart failure as bad input.
func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", importer.ErrInvalidInput, err)
}
