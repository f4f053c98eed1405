package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brunobiangulo/poalegal"
	"github.com/brunobiangulo/poalegal/retrieval"
)

type handler struct {
	engine poalegal.Engine
}

func newHandler(e poalegal.Engine) *handler {
	return &handler{engine: e}
}

// POST /retrieve
func (h *handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		CaseID          string            `json:"case_id"`
		Issues          []retrieval.Issue `json:"issues"`
		LegalBrief      map[string]any    `json:"legal_brief,omitempty"`
		IncludeArtifact bool              `json:"include_artifact,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "case_id is required")
		return
	}

	res, err := h.engine.Retrieve(ctx, poalegal.RetrieveRequest{
		CaseID:     req.CaseID,
		Issues:     req.Issues,
		LegalBrief: req.LegalBrief,
	})
	if err != nil {
		if errors.Is(err, poalegal.ErrInvalidIssues) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		slog.Error("retrieve error", "case_id", req.CaseID, "error", err)
		return
	}

	articles := make([]map[string]any, len(res.Articles))
	for i, a := range res.Articles {
		articles[i] = a.ToMap()
	}
	resp := map[string]any{
		"case_id":        req.CaseID,
		"artifact_id":    res.Artifact.ArtifactID,
		"stop_reason":    res.Artifact.StopReason,
		"coverage_score": res.Artifact.CoverageScore,
		"iterations":     res.Artifact.TotalIterations,
		"articles":       articles,
	}
	if req.IncludeArtifact {
		resp["artifact"] = res.Artifact.ToStorable()
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpDir, err := os.MkdirTemp("", "poalegal-upload-")
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp dir", "error", err)
				return
			}
			defer os.RemoveAll(tmpDir)

			tmpPath := filepath.Join(tmpDir, safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()

			var opts []poalegal.IngestOption
			if law := r.FormValue("law_id"); law != "" {
				opts = append(opts, poalegal.WithLawID(law))
			}
			if r.FormValue("force") == "true" {
				opts = append(opts, poalegal.WithForce())
			}
			h.ingest(ctx, w, tmpPath, safeName, opts)
			return
		}
	}

	// Try JSON body with path
	var req struct {
		Path      string            `json:"path"`
		LawID     string            `json:"law_id,omitempty"`
		Hierarchy map[string]string `json:"hierarchy,omitempty"`
		Force     bool              `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	var opts []poalegal.IngestOption
	if req.LawID != "" {
		opts = append(opts, poalegal.WithLawID(req.LawID))
	}
	if len(req.Hierarchy) > 0 {
		opts = append(opts, poalegal.WithHierarchy(req.Hierarchy))
	}
	if req.Force {
		opts = append(opts, poalegal.WithForce())
	}
	h.ingest(ctx, w, absPath, filepath.Base(absPath), opts)
}

func (h *handler) ingest(ctx context.Context, w http.ResponseWriter, path, name string, opts []poalegal.IngestOption) {
	res, err := h.engine.Ingest(ctx, path, opts...)
	if err != nil {
		switch {
		case errors.Is(err, poalegal.ErrUnsupportedFormat), errors.Is(err, poalegal.ErrParsingFailed):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "ingestion failed")
		}
		slog.Error("ingest error", "file", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filename": name,
		"result":   res,
	})
}

// GET /artifacts/{id}
func (h *handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Artifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeArtifactError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /artifacts/{id}/verdict
func (h *handler) handleVerdict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict    string  `json:"verdict"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := r.PathValue("id")
	if err := h.engine.RecordVerdict(r.Context(), id, req.Verdict, req.Confidence); err != nil {
		if errors.Is(err, poalegal.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeArtifactError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "artifact_id": id})
}

func writeArtifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, poalegal.ErrArtifactNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
	case errors.Is(err, poalegal.ErrArtifactsUnavailable):
		writeError(w, http.StatusNotImplemented, "no artifact store configured")
	default:
		writeError(w, http.StatusInternalServerError, "artifact lookup failed")
		slog.Error("artifact error", "error", err)
	}
}

// GET /areas
func (h *handler) handleAreas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Areas())
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
