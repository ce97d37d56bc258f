// Package api exposes the upload, job, prediction, and results endpoints over
// HTTP. All routes except /health require the configured bearer token; records
// are scoped to the token's owner hash.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moodpipe/moodpipe/internal/blob"
	"github.com/moodpipe/moodpipe/internal/notify"
	"github.com/moodpipe/moodpipe/internal/results"
	"github.com/moodpipe/moodpipe/internal/storage"
)

type Deps struct {
	Store             *storage.Store
	Blobs             blob.Store
	Cache             *results.Cache
	Broker            *notify.Broker
	Token             string
	MaxUploadBytes    int64
	UploadSettleDelay time.Duration
}

func NewHandler(deps Deps) http.Handler {
	owner := OwnerHash(deps.Token)

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/uploads", handleCreateUpload(deps, owner))
		r.Get("/uploads/{id}", handleGetUpload(deps, owner))
		r.Delete("/uploads/{id}", handleDeleteUpload(deps, owner))
		r.Get("/jobs/{id}", handleGetJob(deps, owner))
		r.Get("/predictions/{id}", handleGetPrediction(deps, owner))
		r.Get("/results", handleResults(deps, owner))
		r.Post("/results/refresh", handleResultsRefresh(deps, owner))
		r.Get("/events", handleEvents(deps, owner))
	})

	return r
}

type uploadCreatedResponse struct {
	UploadID string `json:"upload_id"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
}

type uploadResponse struct {
	ID        string    `json:"id"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id,omitempty"`
	JobStatus string    `json:"job_status,omitempty"`
}

type jobResponse struct {
	ID         string     `json:"id"`
	UploadID   string     `json:"upload_id"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type predictionResponse struct {
	ID              string         `json:"id"`
	UploadID        string         `json:"upload_id"`
	Scores          storage.Scores `json:"scores"`
	ModelName       string         `json:"model_name"`
	ModelVersion    string         `json:"model_version"`
	InferenceTimeMs int64          `json:"inference_time_ms"`
	CreatedAt       time.Time      `json:"created_at"`
	UploadSizeBytes int64          `json:"upload_size_bytes,omitempty"`
	UploadedAt      *time.Time     `json:"uploaded_at,omitempty"`
}

type resultsResponse struct {
	OwnerHash   string               `json:"owner_hash"`
	Predictions []predictionResponse `json:"predictions"`
	FetchedAt   int64                `json:"fetched_at"` // unix ms
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking record store: %v", err)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "jobs": counts})
	}
}

// handleCreateUpload validates and stores the artifact, then creates the
// upload record and its queued job in one transaction. Validation runs before
// any record exists, so a rejected file never leaves a job behind.
func handleCreateUpload(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds the %d byte limit", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing multipart field %q: %v", "file", err)
			return
		}
		defer file.Close()

		if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".wav" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported file extension %q, only .wav is accepted", ext)
			return
		}

		head := make([]byte, 12)
		if _, err := io.ReadFull(file, head); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file too short to be a WAV")
			return
		}
		if string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is not a RIFF/WAVE container")
			return
		}

		uploadID := uuid.New().String()
		artifactPath := fmt.Sprintf("%s/%s.wav", owner, uploadID)

		size, err := deps.Blobs.Put(r.Context(), artifactPath, io.MultiReader(bytes.NewReader(head), file))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds the %d byte limit", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "storing artifact: %v", err)
			return
		}

		jobID := uuid.New().String()
		upload := storage.Upload{
			ID:           uploadID,
			OwnerHash:    owner,
			ArtifactPath: artifactPath,
			SizeBytes:    size,
		}
		job := storage.Job{
			ID:        jobID,
			UploadID:  uploadID,
			OwnerHash: owner,
			Status:    storage.JobQueued,
		}
		if err := deps.Store.CreateUploadWithJob(upload, job); err != nil {
			// Roll back the orphaned artifact; the record pair never existed.
			_ = deps.Blobs.Delete(r.Context(), artifactPath)
			httpError(w, http.StatusInternalServerError, "api_error", "recording upload: %v", err)
			return
		}

		deps.Cache.ScheduleUploadRefresh(owner, deps.UploadSettleDelay)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(uploadCreatedResponse{
			UploadID: uploadID,
			JobID:    jobID,
			Status:   storage.JobQueued,
		})
	}
}

func handleGetUpload(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		upload, err := deps.Store.GetUpload(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && upload.OwnerHash != owner) {
			httpError(w, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching upload: %v", err)
			return
		}

		resp := uploadResponse{
			ID:        upload.ID,
			SizeBytes: upload.SizeBytes,
			CreatedAt: upload.CreatedAt,
		}
		if job, err := deps.Store.GetJobByUpload(upload.ID); err == nil {
			resp.JobID = job.ID
			resp.JobStatus = job.Status
		}
		writeJSON(w, resp)
	}
}

func handleDeleteUpload(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		upload, err := deps.Store.GetUpload(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && upload.OwnerHash != owner) {
			httpError(w, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching upload: %v", err)
			return
		}

		if err := deps.Store.DeleteUpload(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting upload: %v", err)
			return
		}
		// The records are gone; a leaked artifact is not worth a 500.
		_ = deps.Blobs.Delete(r.Context(), upload.ArtifactPath)

		deps.Cache.Invalidate(owner)
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleGetJob(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && job.OwnerHash != owner) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching job: %v", err)
			return
		}

		writeJSON(w, jobResponse{
			ID:         job.ID,
			UploadID:   job.UploadID,
			Status:     job.Status,
			Error:      job.Error,
			StartedAt:  timePtr(job.StartedAt),
			FinishedAt: timePtr(job.FinishedAt),
			CreatedAt:  job.CreatedAt,
		})
	}
}

func handleGetPrediction(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		pred, err := deps.Store.GetPrediction(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && pred.OwnerHash != owner) {
			httpError(w, http.StatusNotFound, "not_found", "prediction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching prediction: %v", err)
			return
		}

		writeJSON(w, predictionResponse{
			ID:              pred.ID,
			UploadID:        pred.UploadID,
			Scores:          pred.Scores,
			ModelName:       pred.ModelName,
			ModelVersion:    pred.ModelVersion,
			InferenceTimeMs: pred.InferenceTimeMs,
			CreatedAt:       pred.CreatedAt,
		})
	}
}

func handleResults(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Cache.RecentSnapshot(r.Context(), owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching results: %v", err)
			return
		}
		writeJSON(w, toResultsResponse(owner, snap))
	}
}

// handleResultsRefresh discards the cached snapshot and serves a fresh one.
func handleResultsRefresh(deps Deps, owner string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Cache.Invalidate(owner)
		snap, err := deps.Cache.RecentSnapshot(r.Context(), owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refreshing results: %v", err)
			return
		}
		writeJSON(w, toResultsResponse(owner, snap))
	}
}

func toResultsResponse(owner string, snap results.Snapshot) resultsResponse {
	preds := make([]predictionResponse, 0, len(snap.Predictions))
	for _, p := range snap.Predictions {
		uploadedAt := p.UploadedAt
		preds = append(preds, predictionResponse{
			ID:              p.ID,
			UploadID:        p.UploadID,
			Scores:          p.Scores,
			ModelName:       p.ModelName,
			ModelVersion:    p.ModelVersion,
			InferenceTimeMs: p.InferenceTimeMs,
			CreatedAt:       p.CreatedAt,
			UploadSizeBytes: p.UploadSizeBytes,
			UploadedAt:      &uploadedAt,
		})
	}
	return resultsResponse{
		OwnerHash:   owner,
		Predictions: preds,
		FetchedAt:   snap.FetchedAt.UnixMilli(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
