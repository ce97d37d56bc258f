// Package worker drives queued analysis jobs to a terminal state: claim,
// fetch the artifact, run both classifiers, persist the prediction, finalize.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moodpipe/moodpipe/internal/audio"
	"github.com/moodpipe/moodpipe/internal/blob"
	"github.com/moodpipe/moodpipe/internal/classify"
	"github.com/moodpipe/moodpipe/internal/notify"
	"github.com/moodpipe/moodpipe/internal/recommend"
	"github.com/moodpipe/moodpipe/internal/storage"
)

const (
	modelName    = "yamnet-wav2vec2-emotion"
	modelVersion = "1.0.0"

	recommendationLimit = 5
)

// JobStore abstracts the record store operations the worker needs.
type JobStore interface {
	ClaimNextJob(lease time.Duration) (*storage.Job, error)
	GetUpload(id string) (storage.Upload, error)
	CompleteJob(jobID string, p storage.Prediction) error
	FailJob(jobID string, errMsg string) error
}

// Publisher emits change events after a prediction insert commits.
type Publisher interface {
	Publish(e notify.Event)
}

// Recommender is the optional post-completion enrichment collaborator.
type Recommender interface {
	ForMood(ctx context.Context, mood string, limit int) ([]recommend.Track, error)
}

// Worker polls for claimable jobs and processes one job fully before the next
// claim. Multiple workers may run over the same record store; correctness
// rests entirely on the atomicity of the claim.
type Worker struct {
	store   JobStore
	blobs   blob.Store
	sound   classify.Classifier
	emotion classify.Classifier
	events  Publisher
	recs    Recommender // optional; nil disables enrichment
	poll    time.Duration
	lease   time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 5s; if
// claimLease is <= 0 it defaults to 10m.
func NewWorker(store JobStore, blobs blob.Store, sound, emotion classify.Classifier, events Publisher, pollInterval, claimLease time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if claimLease <= 0 {
		claimLease = 10 * time.Minute
	}
	return &Worker{
		store:   store,
		blobs:   blobs,
		sound:   sound,
		emotion: emotion,
		events:  events,
		poll:    pollInterval,
		lease:   claimLease,
		logger:  slog.Default(),
	}
}

// SetRecommender enables best-effort playlist enrichment after completion.
func (w *Worker) SetRecommender(r Recommender) {
	w.recs = r
}

// Run polls for jobs until ctx is cancelled. A failing job never terminates
// the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure). A missed claim is a skip, not an
// error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(w.lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	pred, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, pred); err != nil {
		// The prediction insert and the completed transition share one
		// transaction, so nothing partial was written.
		if failErr := w.store.FailJob(job.ID, fmt.Sprintf("persisting prediction: %v", err)); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	w.logger.Info("job completed", "job_id", job.ID, "prediction_id", pred.ID,
		"sound", pred.Scores.SoundClassification, "emotion", pred.Scores.Emotion)

	w.events.Publish(notify.PredictionEvent(pred.OwnerHash, pred.ID, pred.CreatedAt))
	w.enrich(ctx, pred)
	return true, nil
}

// processJob runs steps (a)-(f): resolve the upload, retrieve and decode the
// artifact, classify, and merge scores. Any error routes the job to failed.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) (storage.Prediction, error) {
	upload, err := w.store.GetUpload(job.UploadID)
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("fetching upload %s: %w", job.UploadID, err)
	}

	rc, err := w.blobs.Open(ctx, upload.ArtifactPath)
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("retrieving artifact %s: %w", upload.ArtifactPath, err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("reading artifact %s: %w", upload.ArtifactPath, err)
	}

	clip, err := audio.DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("decoding audio: %w", err)
	}

	start := time.Now()
	soundRes, err := w.sound.Classify(ctx, clip.Samples, clip.SampleRate)
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("sound classification: %w", err)
	}
	emotionRes, err := w.emotion.Classify(ctx, clip.Samples, clip.SampleRate)
	if err != nil {
		return storage.Prediction{}, fmt.Errorf("emotion classification: %w", err)
	}
	inferenceTime := time.Since(start)

	return storage.Prediction{
		ID:              uuid.New().String(),
		UploadID:        upload.ID,
		OwnerHash:       job.OwnerHash,
		Scores:          mergeScores(soundRes, emotionRes),
		ModelName:       modelName,
		ModelVersion:    modelVersion,
		InferenceTimeMs: inferenceTime.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// mergeScores combines both classifier outputs into the stored scores shape.
func mergeScores(sound, emotion classify.Result) storage.Scores {
	topClasses := make([]storage.ClassScore, len(sound.TopK))
	for i, c := range sound.TopK {
		topClasses[i] = storage.ClassScore{Class: c.Class, Score: c.Score}
	}
	return storage.Scores{
		SoundClassification: sound.Label,
		YamnetTopClasses:    topClasses,
		YamnetConfidence:    sound.Confidence,
		Emotion:             emotion.Label,
		EmotionScore:        emotion.Confidence,
	}
}

// enrich runs the optional recommendation lookup. Failures are logged and
// swallowed; the job's completed status is already final.
func (w *Worker) enrich(ctx context.Context, pred storage.Prediction) {
	if w.recs == nil {
		return
	}
	tracks, err := w.recs.ForMood(ctx, pred.Scores.Emotion, recommendationLimit)
	if err != nil {
		w.logger.Warn("recommendation enrichment failed", "prediction_id", pred.ID, "error", err)
		return
	}
	w.logger.Debug("recommendations fetched", "prediction_id", pred.ID, "mood", pred.Scores.Emotion, "count", len(tracks))
}
