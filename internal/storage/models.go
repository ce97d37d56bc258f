package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job status values. Transitions are one-directional:
// queued -> processing -> completed|failed.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Upload is an immutable record of a stored audio artifact.
type Upload struct {
	ID           string
	OwnerHash    string
	ArtifactPath string
	SizeBytes    int64
	CreatedAt    time.Time
}

type Job struct {
	ID             string
	UploadID       string
	OwnerHash      string
	Status         string
	Error          string
	StartedAt      time.Time // zero until claimed
	FinishedAt     time.Time // zero until terminal
	ClaimExpiresAt time.Time // zero until claimed; expired claims are re-claimable
	CreatedAt      time.Time
}

// ClassScore is one (label, score) pair from the sound classifier's top-K.
type ClassScore struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// Scores is the fixed merged output of both classifiers, stored as JSON.
type Scores struct {
	SoundClassification string       `json:"sound_classification"`
	YamnetTopClasses    []ClassScore `json:"yamnet_top_classes"`
	YamnetConfidence    float64      `json:"yamnet_confidence"`
	Emotion             string       `json:"emotion"`
	EmotionScore        float64      `json:"emotion_score"`
}

// Prediction is written at most once per job, on the completed transition.
type Prediction struct {
	ID              string
	UploadID        string
	OwnerHash       string
	Scores          Scores
	ModelName       string
	ModelVersion    string
	InferenceTimeMs int64
	CreatedAt       time.Time
}

// PredictionView is a Prediction joined with its Upload for display.
type PredictionView struct {
	Prediction
	UploadSizeBytes int64
	UploadedAt      time.Time
}
