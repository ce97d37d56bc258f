// Package classify defines the classifier collaborator contract and HTTP
// clients for the sound and emotion inference services.
package classify

import (
	"context"
	"fmt"
)

// MaxTopK bounds how many (label, score) candidates a classifier may return.
const MaxTopK = 5

// LabelScore is one candidate label with its confidence.
type LabelScore struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// Result is a single classifier's output: the winning label, its confidence
// in [0, 1], and the top-K candidates ordered most confident first.
type Result struct {
	Label      string
	Confidence float64
	TopK       []LabelScore
}

// Classifier labels a normalized audio sample buffer. A returned error is
// treated as a job failure; no retries, no partial predictions.
type Classifier interface {
	Classify(ctx context.Context, samples []float32, sampleRate int) (Result, error)
}

// validate rejects malformed classifier output before it can reach a
// prediction row.
func validate(r Result) error {
	if r.Label == "" {
		return fmt.Errorf("empty label")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", r.Confidence)
	}
	for i, c := range r.TopK {
		if c.Score < 0 || c.Score > 1 {
			return fmt.Errorf("top-k score %v at %d outside [0, 1]", c.Score, i)
		}
	}
	return nil
}
