package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

type classifyRequest struct {
	Samples    []float32 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
}

type classifyResponse struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	TopK       []LabelScore `json:"top_k"`
}

// HTTPClassifier calls an inference service over HTTP. Both the YAMNet sound
// service and the wav2vec2 emotion service expose the same /classify shape.
type HTTPClassifier struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewSoundClassifier returns a client for the sound-event (YAMNet) service.
func NewSoundClassifier(baseURL string) *HTTPClassifier {
	return newHTTPClassifier("sound", baseURL)
}

// NewEmotionClassifier returns a client for the speech-emotion service.
func NewEmotionClassifier(baseURL string) *HTTPClassifier {
	return newHTTPClassifier("emotion", baseURL)
}

func newHTTPClassifier(name, baseURL string) *HTTPClassifier {
	return &HTTPClassifier{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	body, err := json.Marshal(classifyRequest{Samples: samples, SampleRate: sampleRate})
	if err != nil {
		return Result{}, fmt.Errorf("%s: encoding request: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%s: building request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: calling classifier: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("%s: classifier returned %s: %s", c.name, resp.Status, msg)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%s: decoding response: %w", c.name, err)
	}

	result := Result{Label: out.Label, Confidence: out.Confidence, TopK: out.TopK}
	if len(result.TopK) > MaxTopK {
		result.TopK = result.TopK[:MaxTopK]
	}
	if err := validate(result); err != nil {
		return Result{}, fmt.Errorf("%s: malformed classifier output: %w", c.name, err)
	}
	return result, nil
}
