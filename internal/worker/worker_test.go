package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/moodpipe/moodpipe/internal/blob"
	"github.com/moodpipe/moodpipe/internal/classify"
	"github.com/moodpipe/moodpipe/internal/notify"
	"github.com/moodpipe/moodpipe/internal/recommend"
	"github.com/moodpipe/moodpipe/internal/storage"
)

type mockClassifier struct {
	calls      atomic.Int32
	classifyFn func(ctx context.Context, samples []float32, sampleRate int) (classify.Result, error)
}

func (m *mockClassifier) Classify(ctx context.Context, samples []float32, sampleRate int) (classify.Result, error) {
	m.calls.Add(1)
	return m.classifyFn(ctx, samples, sampleRate)
}

func soundMock() *mockClassifier {
	return &mockClassifier{classifyFn: func(_ context.Context, _ []float32, _ int) (classify.Result, error) {
		return classify.Result{
			Label:      "Speech",
			Confidence: 0.9,
			TopK:       []classify.LabelScore{{Class: "Speech", Score: 0.9}, {Class: "Music", Score: 0.05}},
		}, nil
	}}
}

func emotionMock() *mockClassifier {
	return &mockClassifier{classifyFn: func(_ context.Context, _ []float32, _ int) (classify.Result, error) {
		return classify.Result{Label: "happy", Confidence: 0.8}, nil
	}}
}

type mockPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockPublisher) Publish(e notify.Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type mockRecommender struct {
	err   error
	calls atomic.Int32
}

func (m *mockRecommender) ForMood(_ context.Context, _ string, _ int) ([]recommend.Track, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return []recommend.Track{{Title: "Song", Artist: "Band"}}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestBlobs(t *testing.T) *blob.FSStore {
	t.Helper()
	b, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return b
}

// putTestWAV encodes a short tone and stores it as the upload's artifact.
func putTestWAV(t *testing.T, blobs *blob.FSStore, path string) {
	t.Helper()

	tmpPath := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(tmpPath)
	if err != nil {
		t.Fatalf("creating temp wav: %v", err)
	}
	const rate = 16000
	data := make([]int, rate/2)
	for i := range data {
		data[i] = int(math.Sin(2*math.Pi*220*float64(i)/rate) * 12000)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encoding wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("closing encoder: %v", err)
	}
	f.Close()

	raw, err := os.Open(tmpPath)
	if err != nil {
		t.Fatalf("opening temp wav: %v", err)
	}
	defer raw.Close()
	if _, err := blobs.Put(context.Background(), path, raw); err != nil {
		t.Fatalf("Put artifact: %v", err)
	}
}

func enqueueTestJob(t *testing.T, s *storage.Store, owner string, withArtifact *blob.FSStore) (storage.Upload, storage.Job) {
	t.Helper()
	u := storage.Upload{
		ID:           uuid.New().String(),
		OwnerHash:    owner,
		ArtifactPath: owner + "/" + uuid.New().String() + ".wav",
		SizeBytes:    1024,
	}
	j := storage.Job{ID: uuid.New().String(), UploadID: u.ID, OwnerHash: owner}
	if err := s.CreateUploadWithJob(u, j); err != nil {
		t.Fatalf("CreateUploadWithJob: %v", err)
	}
	if withArtifact != nil {
		putTestWAV(t, withArtifact, u.ArtifactPath)
	}
	return u, j
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	u, j := enqueueTestJob(t, store, "owner-a", blobs)

	pub := &mockPublisher{}
	w := NewWorker(store, blobs, soundMock(), emotionMock(), pub, 0, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	job, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Fatalf("job status = %q, want completed (error: %s)", job.Status, job.Error)
	}
	if job.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}

	preds, err := store.RecentPredictions("owner-a", 10)
	if err != nil {
		t.Fatalf("RecentPredictions: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("got %d predictions, want 1", len(preds))
	}
	p := preds[0]
	if p.UploadID != u.ID {
		t.Errorf("prediction upload_id = %q, want %q", p.UploadID, u.ID)
	}
	if p.Scores.SoundClassification != "Speech" || p.Scores.Emotion != "happy" {
		t.Errorf("merged scores = %+v", p.Scores)
	}
	if p.Scores.YamnetConfidence != 0.9 || p.Scores.EmotionScore != 0.8 {
		t.Errorf("confidences = %v/%v", p.Scores.YamnetConfidence, p.Scores.EmotionScore)
	}
	if len(p.Scores.YamnetTopClasses) != 2 {
		t.Errorf("top classes = %+v", p.Scores.YamnetTopClasses)
	}
	if p.ModelName != "yamnet-wav2vec2-emotion" || p.ModelVersion != "1.0.0" {
		t.Errorf("model = %s/%s", p.ModelName, p.ModelVersion)
	}

	if pub.count() != 1 {
		t.Errorf("published %d events, want 1", pub.count())
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, openTestBlobs(t), soundMock(), emotionMock(), &mockPublisher{}, 0, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Fatal("RunOnce returned true on empty queue")
	}
}

func TestWorker_MissingArtifactFailsJob(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	_, j := enqueueTestJob(t, store, "owner-a", nil) // no artifact stored

	pub := &mockPublisher{}
	w := NewWorker(store, blobs, soundMock(), emotionMock(), pub, 0, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	job, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Fatalf("job status = %q, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "retrieving artifact") {
		t.Errorf("job error = %q, want retrieval stage", job.Error)
	}
	if pub.count() != 0 {
		t.Errorf("published %d events for failed job, want 0", pub.count())
	}

	preds, err := store.RecentPredictions("owner-a", 10)
	if err != nil {
		t.Fatalf("RecentPredictions: %v", err)
	}
	if len(preds) != 0 {
		t.Errorf("failed job produced %d predictions, want 0", len(preds))
	}
}

func TestWorker_ClassifierErrorFailsJob(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	_, j := enqueueTestJob(t, store, "owner-a", blobs)

	broken := &mockClassifier{classifyFn: func(_ context.Context, _ []float32, _ int) (classify.Result, error) {
		return classify.Result{}, fmt.Errorf("model not loaded")
	}}
	w := NewWorker(store, blobs, broken, emotionMock(), &mockPublisher{}, 0, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	job, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Fatalf("job status = %q, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "sound classification") {
		t.Errorf("job error = %q, want classification stage", job.Error)
	}
}

func TestWorker_LoopSurvivesFailingJobs(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	enqueueTestJob(t, store, "owner-a", nil) // will fail: no artifact
	_, good := enqueueTestJob(t, store, "owner-a", blobs)

	w := NewWorker(store, blobs, soundMock(), emotionMock(), &mockPublisher{}, 0, 0)

	for i := 0; i < 2; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	job, err := store.GetJob(good.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("good job status = %q after earlier failure, want completed", job.Status)
	}
}

func TestWorker_EnrichmentFailureDoesNotAffectCompletion(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	_, j := enqueueTestJob(t, store, "owner-a", blobs)

	recs := &mockRecommender{err: fmt.Errorf("recommendation service down")}
	w := NewWorker(store, blobs, soundMock(), emotionMock(), &mockPublisher{}, 0, 0)
	w.SetRecommender(recs)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if recs.calls.Load() != 1 {
		t.Errorf("recommender calls = %d, want 1", recs.calls.Load())
	}
	job, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("job status = %q despite enrichment-only failure, want completed", job.Status)
	}
}

func TestWorker_ConcurrentClaimExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	blobs := openTestBlobs(t)
	enqueueTestJob(t, store, "owner-a", blobs)

	sound := soundMock()
	var processed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := NewWorker(store, blobs, sound, emotionMock(), &mockPublisher{}, 0, 0)
			didWork, err := w.RunOnce(context.Background())
			if err != nil {
				t.Errorf("RunOnce: %v", err)
			}
			if didWork {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()

	if processed.Load() != 1 {
		t.Errorf("%d workers processed the job, want exactly 1", processed.Load())
	}
	if sound.calls.Load() != 1 {
		t.Errorf("sound classifier invoked %d times, want exactly 1", sound.calls.Load())
	}
}
