package detection

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/pet-feeder/internal/imageops"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/pkg/scorer"
	"github.com/disintegration/imaging"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScorer struct {
	mu        sync.Mutex
	dets      []scorer.Detection
	err       error
	healthErr error
	calls     int
	last      []byte
}

func (f *fakeScorer) Predict(ctx context.Context, imageData []byte) ([]scorer.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = imageData
	return f.dets, f.err
}

func (f *fakeScorer) Health(ctx context.Context) error {
	return f.healthErr
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	data, err := imageops.EncodeJPEG(imaging.New(200, 160, color.White), 90)
	require.NoError(t, err)
	return data
}

func newTestDetector(cat, disease *fakeScorer) *Detector {
	cfg := DefaultConfig()
	cfg.Window = 20 * time.Millisecond
	cfg.SampleInterval = 2 * time.Millisecond
	return NewDetector(cat, disease, cfg, clockwork.NewRealClock(), zerolog.Nop())
}

func TestAnalyzeFrame_NoCatSkipsDiseaseScorer(t *testing.T) {
	cat := &fakeScorer{dets: []scorer.Detection{{Class: "cat", Confidence: 0.3, BBox: [4]float64{0, 0, 50, 50}}}}
	disease := &fakeScorer{}
	d := newTestDetector(cat, disease)

	res, err := d.AnalyzeFrame(context.Background(), testFrame(t))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoCat, res.Outcome)
	assert.False(t, res.CatDetected())
	assert.Equal(t, 0, disease.callCount())
}

func TestAnalyzeFrame_DegenerateCropFails(t *testing.T) {
	cat := &fakeScorer{dets: []scorer.Detection{{Class: "cat", Confidence: 0.9, BBox: [4]float64{40, 40, 40, 90}}}}
	disease := &fakeScorer{}
	d := newTestDetector(cat, disease)

	res, err := d.AnalyzeFrame(context.Background(), testFrame(t))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCropFailed, res.Outcome)
	assert.True(t, res.CatDetected())
	assert.False(t, res.CatCropped())
	assert.InDelta(t, 90.0, res.CatConfidence, 1e-9)
	assert.Equal(t, 0, disease.callCount())
}

func TestAnalyzeFrame_ScoresBestCrop(t *testing.T) {
	cat := &fakeScorer{dets: []scorer.Detection{
		{Class: "cat", Confidence: 0.6, BBox: [4]float64{0, 0, 20, 20}},
		{Class: "cat", Confidence: 0.95, BBox: [4]float64{50, 40, 150, 90}},
	}}
	disease := &fakeScorer{dets: []scorer.Detection{
		{ClassID: 1, Confidence: 0.8, BBox: [4]float64{1, 1, 10, 10}},
		{Class: "fungus", Confidence: 0.2},
	}}
	d := newTestDetector(cat, disease)

	res, err := d.AnalyzeFrame(context.Background(), testFrame(t))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDetected, res.Outcome)
	assert.InDelta(t, 95.0, res.CatConfidence, 1e-9)
	require.Len(t, res.Diseases, 1)
	assert.Equal(t, "dermatitis", res.Diseases[0].Class)

	crop, err := imageops.Decode(disease.last)
	require.NoError(t, err)
	assert.Equal(t, 100, crop.Bounds().Dx())
	assert.Equal(t, 50, crop.Bounds().Dy())
}

func TestAnalyzeFrame_ScorerErrorIsReturned(t *testing.T) {
	cat := &fakeScorer{err: errors.New("connection refused")}
	d := newTestDetector(cat, &fakeScorer{})

	_, err := d.AnalyzeFrame(context.Background(), testFrame(t))

	assert.Error(t, err)
}

func TestInit_CachesUnavailable(t *testing.T) {
	cat := &fakeScorer{healthErr: errors.New("model file missing")}
	disease := &fakeScorer{}
	d := newTestDetector(cat, disease)

	err := d.Init(context.Background())
	require.ErrorIs(t, err, ErrModelUnavailable)
	assert.False(t, d.Available())

	cat.healthErr = nil
	assert.ErrorIs(t, d.Init(context.Background()), ErrModelUnavailable)

	res, err := d.AnalyzeFrame(context.Background(), testFrame(t))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnavailable, res.Outcome)

	verdict, err := d.DetectWindow(context.Background(), func() ([]byte, bool) { return testFrame(t), true })
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnavailable, verdict.Outcome)
	assert.Equal(t, 0, cat.callCount())
}

func TestDetectWindow_SamplesWholeWindow(t *testing.T) {
	cat := &fakeScorer{dets: []scorer.Detection{{Class: "cat", Confidence: 0.9, BBox: [4]float64{10, 10, 110, 110}}}}
	disease := &fakeScorer{dets: []scorer.Detection{{Class: "ringworm", Confidence: 0.7}}}
	d := newTestDetector(cat, disease)
	require.NoError(t, d.Init(context.Background()))

	frame := testFrame(t)
	verdict, err := d.DetectWindow(context.Background(), func() ([]byte, bool) { return frame, true })

	require.NoError(t, err)
	assert.Equal(t, 10, verdict.TotalSamples)
	assert.Equal(t, models.OutcomeDetected, verdict.Outcome)
	assert.True(t, verdict.CatDetected)
	require.Len(t, verdict.Diseases, 1)
	assert.Equal(t, "ringworm", verdict.Diseases[0].Name)
	assert.InDelta(t, 1.0, verdict.Diseases[0].AppearanceRate, 1e-9)
}

func TestDetectWindow_NoFrames(t *testing.T) {
	d := newTestDetector(&fakeScorer{}, &fakeScorer{})

	verdict, err := d.DetectWindow(context.Background(), func() ([]byte, bool) { return nil, false })

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoFrames, verdict.Outcome)
	assert.Equal(t, 0, verdict.TotalSamples)
}

func TestDetectWindow_Cancelled(t *testing.T) {
	d := newTestDetector(&fakeScorer{}, &fakeScorer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DetectWindow(ctx, func() ([]byte, bool) { return nil, false })

	assert.ErrorIs(t, err, context.Canceled)
}
