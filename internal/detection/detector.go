package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benmeehan/pet-feeder/internal/imageops"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/benmeehan/pet-feeder/pkg/scorer"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrModelUnavailable is returned by Init when a scorer failed its health check.
var ErrModelUnavailable = errors.New("detection models unavailable")

// Scorer runs one model over a JPEG image.
type Scorer interface {
	Predict(ctx context.Context, imageData []byte) ([]scorer.Detection, error)
}

// HealthChecker is implemented by scorers that can report model readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// FrameSource yields the most recent frame a viewer has seen.
type FrameSource func() ([]byte, bool)

// Config tunes the detector.
type Config struct {
	ConfidenceThreshold float64 // 0..1, applied to both models
	Window              time.Duration
	SampleInterval      time.Duration
	CropQuality         int
	Aliases             map[string]string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		Window:              5 * time.Second,
		SampleInterval:      500 * time.Millisecond,
		CropQuality:         90,
		Aliases:             DefaultAliases(),
	}
}

// DefaultAliases maps numeric class labels some model exports emit to the
// disease names.
func DefaultAliases() map[string]string {
	return map[string]string{
		"class_0": "demodicosis",
		"class_1": "dermatitis",
		"class_2": "flea_allergy",
		"class_3": "fungus",
		"class_4": "ringworm",
		"class_5": "scabies",
	}
}

// Detector runs the two-stage cat then disease pipeline.
type Detector struct {
	localizer Scorer
	diseases  Scorer
	config    Config
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	checked  bool
	availErr error
}

// NewDetector creates a detector. Until Init runs the models are assumed available.
func NewDetector(localizer, diseases Scorer, config Config, clock clockwork.Clock, logger zerolog.Logger) *Detector {
	if config.SampleInterval <= 0 {
		config.SampleInterval = 500 * time.Millisecond
	}
	if config.Aliases == nil {
		config.Aliases = DefaultAliases()
	}
	return &Detector{
		localizer: localizer,
		diseases:  diseases,
		config:    config,
		clock:     clock,
		logger:    logger.With().Str("component", "detector").Logger(),
	}
}

// Init probes both models once. A failure is cached: every later detection
// reports the unavailable outcome without contacting the scorers.
func (d *Detector) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.checked {
		return d.availErr
	}
	d.checked = true

	var errs []error
	if d.localizer == nil || d.diseases == nil {
		errs = append(errs, errors.New("scorer not configured"))
	}
	for name, s := range map[string]Scorer{"cat": d.localizer, "disease": d.diseases} {
		hc, ok := s.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s model: %w", name, err))
		}
	}
	if len(errs) > 0 {
		d.availErr = fmt.Errorf("%w: %w", ErrModelUnavailable, errors.Join(errs...))
		d.logger.Error().Err(d.availErr).Msg("detection disabled")
		return d.availErr
	}
	d.logger.Info().Msg("detection models ready")
	return nil
}

// Available reports whether the models passed Init.
func (d *Detector) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availErr == nil
}

// LocateCats returns every cat box above the threshold, highest confidence first.
func (d *Detector) LocateCats(ctx context.Context, frame []byte) ([]models.BoundingBox, error) {
	if !d.Available() {
		return nil, ErrModelUnavailable
	}
	dets, err := d.localizer.Predict(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("cat localizer: %w", err)
	}
	boxes := d.toBoxes(dets)
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Confidence > boxes[j].Confidence })
	return boxes, nil
}

// AnalyzeFrame runs the single-frame path. The disease scorer only ever sees
// the crop of the best cat. Scorer failures are returned as errors; missing
// cats and bad crops are outcomes.
func (d *Detector) AnalyzeFrame(ctx context.Context, frame []byte) (models.FrameDetection, error) {
	if !d.Available() {
		return models.FrameDetection{Outcome: models.OutcomeUnavailable}, nil
	}

	cats, err := d.LocateCats(ctx, frame)
	if err != nil {
		return models.FrameDetection{}, err
	}
	if len(cats) == 0 {
		return models.FrameDetection{Outcome: models.OutcomeNoCat}, nil
	}
	best := cats[0]
	result := models.FrameDetection{
		Outcome:       models.OutcomeCropFailed,
		CatConfidence: best.Confidence * 100,
		Cat:           &best,
	}

	if best.Area() == 0 {
		return result, nil
	}
	img, err := imageops.Decode(frame)
	if err != nil {
		return models.FrameDetection{}, err
	}
	crop, ok := imageops.Crop(img, best)
	if !ok {
		return result, nil
	}
	cropData, err := imageops.EncodeJPEG(crop, d.config.CropQuality)
	if err != nil {
		return models.FrameDetection{}, err
	}

	dets, err := d.diseases.Predict(ctx, cropData)
	if err != nil {
		return models.FrameDetection{}, fmt.Errorf("disease scorer: %w", err)
	}
	result.Outcome = models.OutcomeDetected
	result.Diseases = d.toBoxes(dets)
	return result, nil
}

// DetectWindow samples src every SampleInterval for Window, runs AnalyzeFrame
// on each frame and reduces the results with Aggregate. Samples whose scorer
// call failed are skipped.
func (d *Detector) DetectWindow(ctx context.Context, src FrameSource) (models.DetectionVerdict, error) {
	if !d.Available() {
		return unavailableVerdict(), nil
	}

	attempts := int(d.config.Window / d.config.SampleInterval)
	if attempts < 1 {
		attempts = 1
	}

	var samples []models.FrameDetection
	for i := 0; i < attempts; i++ {
		if i > 0 && !utils.SleepContext(ctx, d.clock, d.config.SampleInterval) {
			return models.DetectionVerdict{}, ctx.Err()
		}
		frame, ok := src()
		if !ok || len(frame) == 0 {
			continue
		}
		res, err := d.AnalyzeFrame(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return models.DetectionVerdict{}, ctx.Err()
			}
			d.logger.Warn().Err(err).Int("sample", i).Msg("sample analysis failed")
			continue
		}
		samples = append(samples, res)
	}

	verdict := Aggregate(samples)
	d.logger.Info().
		Str("outcome", string(verdict.Outcome)).
		Int("samples", verdict.TotalSamples).
		Int("diseases", verdict.TotalDiseases).
		Msg("detection window finished")
	return verdict, nil
}

func (d *Detector) toBoxes(dets []scorer.Detection) []models.BoundingBox {
	boxes := make([]models.BoundingBox, 0, len(dets))
	for _, det := range dets {
		if det.Confidence < d.config.ConfidenceThreshold {
			continue
		}
		name := det.Class
		if name == "" {
			name = fmt.Sprintf("class_%d", det.ClassID)
		}
		if alias, ok := d.config.Aliases[name]; ok {
			name = alias
		}
		boxes = append(boxes, models.BoundingBox{
			Class:      name,
			Confidence: det.Confidence,
			X1:         int(det.BBox[0]),
			Y1:         int(det.BBox[1]),
			X2:         int(det.BBox[2]),
			Y2:         int(det.BBox[3]),
		})
	}
	return boxes
}

func unavailableVerdict() models.DetectionVerdict {
	return models.DetectionVerdict{
		Outcome:  models.OutcomeUnavailable,
		Diseases: []models.DiseaseSignal{},
		Message:  "Detection models are unavailable",
	}
}
