package models

import "time"

// DetectionOutcome tags the result of a detection run. Absence of a cat or of
// frames is an expected outcome, not an error.
type DetectionOutcome string

const (
	OutcomeDetected    DetectionOutcome = "detected"
	OutcomeNoCat       DetectionOutcome = "no_cat"
	OutcomeCropFailed  DetectionOutcome = "crop_failed"
	OutcomeNoFrames    DetectionOutcome = "no_frames"
	OutcomeUnavailable DetectionOutcome = "unavailable"
)

// BoundingBox is a detection in pixel coordinates of the image it was produced from.
type BoundingBox struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"` // 0..1
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BoundingBox) Area() int {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// FrameDetection is the single-frame detection result.
type FrameDetection struct {
	Outcome       DetectionOutcome `json:"outcome"`
	CatConfidence float64          `json:"cat_confidence"` // percent
	Cat           *BoundingBox     `json:"cat,omitempty"`
	Diseases      []BoundingBox    `json:"diseases"`
}

// CatDetected reports whether a cat passed the confidence threshold.
func (f FrameDetection) CatDetected() bool {
	return f.Outcome == OutcomeDetected || f.Outcome == OutcomeCropFailed
}

// CatCropped reports whether the disease scorer ran on a valid crop.
func (f FrameDetection) CatCropped() bool {
	return f.Outcome == OutcomeDetected
}

// DiseaseSignal is one disease class aggregated over a detection window.
type DiseaseSignal struct {
	Name              string  `json:"disease"`
	Confidence        float64 `json:"confidence"`         // max over samples, percent
	AverageConfidence float64 `json:"average_confidence"` // percent
	AppearanceRate    float64 `json:"appearance_rate"`
	Count             int     `json:"count"`
}

// DetectionVerdict is the stabilized result of a detection window.
type DetectionVerdict struct {
	Outcome       DetectionOutcome `json:"outcome"`
	CatDetected   bool             `json:"cat_detected"`
	CatCropped    bool             `json:"cat_cropped"`
	CatConfidence float64          `json:"cat_confidence"`
	Diseases      []DiseaseSignal  `json:"diseases"`
	TotalDiseases int              `json:"total_diseases"`
	TotalSamples  int              `json:"total_samples"`
	Message       string           `json:"message"`
}

// DetectionRecord is a persisted detection verdict.
type DetectionRecord struct {
	ID          int64            `json:"id"`
	UserID      int64            `json:"user_id"`
	Verdict     DetectionVerdict `json:"verdict"`
	SnapshotKey string           `json:"snapshot_key,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
