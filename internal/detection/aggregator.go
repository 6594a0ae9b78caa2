package detection

import (
	"fmt"
	"sort"

	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/samber/lo"
)

const (
	// MinAppearanceRate is the share of samples a disease class must show up in.
	MinAppearanceRate = 0.3
	// CatDetectedRate is the share of samples that must contain a cat.
	CatDetectedRate = 0.5
	// CatCroppedRate is the share of samples that must yield a usable crop.
	CatCroppedRate = 0.3

	rateEpsilon = 1e-9
)

// Aggregate reduces per-frame results into one verdict. A class counts once
// per sample, with that sample's highest confidence.
func Aggregate(samples []models.FrameDetection) models.DetectionVerdict {
	total := len(samples)
	if total == 0 {
		return models.DetectionVerdict{
			Outcome:  models.OutcomeNoFrames,
			Diseases: []models.DiseaseSignal{},
			Message:  "No frames available from the camera",
		}
	}

	catCount := lo.CountBy(samples, func(s models.FrameDetection) bool { return s.CatDetected() })
	cropCount := lo.CountBy(samples, func(s models.FrameDetection) bool { return s.CatCropped() })
	catConfidence := lo.Max(lo.Map(samples, func(s models.FrameDetection, _ int) float64 { return s.CatConfidence }))

	// class -> best confidence in each sample it appeared in
	perClass := map[string][]float64{}
	for _, s := range samples {
		best := map[string]float64{}
		for _, d := range s.Diseases {
			if d.Confidence > best[d.Class] {
				best[d.Class] = d.Confidence
			}
		}
		for class, conf := range best {
			perClass[class] = append(perClass[class], conf*100)
		}
	}

	diseases := make([]models.DiseaseSignal, 0, len(perClass))
	for class, confs := range perClass {
		rate := float64(len(confs)) / float64(total)
		if rate+rateEpsilon < MinAppearanceRate {
			continue
		}
		diseases = append(diseases, models.DiseaseSignal{
			Name:              class,
			Confidence:        lo.Max(confs),
			AverageConfidence: lo.Sum(confs) / float64(len(confs)),
			AppearanceRate:    rate,
			Count:             len(confs),
		})
	}
	sort.SliceStable(diseases, func(i, j int) bool {
		if diseases[i].Confidence == diseases[j].Confidence {
			return diseases[i].Name < diseases[j].Name
		}
		return diseases[i].Confidence > diseases[j].Confidence
	})

	verdict := models.DetectionVerdict{
		CatDetected:   reaches(catCount, total, CatDetectedRate),
		CatCropped:    reaches(cropCount, total, CatCroppedRate),
		CatConfidence: catConfidence,
		Diseases:      diseases,
		TotalDiseases: len(diseases),
		TotalSamples:  total,
	}

	switch {
	case !verdict.CatDetected:
		verdict.Outcome = models.OutcomeNoCat
		verdict.Message = "No cat detected in the image"
	case !verdict.CatCropped:
		verdict.Outcome = models.OutcomeCropFailed
		verdict.Message = "Cat detected but could not be cropped"
	default:
		verdict.Outcome = models.OutcomeDetected
		if len(diseases) == 0 {
			verdict.Message = fmt.Sprintf("No disease detected (%d samples)", total)
		} else {
			verdict.Message = fmt.Sprintf("Detected %d possible condition(s) over %d samples", len(diseases), total)
		}
	}
	return verdict
}

func reaches(count, total int, rate float64) bool {
	return float64(count)+rateEpsilon >= rate*float64(total)
}
