package anomaly

import (
	"math"

	"github.com/opensource-health/kestrel/internal/domain"
)

// degenerateDenominator substitutes for a zero calibration range so a
// zero-variance calibration set cannot produce a division error.
const degenerateDenominator = 1e-6

// Scorer maps a feature vector to a normalized anomaly score in [0,1]:
// 0 = most normal seen during calibration, 1 = most anomalous.
type Scorer struct {
	model *Model
}

// NewScorer wraps a loaded model. A nil model produces a permanently
// not-ready scorer; callers must check Ready before scoring.
func NewScorer(model *Model) *Scorer {
	return &Scorer{model: model}
}

// Ready reports whether the frozen artifacts are loaded. Scoring in a
// not-ready state is refused, never approximated.
func (s *Scorer) Ready() bool {
	return s != nil && s.model != nil
}

// Score scales the continuous features with the frozen transform,
// concatenates the untouched binary features, obtains the forest's raw
// outlier score and normalizes it against the calibration range.
func (s *Scorer) Score(v *domain.FeatureVector) (float64, error) {
	if !s.Ready() {
		return 0, domain.ErrEngineNotReady
	}

	scaled, err := s.model.Scaler.Transform(v.Continuous())
	if err != nil {
		return 0, err
	}
	sample := append(scaled, v.Binary()...)

	raw := s.model.Forest.ScoreSample(sample)

	denom := s.model.Calibration.ScoreMax - s.model.Calibration.ScoreMin
	if denom == 0 {
		denom = degenerateDenominator
	}
	norm := (s.model.Calibration.ScoreMax - raw) / denom
	return clip01(norm), nil
}

func clip01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
