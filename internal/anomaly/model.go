// Package anomaly wraps the frozen unsupervised outlier model. The model,
// its feature-scaling transform and the calibration scalars are produced by
// an offline training step and loaded once at process start; the resulting
// Model value is immutable and shared across scoring calls.
package anomaly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-health/kestrel/internal/domain"
)

// Artifact file names within the model directory.
const (
	ForestFile      = "isolation_forest.json"
	ScalerFile      = "scaler.json"
	CalibrationFile = "calibration.json"
)

// Scaler is the frozen standard-scaling transform for continuous features.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`

	// FeatureNames records the training-time feature order for audit.
	FeatureNames []string `json:"featureNames,omitempty"`
}

// Transform applies (x - mean) / scale element-wise. Zero-variance features
// carry scale 1 in the frozen artifact; a zero is still guarded here.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// Calibration carries the raw-score extremes observed at fitting time.
// They anchor the [0,1] normalization: score_max maps to 0 (most normal),
// score_min maps to 1 (most anomalous).
type Calibration struct {
	ScoreMin float64 `json:"scoreMin"`
	ScoreMax float64 `json:"scoreMax"`
}

// Model bundles the frozen artifacts. A nil Model means not-ready.
type Model struct {
	Forest      *Forest
	Scaler      *Scaler
	Calibration Calibration
}

// Load reads the frozen artifacts from dir. All three files are required;
// any missing or malformed artifact leaves the engine not-ready and the
// error names what is missing.
func Load(dir string) (*Model, error) {
	required := []string{ForestFile, ScalerFile, CalibrationFile}
	var missing []string
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing artifacts %v in %s", domain.ErrEngineNotReady, missing, dir)
	}

	var forest Forest
	if err := readJSON(filepath.Join(dir, ForestFile), &forest); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineNotReady, err)
	}
	if err := forest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid forest artifact: %v", domain.ErrEngineNotReady, err)
	}

	var scaler Scaler
	if err := readJSON(filepath.Join(dir, ScalerFile), &scaler); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineNotReady, err)
	}
	if len(scaler.Mean) != len(scaler.Scale) {
		return nil, fmt.Errorf("%w: scaler mean/scale length mismatch", domain.ErrEngineNotReady)
	}
	if len(scaler.Mean) != len(domain.ContinuousFeatureNames) {
		return nil, fmt.Errorf("%w: scaler covers %d features, engine has %d continuous features",
			domain.ErrEngineNotReady, len(scaler.Mean), len(domain.ContinuousFeatureNames))
	}

	var cal Calibration
	if err := readJSON(filepath.Join(dir, CalibrationFile), &cal); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineNotReady, err)
	}

	return &Model{
		Forest:      &forest,
		Scaler:      &scaler,
		Calibration: cal,
	}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %v", filepath.Base(path), err)
	}
	return nil
}
