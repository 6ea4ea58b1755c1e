package anomaly

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-health/kestrel/internal/domain"
)

func writeArtifact(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func writeValidArtifacts(t *testing.T, dir string) {
	t.Helper()
	writeArtifact(t, dir, ForestFile, depthForest())
	writeArtifact(t, dir, ScalerFile, identityScaler())
	writeArtifact(t, dir, CalibrationFile, Calibration{ScoreMin: -0.5, ScoreMax: -0.25})
}

func TestLoad(t *testing.T) {
	t.Run("ValidArtifacts", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)

		model, err := Load(dir)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(model.Forest.Trees) != 1 {
			t.Errorf("expected 1 tree, got %d", len(model.Forest.Trees))
		}
		if model.Calibration.ScoreMin != -0.5 || model.Calibration.ScoreMax != -0.25 {
			t.Errorf("calibration not round-tripped: %+v", model.Calibration)
		}
		if !NewScorer(model).Ready() {
			t.Error("loaded model must produce a ready scorer")
		}
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		_, err := Load(t.TempDir())
		if !errors.Is(err, domain.ErrEngineNotReady) {
			t.Fatalf("expected ErrEngineNotReady, got %v", err)
		}
		for _, name := range []string{ForestFile, ScalerFile, CalibrationFile} {
			if !strings.Contains(err.Error(), name) {
				t.Errorf("error should name missing artifact %s: %v", name, err)
			}
		}
	})

	t.Run("OneMissingArtifact", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)
		if err := os.Remove(filepath.Join(dir, CalibrationFile)); err != nil {
			t.Fatal(err)
		}

		_, err := Load(dir)
		if !errors.Is(err, domain.ErrEngineNotReady) {
			t.Fatalf("expected ErrEngineNotReady, got %v", err)
		}
		if !strings.Contains(err.Error(), CalibrationFile) {
			t.Errorf("error should name the missing artifact: %v", err)
		}
		if strings.Contains(err.Error(), ForestFile) {
			t.Errorf("error should not name present artifacts: %v", err)
		}
	})

	t.Run("MalformedForest", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)
		if err := os.WriteFile(filepath.Join(dir, ForestFile), []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := Load(dir); !errors.Is(err, domain.ErrEngineNotReady) {
			t.Errorf("expected ErrEngineNotReady, got %v", err)
		}
	})

	t.Run("StructurallyInvalidForest", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)
		writeArtifact(t, dir, ForestFile, &Forest{SubsampleSize: 2})

		if _, err := Load(dir); !errors.Is(err, domain.ErrEngineNotReady) {
			t.Errorf("expected ErrEngineNotReady for empty forest, got %v", err)
		}
	})

	t.Run("ScalerFeatureCountMismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)
		writeArtifact(t, dir, ScalerFile, &Scaler{Mean: []float64{0, 0}, Scale: []float64{1, 1}})

		_, err := Load(dir)
		if !errors.Is(err, domain.ErrEngineNotReady) {
			t.Fatalf("expected ErrEngineNotReady, got %v", err)
		}
		if !strings.Contains(err.Error(), "continuous features") {
			t.Errorf("error should explain the feature count mismatch: %v", err)
		}
	})

	t.Run("ScalerMeanScaleMismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeValidArtifacts(t, dir)
		mismatched := &Scaler{
			Mean:  make([]float64, len(domain.ContinuousFeatureNames)),
			Scale: []float64{1},
		}
		writeArtifact(t, dir, ScalerFile, mismatched)

		if _, err := Load(dir); !errors.Is(err, domain.ErrEngineNotReady) {
			t.Errorf("expected ErrEngineNotReady, got %v", err)
		}
	})
}
