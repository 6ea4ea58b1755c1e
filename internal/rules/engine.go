// Package rules provides the CEL-Go based deterministic rule evaluator.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-health/kestrel/internal/domain"
)

// Engine evaluates the deterministic fraud rules against a feature vector.
// Rule conditions are CEL expressions compiled once per load; thresholds and
// enabled flags are externally owned configuration, hot-reloadable from the
// repository. Weights are fixed constants (domain.RuleWeights).
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program for one rule.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates an engine with the feature-vector CEL environment and
// loads the documented default rule set.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		// Continuous features
		cel.Variable("claim_amount_zscore", cel.DoubleType),
		cel.Variable("stay_duration_days", cel.DoubleType),
		cel.Variable("claim_to_package_ratio", cel.DoubleType),
		cel.Variable("patient_claim_freq_30d", cel.DoubleType),
		cel.Variable("days_since_last_claim", cel.DoubleType),
		cel.Variable("hospital_claim_volume_zscore", cel.DoubleType),
		cel.Variable("hospital_cost_deviation_index", cel.DoubleType),
		cel.Variable("repeat_claim_amount_deviation", cel.DoubleType),
		// Binary indicators and the inpatient flag
		cel.Variable("is_zero_day_stay", cel.IntType),
		cel.Variable("same_proc_repeat_flag", cel.IntType),
		cel.Variable("is_high_cost_procedure", cel.IntType),
		cel.Variable("patient_multi_hospital_flag", cel.IntType),
		cel.Variable("is_inpatient", cel.IntType),
		// Per-rule configured threshold
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:      env,
		compiled: make(map[string]*CompiledRule),
	}
	if err := e.LoadRules(domain.DefaultRuleConfigs()); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadRule compiles and loads a rule into the engine. Disabled rules are
// loaded too: they keep their slot in the trigger map and always evaluate
// false.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiled[cfg.Key] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if err := e.LoadRule(cfg); err != nil {
			return err
		}
	}
	return nil
}

// ReloadRules swaps in a fresh rule set atomically. Rules absent from the
// new set fall back to their defaults so the trigger map always carries all
// five keys.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule, len(domain.RuleKeys))

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cfg := range domain.DefaultRuleConfigs() {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.Key] = compiled
	}
	for _, cfg := range configs {
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.Key] = compiled
	}

	e.compiled = newRules
	return nil
}

// GetLoadedRules returns the loaded rule configurations in canonical order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.RuleConfig, 0, len(e.compiled))
	for _, key := range domain.RuleKeys {
		if c, ok := e.compiled[key]; ok {
			out = append(out, c.Config)
		}
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Result is the outcome of evaluating all rules against one feature vector.
type Result struct {
	// Triggers holds one entry per rule key. A disabled rule is present
	// and false regardless of its underlying condition.
	Triggers map[string]bool

	// ActiveCount is the number of triggered rules.
	ActiveCount int

	// RuleScoreNorm is the triggered weight sum divided by 100, in [0,1].
	RuleScoreNorm float64
}

// Evaluate runs every loaded rule against the feature vector. Evaluation is
// sequential and deterministic; with five fixed rules there is nothing to
// parallelize.
func (e *Engine) Evaluate(v *domain.FeatureVector) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	activation := activationFor(v)

	result := &Result{Triggers: make(map[string]bool, len(domain.RuleKeys))}
	var raw float64

	for _, key := range domain.RuleKeys {
		compiled, ok := e.compiled[key]
		if !ok {
			result.Triggers[key] = false
			continue
		}

		triggered := false
		if compiled.Config.Enabled {
			activation["threshold"] = compiled.Config.Threshold
			out, _, err := compiled.Program.Eval(activation)
			if err != nil {
				return nil, fmt.Errorf("rule %s evaluation failed: %w", key, err)
			}
			b, ok := out.(types.Bool)
			if !ok {
				return nil, fmt.Errorf("rule %s returned non-boolean result", key)
			}
			triggered = bool(b)
		}

		result.Triggers[key] = triggered
		if triggered {
			result.ActiveCount++
			raw += domain.RuleWeights[key]
		}
	}

	result.RuleScoreNorm = raw / 100.0
	return result, nil
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg == nil || cfg.Key == "" {
		return nil, fmt.Errorf("rule config with key is required")
	}
	if _, known := domain.RuleWeights[cfg.Key]; !known {
		return nil, fmt.Errorf("unknown rule key %q", cfg.Key)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.Key, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.Key, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Key, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}

func activationFor(v *domain.FeatureVector) map[string]any {
	return map[string]any{
		"claim_amount_zscore":           v.ClaimAmountZScore,
		"stay_duration_days":            v.StayDurationDays,
		"claim_to_package_ratio":        v.ClaimToPackageRatio,
		"patient_claim_freq_30d":        v.PatientClaimFreq30d,
		"days_since_last_claim":         v.DaysSinceLastClaim,
		"hospital_claim_volume_zscore":  v.HospitalClaimVolumeZScore,
		"hospital_cost_deviation_index": v.HospitalCostDeviationIndex,
		"repeat_claim_amount_deviation": v.RepeatClaimAmountDeviation,
		"is_zero_day_stay":              int64(v.IsZeroDayStay),
		"same_proc_repeat_flag":         int64(v.SameProcRepeatFlag),
		"is_high_cost_procedure":        int64(v.IsHighCostProcedure),
		"patient_multi_hospital_flag":   int64(v.PatientMultiHospitalFlag),
		"is_inpatient":                  int64(v.IsInpatient),
		"threshold":                     0.0,
	}
}
