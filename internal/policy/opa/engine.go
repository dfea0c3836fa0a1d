package opa

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed emergency.rego
var defaultEmergencyPolicy string

const emergencyQuery = "data.tollgate.emergency.decision"

// Engine wraps the OPA rego engine for emergency policy evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu             sync.RWMutex
	emergencyQuery rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine. An empty policyDir uses the
// built-in emergency policy.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies loads all .rego files from the policy directory, or the
// embedded default when no directory is configured
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	modules := make(map[string]*ast.Module)

	if e.policyDir == "" {
		module, err := ast.ParseModule("emergency.rego", defaultEmergencyPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse built-in policy: %w", err)
		}
		modules["emergency.rego"] = module
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepareEmergencyQuery compiles the emergency decision query
func prepareEmergencyQuery(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(emergencyQuery)}
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	return rego.New(opts...).PrepareForEval(context.Background())
}

// Decision is the emergency policy outcome
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason"`
	DurationMinutes   int    `json:"duration_minutes"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// EvaluateEmergency evaluates an emergency access request
func (e *Engine) EvaluateEmergency(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	e.mu.RLock()
	query := e.emergencyQuery
	e.mu.RUnlock()

	startTime := time.Now()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("emergency query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Emergency query evaluated")

	if len(results) == 0 {
		return nil, fmt.Errorf("no results from emergency query")
	}

	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in emergency query result")
	}

	// Numbers come back as json.Number; round-trip through JSON.
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal emergency decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal emergency decision: %w", err)
	}

	return &decision, nil
}

// Reload reloads all policies and re-prepares the query. Evaluations in
// flight keep using the previous query.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepareEmergencyQuery(modules)
	if err != nil {
		return fmt.Errorf("failed to prepare emergency query: %w", err)
	}

	e.mu.Lock()
	e.emergencyQuery = query
	e.mu.Unlock()

	e.logger.Debug().Int("modules", len(modules)).Msg("OPA policies loaded")

	return nil
}
