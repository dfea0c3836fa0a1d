package policy

import (
	"context"
	"fmt"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/policy/opa"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/rs/zerolog"
)

// Decision reasons returned by the emergency policy.
const (
	ReasonGranted               = "granted"
	ReasonJustificationRequired = "justification-required"
	ReasonTokensExhausted       = "tokens-exhausted"
	ReasonCooldown              = "cooldown"
	ReasonPolicyError           = "policy-error"
)

// EmergencyDecision is the outcome of an emergency access request.
type EmergencyDecision = opa.Decision

// Engine gathers facts from local state and asks OPA whether an
// emergency session may start.
type Engine struct {
	opaEngine *opa.Engine
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewEngine creates a fact-based emergency policy engine
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	opaEngine, err := opa.NewEngine(policyDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	return &Engine{
		opaEngine: opaEngine,
		clock:     clock.RealClock{},
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// SetClock sets the clock used for day and cooldown facts (for testing)
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// Reload re-reads the policy files.
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}

// EvaluateEmergency decides whether an emergency session may start for
// domain. Evaluation failures deny with ReasonPolicyError.
func (e *Engine) EvaluateEmergency(ctx context.Context, state *storage.State, domain, justification string) EmergencyDecision {
	facts := e.buildEmergencyFacts(state, domain, justification)

	decision, err := e.opaEngine.EvaluateEmergency(ctx, facts)
	if err != nil {
		e.logger.Error().Err(err).Str("domain", domain).Msg("OPA emergency evaluation failed, denying")
		metrics.EmergencyDecisions.WithLabelValues(ReasonPolicyError).Inc()
		return EmergencyDecision{Reason: ReasonPolicyError}
	}

	metrics.EmergencyDecisions.WithLabelValues(decision.Reason).Inc()
	e.logger.Debug().
		Str("domain", domain).
		Bool("allowed", decision.Allowed).
		Str("reason", decision.Reason).
		Msg("Emergency decision")

	return *decision
}

// buildEmergencyFacts collects the inputs the policy needs
func (e *Engine) buildEmergencyFacts(state *storage.State, domain, justification string) map[string]interface{} {
	now := e.clock.Now()
	settings := state.Settings
	usage := state.EmergencyUsage

	lastUsed := usage.LastUsedAt
	tokensUsed := state.EmergencyTokensUsed(storage.DayKey(now))

	return map[string]interface{}{
		"domain":        domain,
		"justification": justification,
		"now":           storage.UnixMillis(now),
		"usage": map[string]interface{}{
			"day":          usage.Day,
			"tokens_used":  tokensUsed,
			"last_used_at": lastUsed,
		},
		"settings": map[string]interface{}{
			"tokens_per_day":    settings.EmergencyTokensPerDay,
			"cooldown_minutes":  settings.EmergencyCooldownMinutes,
			"duration_minutes":  settings.EmergencyDurationMinutes,
			"min_justification": settings.EmergencyMinJustification,
		},
	}
}
