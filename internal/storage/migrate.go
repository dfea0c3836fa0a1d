package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Migrate decodes a raw root document of any known schema version into a
// fully populated State. Sections that fail to decode are replaced by
// their defaults and reported as warnings; invalid sessions are dropped.
// An error is returned only when raw is not a JSON object at all.
func Migrate(raw []byte, queueCapacity int) (*State, []string, error) {
	state := NewState(queueCapacity)
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return state, nil, nil
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return state, nil, fmt.Errorf("decode root document: %w", err)
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	decode := func(key string, out any) {
		data, ok := sections[key]
		if !ok || isNull(data) {
			return
		}
		if err := json.Unmarshal(data, out); err != nil {
			warn("%s: %v; using defaults", key, err)
		}
	}

	version := 1
	if data, ok := sections["version"]; ok {
		if err := json.Unmarshal(data, &version); err != nil {
			warn("version: %v; assuming 1", err)
			version = 1
		}
	}
	if version > SchemaVersion {
		warn("document version %d is newer than %d; decoding known fields only", version, SchemaVersion)
	}

	var wallet Wallet
	decode("wallet", &wallet)
	if wallet.Balance < 0 {
		warn("wallet: negative balance %d reset to 0", wallet.Balance)
		wallet.Balance = 0
	}
	state.Wallet = wallet

	rates := map[string]MarketRate{}
	decode("marketRates", &rates)
	for domain, rate := range rates {
		if rate.Domain == "" {
			rate.Domain = domain
		}
		state.MarketRates[domain] = rate
	}

	settings := DefaultSettings()
	if data, ok := sections["settings"]; ok && !isNull(data) {
		if err := json.Unmarshal(data, &settings); err != nil {
			warn("settings: %v; using defaults", err)
			settings = DefaultSettings()
		}
	}
	state.Settings = backfillSettings(settings)

	state.Sessions = migrateSessions(sections["sessions"], warn)

	// Version 2 stored queues as bare arrays; Queue.UnmarshalJSON accepts both.
	decode("pendingTransactions", &state.PendingTransactions)
	decode("pendingConsumption", &state.PendingConsumption)
	decode("pendingActivity", &state.PendingActivity)
	decode("pendingFocusBlocks", &state.PendingFocusBlocks)
	decode("pendingEmergencyReviews", &state.PendingReviews)
	state.SetQueueCapacity(queueCapacity)

	decode("library", &state.Library)
	decode("pendingLibrarySync", &state.PendingLibrarySync)
	if state.Library == nil {
		state.Library = map[string]LibraryItem{}
	}
	if state.PendingLibrarySync == nil {
		state.PendingLibrarySync = map[string]LibraryItem{}
	}

	decode("pendingCategorisation", &state.PendingCategorisation)
	decode("focusSession", &state.FocusSession)
	if fs := state.FocusSession; fs != nil {
		if fs.Allowlist == nil {
			fs.Allowlist = []AllowlistEntry{}
		}
		if fs.Overrides == nil {
			fs.Overrides = []FocusOverride{}
		}
	}

	decode("emergencyUsage", &state.EmergencyUsage)
	if state.EmergencyUsage.Audits == nil {
		state.EmergencyUsage.Audits = []EmergencyAudit{}
	}
	if state.EmergencyUsage.TokensUsed < 0 {
		state.EmergencyUsage.TokensUsed = 0
	}

	decode("dailyOnboarding", &state.DailyOnboarding)
	decode("pendingOnboardingPatch", &state.PendingOnboardingPatch)

	state.Version = SchemaVersion
	return state, warnings, nil
}

// migrateSessions decodes the session map. Version 1 sessions carried no
// domain field, so the map key is authoritative.
func migrateSessions(data json.RawMessage, warn func(string, ...any)) map[string]PaywallSession {
	sessions := map[string]PaywallSession{}
	if len(data) == 0 || isNull(data) {
		return sessions
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		warn("sessions: %v; dropping all sessions", err)
		return sessions
	}
	for domain, item := range raw {
		domain = strings.ToLower(strings.TrimSpace(domain))
		var delta SessionDelta
		if err := json.Unmarshal(item, &delta); err != nil {
			warn("sessions[%s]: %v; dropped", domain, err)
			continue
		}
		delta.Domain = &domain
		session, err := Normalize(SessionFromDelta(domain, delta))
		if err != nil {
			warn("sessions[%s]: %v; dropped", domain, err)
			continue
		}
		sessions[domain] = session
	}
	return sessions
}

func backfillSettings(s Settings) Settings {
	def := DefaultSettings()
	if s.FrivolousDomains == nil {
		s.FrivolousDomains = def.FrivolousDomains
	}
	if s.EncouragementMessages == nil {
		s.EncouragementMessages = def.EncouragementMessages
	}
	if s.RescueTargets == nil {
		s.RescueTargets = def.RescueTargets
	}
	if s.DiscouragementIntervalMinutes <= 0 {
		s.DiscouragementIntervalMinutes = def.DiscouragementIntervalMinutes
	}
	if s.MeteredPremiumMultiplier <= 0 {
		s.MeteredPremiumMultiplier = def.MeteredPremiumMultiplier
	}
	if s.VisualFilterDiscount <= 0 || s.VisualFilterDiscount > 1 {
		s.VisualFilterDiscount = def.VisualFilterDiscount
	}
	if s.VisualFilter == "" {
		s.VisualFilter = def.VisualFilter
	}
	if s.EmergencyTokensPerDay < 0 {
		s.EmergencyTokensPerDay = def.EmergencyTokensPerDay
	}
	if s.EmergencyDurationMinutes <= 0 {
		s.EmergencyDurationMinutes = def.EmergencyDurationMinutes
	}
	return s
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
