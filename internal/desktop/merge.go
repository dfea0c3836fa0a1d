package desktop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

// MergeSession folds a remote delta into the local record. Fields present
// in the delta win; absent fields keep their local value. Without a local
// record, unbounded modes start at +Inf.
func MergeSession(local *storage.PaywallSession, domain string, delta storage.SessionDelta) (storage.PaywallSession, error) {
	var merged storage.PaywallSession
	if local != nil {
		merged = storage.ApplyDelta(*local, delta)
		merged.Domain = domain
	} else {
		merged = storage.SessionFromDelta(domain, delta)
	}
	switchedToUnbounded := local != nil && !local.Mode.Unbounded() && merged.Mode.Unbounded()
	if switchedToUnbounded && delta.RemainingSeconds == nil {
		// The old countdown does not carry over into an unbounded mode.
		merged.RemainingSeconds = storage.Infinite
	}
	return storage.Normalize(merged)
}

// ApplySessionDelta merges delta into state. An invalid result removes the
// session instead of storing it.
func ApplySessionDelta(state *storage.State, delta storage.SessionDelta) (storage.PaywallSession, error) {
	if delta.Domain == nil || strings.TrimSpace(*delta.Domain) == "" {
		return storage.PaywallSession{}, fmt.Errorf("%w: delta without domain", storage.ErrInvalidSessionPayload)
	}
	domain := normalizeDomain(*delta.Domain)

	var local *storage.PaywallSession
	if s, ok := state.Session(domain); ok {
		local = &s
	}
	merged, err := MergeSession(local, domain, delta)
	if err != nil {
		state.DeleteSession(domain)
		return storage.PaywallSession{}, err
	}
	state.Sessions[domain] = merged
	return merged, nil
}

// MergeOnboarding combines the local and remote onboarding state. Each day
// field keeps the later calendar day. A pending local patch wins over the
// remote value until the remote reports the same or a later value, at
// which point that field of the patch is considered acknowledged. The
// returned patch is nil once every field is acknowledged.
func MergeOnboarding(local, remote storage.DailyOnboardingState, pending *storage.DailyOnboardingPatch) (storage.DailyOnboardingState, *storage.DailyOnboardingPatch) {
	out := storage.DailyOnboardingState{
		CompletedDay:    laterDay(local.CompletedDay, remote.CompletedDay),
		LastPromptedDay: laterDay(local.LastPromptedDay, remote.LastPromptedDay),
		LastSkippedDay:  laterDay(local.LastSkippedDay, remote.LastSkippedDay),
		Note:            remote.Note,
	}
	if out.Note == "" {
		out.Note = local.Note
	}
	if pending == nil {
		return out, nil
	}

	left := *pending
	out.CompletedDay, left.CompletedDay = applyPendingDay(out.CompletedDay, remote.CompletedDay, pending.CompletedDay)
	out.LastPromptedDay, left.LastPromptedDay = applyPendingDay(out.LastPromptedDay, remote.LastPromptedDay, pending.LastPromptedDay)
	out.LastSkippedDay, left.LastSkippedDay = applyPendingDay(out.LastSkippedDay, remote.LastSkippedDay, pending.LastSkippedDay)
	if pending.Note != nil {
		if remote.Note == *pending.Note {
			left.Note = nil
		} else {
			out.Note = *pending.Note
		}
	}

	if left.CompletedDay == nil && left.LastPromptedDay == nil && left.LastSkippedDay == nil && left.Note == nil {
		return out, nil
	}
	return out, &left
}

func applyPendingDay(merged, remote string, pending *string) (string, *string) {
	if pending == nil {
		return merged, nil
	}
	if remote != "" && remote >= *pending {
		return merged, nil
	}
	return *pending, pending
}

// laterDay compares YYYY-MM-DD strings, which order lexically.
func laterDay(a, b string) string {
	if b > a {
		return b
	}
	return a
}

// Snapshot is the decoded GET /extension/state document. Nil fields were
// absent or unreadable.
type Snapshot struct {
	Version         int
	Wallet          *storage.Wallet
	MarketRates     map[string]storage.MarketRate
	Sessions        map[string]storage.SessionDelta
	Settings        json.RawMessage
	FocusSession    *storage.FocusSession
	FocusCleared    bool
	DailyOnboarding *storage.DailyOnboardingState
	Library         []storage.LibraryItem
}

var snapshotFields = map[string]bool{
	"version":         true,
	"wallet":          true,
	"marketRates":     true,
	"sessions":        true,
	"settings":        true,
	"focusSession":    true,
	"dailyOnboarding": true,
	"library":         true,
}

// DecodeSnapshot reads a snapshot leniently. Unknown fields and fields that
// fail to decode become warnings; only a non-object document is an error.
func DecodeSnapshot(raw []byte) (*Snapshot, []string, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}
	decode := func(key string, out any) bool {
		data, ok := sections[key]
		if !ok || isNullJSON(data) {
			return false
		}
		if err := json.Unmarshal(data, out); err != nil {
			warn("%s: %v; ignored", key, err)
			return false
		}
		return true
	}

	unknown := make([]string, 0)
	for key := range sections {
		if !snapshotFields[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		warn("unknown field %q ignored", key)
	}

	snap := &Snapshot{}
	if !decode("version", &snap.Version) {
		warn("version missing; assuming %d", storage.SchemaVersion)
		snap.Version = storage.SchemaVersion
	}

	var wallet storage.Wallet
	if decode("wallet", &wallet) {
		if wallet.Balance < 0 {
			warn("wallet: negative balance %d ignored", wallet.Balance)
		} else {
			snap.Wallet = &wallet
		}
	}

	var rates map[string]storage.MarketRate
	if decode("marketRates", &rates) {
		snap.MarketRates = rates
	}

	var sessions map[string]json.RawMessage
	if decode("sessions", &sessions) {
		snap.Sessions = make(map[string]storage.SessionDelta, len(sessions))
		for domain, item := range sessions {
			var delta storage.SessionDelta
			if err := json.Unmarshal(item, &delta); err != nil {
				warn("sessions[%s]: %v; ignored", domain, err)
				continue
			}
			snap.Sessions[normalizeDomain(domain)] = delta
		}
	}

	if data, ok := sections["settings"]; ok && !isNullJSON(data) {
		snap.Settings = data
	}

	if data, ok := sections["focusSession"]; ok {
		if isNullJSON(data) {
			snap.FocusCleared = true
		} else {
			var fs storage.FocusSession
			if err := json.Unmarshal(data, &fs); err != nil {
				warn("focusSession: %v; ignored", err)
			} else {
				snap.FocusSession = &fs
			}
		}
	}

	var onboarding storage.DailyOnboardingState
	if decode("dailyOnboarding", &onboarding) {
		snap.DailyOnboarding = &onboarding
	}

	decode("library", &snap.Library)
	return snap, warnings, nil
}

// ApplySnapshot makes state reflect snap. Sessions the snapshot carries are
// merged field by field so a sparse snapshot cannot clobber locally
// advanced fields. Local sessions it does not carry are kept: they may have
// been started offline and wait on queued events the desktop has not
// ingested yet. Sessions end through expiry, an explicit end or a pushed
// session-ended. Items with a pending local library edit keep the local copy.
func ApplySnapshot(state *storage.State, snap *Snapshot, now time.Time) []string {
	var warnings []string

	if snap.Wallet != nil {
		state.Wallet = *snap.Wallet
	}
	if snap.MarketRates != nil {
		state.MarketRates = make(map[string]storage.MarketRate, len(snap.MarketRates))
		for domain, rate := range snap.MarketRates {
			domain = normalizeDomain(domain)
			if rate.Domain == "" {
				rate.Domain = domain
			}
			state.MarketRates[domain] = rate
		}
	}

	if snap.Settings != nil {
		settings := state.Settings
		if err := json.Unmarshal(snap.Settings, &settings); err != nil {
			warnings = append(warnings, fmt.Sprintf("settings: %v; kept local settings", err))
		} else {
			state.Settings = settings
		}
	}

	for domain, delta := range snap.Sessions {
		d := domain
		delta.Domain = &d
		if _, err := ApplySessionDelta(state, delta); err != nil {
			warnings = append(warnings, fmt.Sprintf("sessions[%s]: %v; dropped", domain, err))
		}
	}

	switch {
	case snap.FocusSession != nil:
		fs := *snap.FocusSession
		if fs.Allowlist == nil {
			fs.Allowlist = []storage.AllowlistEntry{}
		}
		if fs.Overrides == nil {
			fs.Overrides = []storage.FocusOverride{}
		}
		fs.LastUpdated = storage.UnixMillis(now)
		state.FocusSession = &fs
	case snap.FocusCleared:
		state.FocusSession = nil
	}

	if snap.DailyOnboarding != nil {
		state.DailyOnboarding, state.PendingOnboardingPatch = MergeOnboarding(state.DailyOnboarding, *snap.DailyOnboarding, state.PendingOnboardingPatch)
	}

	for _, item := range snap.Library {
		if item.ID == "" {
			continue
		}
		if _, pending := state.PendingLibrarySync[item.ID]; pending {
			continue
		}
		state.Library[item.ID] = item
	}

	return warnings
}

// ApplyFocusUpdate folds a pomodoro message into the focus session and
// stamps the heartbeat.
func ApplyFocusUpdate(state *storage.State, update FocusUpdate, now time.Time) {
	fs := state.FocusSession
	if fs == nil {
		fs = &storage.FocusSession{Allowlist: []storage.AllowlistEntry{}, Overrides: []storage.FocusOverride{}}
	}
	next := *fs
	p := update.Session

	if p.SessionID != nil {
		next.ID = *p.SessionID
	}
	if p.Mode != nil {
		next.Mode = *p.Mode
	}
	if p.Allowlist != nil {
		next.Allowlist = p.Allowlist
	}
	if p.Overrides != nil {
		next.Overrides = p.Overrides
	}
	if p.RemainingMs != nil {
		next.RemainingMs = *p.RemainingMs
	}

	switch update.Type {
	case TypeFocusStart, TypeFocusResume:
		next.State = storage.FocusActive
	case TypeFocusPause:
		next.State = storage.FocusPaused
	case TypeFocusBreak:
		next.State = storage.FocusBreak
	case TypeFocusStop:
		next.State = storage.FocusEnded
	}
	if p.State != nil {
		next.State = *p.State
	}

	next.LastUpdated = storage.UnixMillis(now)
	state.FocusSession = &next
}

// ApplyOverride records a granted override, replacing any earlier grant for
// the same target and dropping expired ones.
func ApplyOverride(state *storage.State, override storage.FocusOverride, now time.Time) {
	if state.FocusSession == nil {
		return
	}
	nowMs := storage.UnixMillis(now)
	kept := make([]storage.FocusOverride, 0, len(state.FocusSession.Overrides)+1)
	for _, o := range state.FocusSession.Overrides {
		if o.ExpiresAt <= nowMs {
			continue
		}
		if o.Kind == override.Kind && strings.EqualFold(o.Target, override.Target) {
			continue
		}
		kept = append(kept, o)
	}
	state.FocusSession.Overrides = append(kept, override)
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func isNullJSON(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
