package storage

import (
	"sort"
	"time"
)

// SchemaVersion is the current version of the root document.
const SchemaVersion = 3

// MaxEmergencyAudits bounds the audit log kept in the emergency bucket.
const MaxEmergencyAudits = 50

// State is the single persisted root document.
type State struct {
	Version                int                       `json:"version"`
	Wallet                 Wallet                    `json:"wallet"`
	MarketRates            map[string]MarketRate     `json:"marketRates"`
	Settings               Settings                  `json:"settings"`
	Sessions               map[string]PaywallSession `json:"sessions"`
	PendingTransactions    Queue[WalletTransaction]  `json:"pendingTransactions"`
	PendingConsumption     Queue[ConsumptionEvent]   `json:"pendingConsumption"`
	PendingActivity        Queue[ActivityEvent]      `json:"pendingActivity"`
	PendingFocusBlocks     Queue[FocusBlockEvent]    `json:"pendingFocusBlocks"`
	PendingReviews         Queue[EmergencyAudit]     `json:"pendingEmergencyReviews"`
	Library                map[string]LibraryItem    `json:"library"`
	PendingLibrarySync     map[string]LibraryItem    `json:"pendingLibrarySync"`
	PendingCategorisation  *CategorisationUpdate     `json:"pendingCategorisation,omitempty"`
	FocusSession           *FocusSession             `json:"focusSession,omitempty"`
	EmergencyUsage         EmergencyUsage            `json:"emergencyUsage"`
	DailyOnboarding        DailyOnboardingState      `json:"dailyOnboarding"`
	PendingOnboardingPatch *DailyOnboardingPatch     `json:"pendingOnboardingPatch,omitempty"`
}

// NewState returns a fully populated empty document.
func NewState(queueCapacity int) *State {
	return &State{
		Version:             SchemaVersion,
		MarketRates:         map[string]MarketRate{},
		Settings:            DefaultSettings(),
		Sessions:            map[string]PaywallSession{},
		PendingTransactions: NewQueue[WalletTransaction](queueCapacity),
		PendingConsumption:  NewQueue[ConsumptionEvent](queueCapacity),
		PendingActivity:     NewQueue[ActivityEvent](queueCapacity),
		PendingFocusBlocks:  NewQueue[FocusBlockEvent](queueCapacity),
		PendingReviews:      NewQueue[EmergencyAudit](queueCapacity),
		Library:             map[string]LibraryItem{},
		PendingLibrarySync:  map[string]LibraryItem{},
		EmergencyUsage:      EmergencyUsage{Audits: []EmergencyAudit{}},
	}
}

// SetQueueCapacity applies capacity to every pending queue.
func (s *State) SetQueueCapacity(capacity int) {
	s.PendingTransactions.SetCapacity(capacity)
	s.PendingConsumption.SetCapacity(capacity)
	s.PendingActivity.SetCapacity(capacity)
	s.PendingFocusBlocks.SetCapacity(capacity)
	s.PendingReviews.SetCapacity(capacity)
}

// Session returns the session for domain.
func (s *State) Session(domain string) (PaywallSession, bool) {
	session, ok := s.Sessions[domain]
	return session, ok
}

// PutSession normalizes and stores session, deleting the record instead
// when it is no longer valid.
func (s *State) PutSession(session PaywallSession) error {
	normalized, err := Normalize(session)
	if err != nil {
		delete(s.Sessions, session.Domain)
		return err
	}
	s.Sessions[normalized.Domain] = normalized
	return nil
}

// DeleteSession removes the session for domain and reports whether one existed.
func (s *State) DeleteSession(domain string) bool {
	_, ok := s.Sessions[domain]
	delete(s.Sessions, domain)
	return ok
}

// SessionDomains returns the session keys in sorted order.
func (s *State) SessionDomains() []string {
	domains := make([]string, 0, len(s.Sessions))
	for domain := range s.Sessions {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// RecordAudit appends to the emergency audit log, keeping the newest
// entries, and queues the audit for the desktop's emergency review.
func (s *State) RecordAudit(audit EmergencyAudit) {
	if audit.ID == "" {
		audit.ID = NewID()
	}
	s.PendingReviews.Push(audit)
	s.EmergencyUsage.Audits = append(s.EmergencyUsage.Audits, audit)
	if over := len(s.EmergencyUsage.Audits) - MaxEmergencyAudits; over > 0 {
		s.EmergencyUsage.Audits = append([]EmergencyAudit(nil), s.EmergencyUsage.Audits[over:]...)
	}
}

// DayKey formats t as the YYYY-MM-DD day used by the daily buckets.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// EmergencyTokensUsed returns the tokens spent on day, treating a bucket
// from an earlier day as empty.
func (s *State) EmergencyTokensUsed(day string) int {
	if s.EmergencyUsage.Day != day {
		return 0
	}
	return s.EmergencyUsage.TokensUsed
}

// ConsumeEmergencyToken records one emergency grant at now.
func (s *State) ConsumeEmergencyToken(now time.Time) {
	day := DayKey(now)
	if s.EmergencyUsage.Day != day {
		s.EmergencyUsage.Day = day
		s.EmergencyUsage.TokensUsed = 0
	}
	s.EmergencyUsage.TokensUsed++
	s.EmergencyUsage.LastUsedAt = UnixMillis(now)
}
