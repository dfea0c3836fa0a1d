package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Mode represents the economic mode of a paywall session.
type Mode string

const (
	ModeMetered   Mode = "metered"
	ModePack      Mode = "pack"
	ModeEmergency Mode = "emergency"
	ModeStore     Mode = "store"
)

// Valid reports whether m is one of the known session modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeMetered, ModePack, ModeEmergency, ModeStore:
		return true
	}
	return false
}

// Unbounded reports whether sessions in this mode default to an infinite
// remaining time.
func (m Mode) Unbounded() bool {
	return m == ModeMetered || m == ModeStore
}

// Seconds is a remaining-time value in seconds. +Inf is the sentinel for
// sessions without a time bound and is encoded as the JSON string "Infinity".
type Seconds float64

// Infinite is the unbounded sentinel.
var Infinite = Seconds(math.Inf(1))

// IsInf reports whether s is the unbounded sentinel.
func (s Seconds) IsInf() bool { return math.IsInf(float64(s), 1) }

// Finite reports whether s is a usable finite number.
func (s Seconds) Finite() bool {
	f := float64(s)
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	f := float64(s)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	}
	return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Unparseable values decode as
// NaN so normalization can replace them.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "infinity", "+infinity", "inf":
			*s = Infinite
		case "-infinity", "-inf":
			*s = Seconds(math.Inf(-1))
		default:
			f, err := strconv.ParseFloat(str, 64)
			if err != nil {
				f = math.NaN()
			}
			*s = Seconds(f)
		}
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*s = Seconds(math.NaN())
		return nil
	}
	*s = Seconds(f)
	return nil
}

// UnixMillis converts t to epoch milliseconds, the timestamp unit used on
// the wire and in the root document.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds back to a time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// PaywallSession is the per-domain access grant.
type PaywallSession struct {
	Domain            string   `json:"domain"`
	Mode              Mode     `json:"mode"`
	RatePerMin        float64  `json:"ratePerMin"`
	RemainingSeconds  Seconds  `json:"remainingSeconds"`
	StartedAt         int64    `json:"startedAt"`
	LastTick          int64    `json:"lastTick"`
	Paused            bool     `json:"paused"`
	PurchasePrice     *int     `json:"purchasePrice,omitempty"`
	PurchasedSeconds  *float64 `json:"purchasedSeconds,omitempty"`
	SpendRemainder    float64  `json:"spendRemainder"`
	PackChainCount    *int     `json:"packChainCount,omitempty"`
	MeteredMultiplier *float64 `json:"meteredMultiplier,omitempty"`
	Justification     string   `json:"justification,omitempty"`
	LastReminder      *int64   `json:"lastReminder,omitempty"`
	AllowedURL        string   `json:"allowedUrl,omitempty"`
}

// SessionDelta is a sparse session update. A nil field means "not
// provided" and leaves the corresponding value untouched when applied.
type SessionDelta struct {
	Domain            *string  `json:"domain,omitempty"`
	Mode              *Mode    `json:"mode,omitempty"`
	RatePerMin        *float64 `json:"ratePerMin,omitempty"`
	RemainingSeconds  *Seconds `json:"remainingSeconds,omitempty"`
	StartedAt         *int64   `json:"startedAt,omitempty"`
	LastTick          *int64   `json:"lastTick,omitempty"`
	Paused            *bool    `json:"paused,omitempty"`
	PurchasePrice     *int     `json:"purchasePrice,omitempty"`
	PurchasedSeconds  *float64 `json:"purchasedSeconds,omitempty"`
	SpendRemainder    *float64 `json:"spendRemainder,omitempty"`
	PackChainCount    *int     `json:"packChainCount,omitempty"`
	MeteredMultiplier *float64 `json:"meteredMultiplier,omitempty"`
	Justification     *string  `json:"justification,omitempty"`
	LastReminder      *int64   `json:"lastReminder,omitempty"`
	AllowedURL        *string  `json:"allowedUrl,omitempty"`
}

// ApplyDelta overwrites the fields of base that are present in delta and
// keeps every other field. base is not modified.
func ApplyDelta(base PaywallSession, delta SessionDelta) PaywallSession {
	out := base
	if delta.Domain != nil {
		out.Domain = *delta.Domain
	}
	if delta.Mode != nil {
		out.Mode = *delta.Mode
	}
	if delta.RatePerMin != nil {
		out.RatePerMin = *delta.RatePerMin
	}
	if delta.RemainingSeconds != nil {
		out.RemainingSeconds = *delta.RemainingSeconds
	}
	if delta.StartedAt != nil {
		out.StartedAt = *delta.StartedAt
	}
	if delta.LastTick != nil {
		out.LastTick = *delta.LastTick
	}
	if delta.Paused != nil {
		out.Paused = *delta.Paused
	}
	if delta.PurchasePrice != nil {
		v := *delta.PurchasePrice
		out.PurchasePrice = &v
	}
	if delta.PurchasedSeconds != nil {
		v := *delta.PurchasedSeconds
		out.PurchasedSeconds = &v
	}
	if delta.SpendRemainder != nil {
		out.SpendRemainder = *delta.SpendRemainder
	}
	if delta.PackChainCount != nil {
		v := *delta.PackChainCount
		out.PackChainCount = &v
	}
	if delta.MeteredMultiplier != nil {
		v := *delta.MeteredMultiplier
		out.MeteredMultiplier = &v
	}
	if delta.Justification != nil {
		out.Justification = *delta.Justification
	}
	if delta.LastReminder != nil {
		v := *delta.LastReminder
		out.LastReminder = &v
	}
	if delta.AllowedURL != nil {
		out.AllowedURL = *delta.AllowedURL
	}
	return out
}

// SessionFromDelta builds a session from a delta that has no local base.
// Unbounded modes start at +Inf so a missing remainingSeconds never
// becomes 0.
func SessionFromDelta(domain string, delta SessionDelta) PaywallSession {
	base := PaywallSession{Domain: domain, RemainingSeconds: Seconds(math.NaN())}
	if delta.Mode != nil && delta.Mode.Unbounded() {
		base.RemainingSeconds = Infinite
	}
	return ApplyDelta(base, delta)
}

// Normalize repairs or rejects a session. Unbounded modes with a missing
// or invalid remaining time become +Inf; pack and emergency sessions must
// carry a positive finite remaining time or they are rejected, which
// callers treat as deletion.
func Normalize(s PaywallSession) (PaywallSession, error) {
	if !s.Mode.Valid() {
		return s, fmt.Errorf("%w: unknown mode %q", ErrInvalidSessionPayload, s.Mode)
	}
	if strings.TrimSpace(s.Domain) == "" {
		return s, fmt.Errorf("%w: missing domain", ErrInvalidSessionPayload)
	}
	if s.Mode.Unbounded() {
		if math.IsNaN(float64(s.RemainingSeconds)) || math.IsInf(float64(s.RemainingSeconds), -1) {
			s.RemainingSeconds = Infinite
		}
	} else {
		if !s.RemainingSeconds.Finite() {
			return s, fmt.Errorf("%w: %s session %s without finite remaining time", ErrInvalidSessionPayload, s.Mode, s.Domain)
		}
		if s.RemainingSeconds <= 0 {
			return s, fmt.Errorf("%w: %s session %s already expired", ErrInvalidSessionPayload, s.Mode, s.Domain)
		}
	}
	if math.IsNaN(s.RatePerMin) || math.IsInf(s.RatePerMin, 0) || s.RatePerMin < 0 {
		s.RatePerMin = 0
	}
	s.SpendRemainder = normalizeRemainder(s.SpendRemainder)
	if s.LastTick < 0 {
		s.LastTick = 0
	}
	return s, nil
}

func normalizeRemainder(r float64) float64 {
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return 0
	}
	if r >= 1 {
		_, frac := math.Modf(r)
		return frac
	}
	return r
}

// Wallet holds the local coin balance.
type Wallet struct {
	Balance int `json:"balance"`
}

// Spend deducts amount from the balance. It fails without side effects if
// the balance does not cover it.
func (w *Wallet) Spend(amount int) error {
	if amount < 0 {
		return fmt.Errorf("invalid spend amount %d", amount)
	}
	if amount > w.Balance {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount, w.Balance)
	}
	w.Balance -= amount
	return nil
}

// Earn credits amount to the balance.
func (w *Wallet) Earn(amount int) {
	if amount <= 0 {
		return
	}
	w.Balance += amount
}

// PackOption is a purchasable block of time for a domain.
type PackOption struct {
	Minutes int `json:"minutes"`
	Price   int `json:"price"`
}

// MarketRate is the live price of a paywalled domain.
type MarketRate struct {
	Domain     string       `json:"domain"`
	RatePerMin float64      `json:"ratePerMin"`
	Packs      []PackOption `json:"packs,omitempty"`
	Category   string       `json:"category,omitempty"`
}

// PackPrice returns the price of the pack with the given length.
func (r MarketRate) PackPrice(minutes int) (int, bool) {
	for _, p := range r.Packs {
		if p.Minutes == minutes {
			return p.Price, true
		}
	}
	return 0, false
}

// Settings are the user-facing preferences synced from the authority.
type Settings struct {
	FrivolousDomains              []string `json:"frivolousDomains"`
	DiscouragementEnabled         bool     `json:"discouragementEnabled"`
	DiscouragementIntervalMinutes int      `json:"discouragementIntervalMinutes"`
	EncouragementMessages         []string `json:"encouragementMessages"`
	FadeThresholdSeconds          int      `json:"fadeThresholdSeconds"`
	MeteredPremiumMultiplier      float64  `json:"meteredPremiumMultiplier"`
	VisualFilter                  string   `json:"visualFilter"`
	VisualFilterDiscount          float64  `json:"visualFilterDiscount"`
	PeekEnabled                   bool     `json:"peekEnabled"`
	RescueTargets                 []string `json:"rescueTargets"`
	EmergencyTokensPerDay         int      `json:"emergencyTokensPerDay"`
	EmergencyCooldownMinutes      int      `json:"emergencyCooldownMinutes"`
	EmergencyDurationMinutes      int      `json:"emergencyDurationMinutes"`
	EmergencyMinJustification     int      `json:"emergencyMinJustification"`
}

// DefaultSettings returns the settings used when the root document has none.
func DefaultSettings() Settings {
	return Settings{
		FrivolousDomains:              []string{},
		DiscouragementEnabled:         true,
		DiscouragementIntervalMinutes: 10,
		EncouragementMessages: []string{
			"You chose to be here. Make it count.",
			"Is this still what you want to be doing?",
			"Your future self is watching the clock too.",
		},
		FadeThresholdSeconds:      60,
		MeteredPremiumMultiplier:  1.5,
		VisualFilter:              "none",
		VisualFilterDiscount:      0.75,
		PeekEnabled:               true,
		RescueTargets:             []string{},
		EmergencyTokensPerDay:     2,
		EmergencyCooldownMinutes:  30,
		EmergencyDurationMinutes:  5,
		EmergencyMinJustification: 10,
	}
}

// IsFrivolous reports whether domain is on the frivolous list, either
// directly or as a subdomain of a listed entry.
func (s Settings) IsFrivolous(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range s.FrivolousDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// VisualFilterActive reports whether a discounting visual filter is on.
func (s Settings) VisualFilterActive() bool {
	return s.VisualFilter != "" && s.VisualFilter != "none"
}

// FocusState mirrors the authority's focus (pomodoro) state.
type FocusState string

const (
	FocusActive FocusState = "active"
	FocusPaused FocusState = "paused"
	FocusBreak  FocusState = "break"
	FocusEnded  FocusState = "ended"
)

// AllowlistEntry is one permitted target during a focus session.
type AllowlistEntry struct {
	Kind        string `json:"kind"` // "app" or "site"
	Value       string `json:"value"`
	PathPattern string `json:"pathPattern,omitempty"`
}

// FocusOverride is a time-boxed exception granted by the authority.
type FocusOverride struct {
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	ExpiresAt int64  `json:"expiresAt"`
}

// FocusSession is the last known focus session pushed by the authority.
type FocusSession struct {
	ID          string           `json:"sessionId,omitempty"`
	State       FocusState       `json:"state"`
	Mode        string           `json:"mode,omitempty"`
	Allowlist   []AllowlistEntry `json:"allowlist"`
	Overrides   []FocusOverride  `json:"overrides"`
	RemainingMs int64            `json:"remainingMs"`
	LastUpdated int64            `json:"lastUpdated"`
}

// LibraryItem is a saved page in the user's reading library.
type LibraryItem struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Domain     string `json:"domain"`
	Title      string `json:"title,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
	Price      *int   `json:"price,omitempty"`
	ConsumedAt *int64 `json:"consumedAt,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// CategorisationUpdate is the single pending domain categorisation change.
type CategorisationUpdate struct {
	Categories map[string]string `json:"categories"`
	UpdatedAt  int64             `json:"updatedAt"`
}

// EmergencyAudit records how an emergency session ended. The same record
// is queued for the desktop's emergency review.
type EmergencyAudit struct {
	ID            string `json:"id,omitempty"`
	Domain        string `json:"domain"`
	Justification string `json:"justification,omitempty"`
	StartedAt     int64  `json:"startedAt"`
	EndedAt       int64  `json:"endedAt"`
	Outcome       string `json:"outcome"`
}

// EmergencyUsage is the per-day emergency token bucket.
type EmergencyUsage struct {
	Day        string           `json:"day"`
	TokensUsed int              `json:"tokensUsed"`
	LastUsedAt int64            `json:"lastUsedAt"`
	Audits     []EmergencyAudit `json:"audits"`
}

// DailyOnboardingState holds per-day onboarding flags as YYYY-MM-DD strings.
type DailyOnboardingState struct {
	CompletedDay    string `json:"completedDay,omitempty"`
	LastPromptedDay string `json:"lastPromptedDay,omitempty"`
	LastSkippedDay  string `json:"lastSkippedDay,omitempty"`
	Note            string `json:"note,omitempty"`
}

// DailyOnboardingPatch is a local onboarding change the authority has not
// acknowledged yet.
type DailyOnboardingPatch struct {
	CompletedDay    *string `json:"completedDay,omitempty"`
	LastPromptedDay *string `json:"lastPromptedDay,omitempty"`
	LastSkippedDay  *string `json:"lastSkippedDay,omitempty"`
	Note            *string `json:"note,omitempty"`
}
