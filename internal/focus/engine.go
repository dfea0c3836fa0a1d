// Package focus decides whether a URL may be opened during a focus session.
package focus

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Reasons a URL is blocked.
const (
	ReasonNotAllowlisted     = "not-allowlisted"
	ReasonOverrideExpired    = "override-expired"
	ReasonVerificationFailed = "verification-failed"
	ReasonUnknownSession     = "unknown-session"
)

// DefaultFreshnessThreshold is how old the authority heartbeat may get
// before the session is no longer trusted.
const DefaultFreshnessThreshold = 45 * time.Second

// Decision is the result of evaluating one URL.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	Domain      string `json:"domain"`
	RemainingMs int64  `json:"remainingMs"`
	Mode        string `json:"mode,omitempty"`
}

// Config holds engine configuration
type Config struct {
	FreshnessThreshold time.Duration
	CacheSize          int
}

// Engine evaluates URLs against the last known focus session. It keeps no
// session state of its own.
type Engine struct {
	freshness time.Duration
	targets   *lru.Cache[string, target]
	logger    zerolog.Logger
}

type target struct {
	host string
	path string
	ok   bool
	// web is false for browser-internal pages, which are never blocked.
	web bool
}

// NewEngine creates a focus engine
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.FreshnessThreshold <= 0 {
		cfg.FreshnessThreshold = DefaultFreshnessThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	cache, _ := lru.New[string, target](cfg.CacheSize)

	return &Engine{
		freshness: cfg.FreshnessThreshold,
		targets:   cache,
		logger:    logger.With().Str("component", "focus").Logger(),
	}
}

// Evaluate decides whether rawURL may load at now under session. A nil
// session, or one that is not active, allows everything.
func (e *Engine) Evaluate(session *storage.FocusSession, rawURL string, now time.Time) Decision {
	t := e.parse(rawURL)
	decision := e.evaluate(session, t, now)
	decision.Domain = t.host
	if session != nil {
		decision.RemainingMs = session.RemainingMs
		decision.Mode = session.Mode
	}

	reason := decision.Reason
	if decision.Allowed {
		reason = "allowed"
	}
	metrics.FocusDecisions.WithLabelValues(reason).Inc()

	if !decision.Allowed {
		e.logger.Debug().
			Str("url", rawURL).
			Str("reason", decision.Reason).
			Msg("Focus session blocked navigation")
	}
	return decision
}

func (e *Engine) evaluate(session *storage.FocusSession, t target, now time.Time) Decision {
	if session == nil {
		return Decision{Allowed: true}
	}

	switch session.State {
	case storage.FocusActive:
	case storage.FocusPaused, storage.FocusBreak, storage.FocusEnded:
		return Decision{Allowed: true}
	default:
		return Decision{Reason: ReasonUnknownSession}
	}

	// No heartbeat yet means the session was just pushed; trust it.
	if session.LastUpdated > 0 {
		age := now.Sub(storage.FromMillis(session.LastUpdated))
		if age > e.freshness {
			return Decision{Reason: ReasonVerificationFailed}
		}
	}

	if !t.web {
		return Decision{Allowed: true}
	}
	if !t.ok {
		return Decision{Reason: ReasonNotAllowlisted}
	}

	nowMs := storage.UnixMillis(now)
	expiredMatch := false
	for _, o := range session.Overrides {
		if o.Kind == "app" || !domainMatches(o.Target, t.host) {
			continue
		}
		if o.ExpiresAt > nowMs {
			return Decision{Allowed: true}
		}
		expiredMatch = true
	}

	for _, entry := range session.Allowlist {
		if entry.Kind != "site" {
			continue
		}
		if siteMatches(entry, t) {
			return Decision{Allowed: true}
		}
	}

	if expiredMatch {
		return Decision{Reason: ReasonOverrideExpired}
	}
	return Decision{Reason: ReasonNotAllowlisted}
}

func (e *Engine) parse(rawURL string) target {
	if cached, ok := e.targets.Get(rawURL); ok {
		return cached
	}
	t := parseTarget(rawURL)
	e.targets.Add(rawURL, t)
	return t
}

func parseTarget(rawURL string) target {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return target{web: true}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		// Bare hostnames arrive from some adapters.
		u, err = url.Parse("https://" + strings.TrimSpace(rawURL))
		if err != nil {
			return target{web: true}
		}
	default:
		return target{}
	}

	host := normalizeHost(u.Hostname())
	if _, ok := dns.IsDomainName(host); !ok || host == "" {
		return target{web: true}
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return target{host: host, path: p, ok: true, web: true}
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// siteMatches reports whether a site allowlist entry covers t. The entry
// value may carry a path, which acts like a path pattern.
func siteMatches(entry storage.AllowlistEntry, t target) bool {
	value := strings.TrimSpace(entry.Value)
	pattern := entry.PathPattern
	if strings.Contains(value, "/") {
		parsed := parseTarget(value)
		if !parsed.ok {
			return false
		}
		value = parsed.host
		if pattern == "" && parsed.path != "/" {
			pattern = parsed.path
		}
	}
	if !domainMatches(value, t.host) {
		return false
	}
	if pattern == "" {
		return true
	}
	return pathMatches(pattern, t.path)
}

// domainMatches reports whether host equals allowed or is a subdomain of
// it. A leading "*." on allowed is accepted.
func domainMatches(allowed, host string) bool {
	allowed = normalizeHost(strings.TrimPrefix(strings.TrimSpace(allowed), "*."))
	if allowed == "" || host == "" {
		return false
	}
	if _, ok := dns.IsDomainName(allowed); !ok {
		return false
	}
	return dns.IsSubDomain(dns.Fqdn(allowed), dns.Fqdn(host))
}

func pathMatches(pattern, p string) bool {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.HasPrefix(p, pattern)
	}
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	// A trailing star also covers deeper paths.
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.ContainsAny(prefix, "*?[") {
			return strings.HasPrefix(p, prefix)
		}
	}
	return false
}

// OverrideRequest asks the authority for a time-boxed exception.
type OverrideRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// Relay forwards override requests to the authority.
type Relay interface {
	RequestOverride(ctx context.Context, req OverrideRequest) error
}

// ErrInvalidOverride is returned for malformed override requests.
var ErrInvalidOverride = errors.New("invalid override request")

// RequestOverride validates req and relays it upstream. The local session
// is never changed; a granted override arrives as a pushed update.
func (e *Engine) RequestOverride(ctx context.Context, relay Relay, req OverrideRequest) error {
	if req.Kind != "app" && req.Kind != "site" {
		return ErrInvalidOverride
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return ErrInvalidOverride
	}
	if req.Kind == "site" {
		if t := parseTarget(req.Target); t.ok {
			req.Target = t.host
		}
	}
	e.logger.Info().Str("kind", req.Kind).Str("target", req.Target).Msg("Relaying focus override request")
	return relay.RequestOverride(ctx, req)
}
