// Package pattern spots passive doomscrolling from raw interaction events.
package pattern

import (
	"sync"
	"time"

	"github.com/goodtune/tollgate/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Interaction kinds counted by the detector.
const (
	KindScroll = "scroll"
	KindClick  = "click"
	KindKey    = "key"
)

// Config holds detector thresholds
type Config struct {
	Window         time.Duration
	MinEvents      int
	MinScroll      int
	MaxKeys        int
	MaxClicks      int
	MinScrollRatio float64
	Cooldown       time.Duration
	MaxDomains     int
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		Window:         90 * time.Second,
		MinEvents:      16,
		MinScroll:      12,
		MaxKeys:        1,
		MaxClicks:      3,
		MinScrollRatio: 0.8,
		Cooldown:       10 * time.Minute,
		MaxDomains:     256,
	}
}

// Interrupt is a non-blocking suggestion to break the pattern.
type Interrupt struct {
	Domain       string `json:"domain"`
	Suggestion   string `json:"suggestion"`
	RescueTarget string `json:"rescueTarget,omitempty"`
}

type event struct {
	kind string
	at   time.Time
}

type window struct {
	events          []event
	last            time.Time
	suppressedUntil time.Time
}

// Detector keeps one sliding window per domain. The least recently seen
// domains are evicted once MaxDomains is reached.
type Detector struct {
	cfg     Config
	mu      sync.Mutex
	windows *lru.Cache[string, *window]
	rescue  int
	logger  zerolog.Logger
}

// NewDetector creates a detector. Zero fields in cfg take their defaults.
func NewDetector(cfg Config, logger zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = def.MinEvents
	}
	if cfg.MinScroll <= 0 {
		cfg.MinScroll = def.MinScroll
	}
	if cfg.MinScrollRatio <= 0 {
		cfg.MinScrollRatio = def.MinScrollRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxDomains <= 0 {
		cfg.MaxDomains = def.MaxDomains
	}
	windows, _ := lru.New[string, *window](cfg.MaxDomains)

	return &Detector{
		cfg:     cfg,
		windows: windows,
		logger:  logger.With().Str("component", "pattern").Logger(),
	}
}

// Observe records one interaction and returns an Interrupt when the
// doomscroll pattern fires. discouragementInterval extends suppression
// when it is longer than the cooldown; rescueTargets supplies suggestions.
func (d *Detector) Observe(domain, kind string, at time.Time, discouragementInterval time.Duration, rescueTargets []string) *Interrupt {
	if domain == "" || !relevant(kind) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows.Get(domain)
	if !ok {
		w = &window{}
		d.windows.Add(domain, w)
	}

	// A quiet gap longer than the window starts over.
	if !w.last.IsZero() && at.Sub(w.last) > d.cfg.Window {
		w.events = w.events[:0]
	}
	w.last = at
	w.events = append(w.events, event{kind: kind, at: at})
	w.prune(at, d.cfg.Window)

	if at.Before(w.suppressedUntil) {
		return nil
	}
	if !d.matches(w) {
		return nil
	}

	suppress := d.cfg.Cooldown
	if discouragementInterval > suppress {
		suppress = discouragementInterval
	}
	w.suppressedUntil = at.Add(suppress)
	w.events = w.events[:0]

	interrupt := &Interrupt{Domain: domain, Suggestion: "Take a short break from scrolling."}
	if target := d.pickRescue(domain, rescueTargets); target != "" {
		interrupt.RescueTarget = target
		interrupt.Suggestion = "Try " + target + " instead."
	}

	metrics.PatternInterrupts.Inc()
	d.logger.Info().
		Str("domain", domain).
		Dur("suppressed_for", suppress).
		Msg("Doomscroll pattern detected")

	return interrupt
}

// Forget drops the window for domain.
func (d *Detector) Forget(domain string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows.Remove(domain)
}

func (d *Detector) matches(w *window) bool {
	var scroll, click, key int
	for _, e := range w.events {
		switch e.kind {
		case KindScroll:
			scroll++
		case KindClick:
			click++
		case KindKey:
			key++
		}
	}
	total := scroll + click + key
	if total < d.cfg.MinEvents || scroll < d.cfg.MinScroll {
		return false
	}
	if key > d.cfg.MaxKeys || click > d.cfg.MaxClicks {
		return false
	}
	return float64(scroll)/float64(total) >= d.cfg.MinScrollRatio
}

func (d *Detector) pickRescue(domain string, targets []string) string {
	candidates := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != "" && t != domain {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	target := candidates[d.rescue%len(candidates)]
	d.rescue++
	return target
}

func (w *window) prune(now time.Time, length time.Duration) {
	cutoff := now.Add(-length)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func relevant(kind string) bool {
	return kind == KindScroll || kind == KindClick || kind == KindKey
}
