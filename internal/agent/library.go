package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

// ErrInvalidRequest is returned for a library, categorisation or onboarding
// change that cannot be stored.
var ErrInvalidRequest = errors.New("invalid request")

// SaveLibraryItem stores item locally and marks it for library sync. A
// missing id gets a fresh one; the domain defaults to the URL's host.
func (a *Agent) SaveLibraryItem(ctx context.Context, item storage.LibraryItem) (storage.LibraryItem, error) {
	item.URL = strings.TrimSpace(item.URL)
	if item.URL == "" {
		return storage.LibraryItem{}, fmt.Errorf("%w: library item without url", ErrInvalidRequest)
	}
	if item.Domain == "" {
		item.Domain = hostOf(item.URL)
	}
	item.Domain = normalizeDomain(item.Domain)
	if item.Domain == "" {
		return storage.LibraryItem{}, fmt.Errorf("%w: no domain in %q", ErrInvalidRequest, item.URL)
	}
	if item.ID == "" {
		item.ID = storage.NewID()
	}

	err := a.store.Update(ctx, func(s *storage.State) error {
		// Keep edits ordered even when the clock stalls between two saves.
		item.UpdatedAt = storage.UnixMillis(a.clock.Now())
		if prev, ok := s.PendingLibrarySync[item.ID]; ok && prev.UpdatedAt >= item.UpdatedAt {
			item.UpdatedAt = prev.UpdatedAt + 1
		}
		s.Library[item.ID] = item
		s.PendingLibrarySync[item.ID] = item
		return nil
	})
	if err != nil {
		return storage.LibraryItem{}, err
	}
	a.push.ScheduleFlush()
	return item, nil
}

// Categorise records domain categories for the next categorisation upload.
// Categories not yet uploaded are merged, the newer value winning.
func (a *Agent) Categorise(ctx context.Context, categories map[string]string) error {
	clean := make(map[string]string, len(categories))
	for domain, category := range categories {
		domain = normalizeDomain(domain)
		category = strings.TrimSpace(category)
		if domain == "" || category == "" {
			return fmt.Errorf("%w: empty domain or category", ErrInvalidRequest)
		}
		clean[domain] = category
	}
	if len(clean) == 0 {
		return fmt.Errorf("%w: no categories", ErrInvalidRequest)
	}

	err := a.store.Update(ctx, func(s *storage.State) error {
		next := &storage.CategorisationUpdate{
			Categories: map[string]string{},
			UpdatedAt:  storage.UnixMillis(a.clock.Now()),
		}
		if prev := s.PendingCategorisation; prev != nil {
			for domain, category := range prev.Categories {
				next.Categories[domain] = category
			}
			if prev.UpdatedAt >= next.UpdatedAt {
				next.UpdatedAt = prev.UpdatedAt + 1
			}
		}
		for domain, category := range clean {
			next.Categories[domain] = category
			if rate, ok := s.MarketRates[domain]; ok {
				rate.Category = category
				s.MarketRates[domain] = rate
			}
		}
		s.PendingCategorisation = next
		return nil
	})
	if err != nil {
		return err
	}
	a.push.ScheduleFlush()
	return nil
}

// UpdateOnboarding applies patch to the daily onboarding state and keeps it
// pending until the desktop has it. Day fields must be YYYY-MM-DD.
func (a *Agent) UpdateOnboarding(ctx context.Context, patch storage.DailyOnboardingPatch) (storage.DailyOnboardingState, error) {
	if patch.CompletedDay == nil && patch.LastPromptedDay == nil && patch.LastSkippedDay == nil && patch.Note == nil {
		return storage.DailyOnboardingState{}, fmt.Errorf("%w: empty onboarding patch", ErrInvalidRequest)
	}
	for _, day := range []*string{patch.CompletedDay, patch.LastPromptedDay, patch.LastSkippedDay} {
		if day == nil {
			continue
		}
		if _, err := time.Parse("2006-01-02", *day); err != nil {
			return storage.DailyOnboardingState{}, fmt.Errorf("%w: day %q: %v", ErrInvalidRequest, *day, err)
		}
	}

	var out storage.DailyOnboardingState
	err := a.store.Update(ctx, func(s *storage.State) error {
		pending := storage.DailyOnboardingPatch{}
		if s.PendingOnboardingPatch != nil {
			pending = *s.PendingOnboardingPatch
		}
		if patch.CompletedDay != nil {
			s.DailyOnboarding.CompletedDay = *patch.CompletedDay
			pending.CompletedDay = patch.CompletedDay
		}
		if patch.LastPromptedDay != nil {
			s.DailyOnboarding.LastPromptedDay = *patch.LastPromptedDay
			pending.LastPromptedDay = patch.LastPromptedDay
		}
		if patch.LastSkippedDay != nil {
			s.DailyOnboarding.LastSkippedDay = *patch.LastSkippedDay
			pending.LastSkippedDay = patch.LastSkippedDay
		}
		if patch.Note != nil {
			s.DailyOnboarding.Note = *patch.Note
			pending.Note = patch.Note
		}
		s.PendingOnboardingPatch = &pending
		out = s.DailyOnboarding
		return nil
	})
	if err != nil {
		return storage.DailyOnboardingState{}, err
	}
	a.push.ScheduleFlush()
	return out, nil
}
