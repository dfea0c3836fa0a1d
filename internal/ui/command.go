// Package ui defines the commands sent to the rendering adapter and the hub
// that fans them out to connected adapters.
package ui

import (
	"encoding/json"
	"fmt"
)

// Command is a rendering instruction for the browser adapter.
type Command interface {
	Kind() string
}

// Block reasons shared by the ticker and the purchase flows.
const (
	ReasonTimeExpired       = "time-expired"
	ReasonInsufficientFunds = "insufficient-funds"
	ReasonEmergencyExpired  = "emergency-expired"
	ReasonURLLocked         = "url-locked"
	ReasonPaywalled         = "paywalled"
	ReasonSessionEnded      = "session-ended"
)

// BlockOverlay covers a paywalled page.
type BlockOverlay struct {
	Domain      string `json:"domain"`
	Reason      string `json:"reason"`
	PeekAllowed bool   `json:"peekAllowed"`
}

func (BlockOverlay) Kind() string { return "show-block-overlay" }

// FocusBlockOverlay covers a page blocked by a focus session.
type FocusBlockOverlay struct {
	Domain      string `json:"domain"`
	RemainingMs int64  `json:"remainingMs"`
	Mode        string `json:"mode,omitempty"`
	Reason      string `json:"reason"`
}

func (FocusBlockOverlay) Kind() string { return "show-focus-block-overlay" }

// Fade dims the page as a session nears its end.
type Fade struct {
	Domain           string  `json:"domain"`
	Active           bool    `json:"active"`
	RemainingSeconds float64 `json:"remainingSeconds"`
}

func (Fade) Kind() string { return "show-fade" }

// Encouragement shows a gentle nudge on a frivolous domain.
type Encouragement struct {
	Domain  string `json:"domain"`
	Message string `json:"message"`
}

func (Encouragement) Kind() string { return "show-encouragement" }

// Action is a button attached to a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notification is a non-blocking message with optional actions.
type Notification struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Actions []Action `json:"actions,omitempty"`
}

func (Notification) Kind() string { return "show-notification" }

type envelope struct {
	Type    string  `json:"type"`
	Payload Command `json:"payload"`
}

// Encode wraps cmd in the {"type","payload"} envelope used on the command stream.
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(envelope{Type: cmd.Kind(), Payload: cmd})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return data, nil
}
