package desktop

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/tollgate/internal/storage"
)

// Push channel message types.
const (
	TypeHeartbeat = "extension:heartbeat"

	TypeWallet       = "wallet"
	TypeMarketUpdate = "market-update"
	TypeLibrarySync  = "library-sync"

	TypeSessionStarted  = "paywall-session-started"
	TypeSessionEnded    = "paywall-session-ended"
	TypeSessionPaused   = "paywall-session-paused"
	TypeSessionResumed  = "paywall-session-resumed"
	TypeSessionReminder = "paywall-session-reminder"

	TypeFocusStart    = "pomodoro-start"
	TypeFocusTick     = "pomodoro-tick"
	TypeFocusPause    = "pomodoro-pause"
	TypeFocusResume   = "pomodoro-resume"
	TypeFocusBreak    = "pomodoro-break"
	TypeFocusStop     = "pomodoro-stop"
	TypeFocusOverride = "pomodoro-override"
	TypeFocusBlock    = "pomodoro-block"

	TypeStartStore      = "paywall:start-store"
	TypePause           = "paywall:pause"
	TypeResume          = "paywall:resume"
	TypeEnd             = "paywall:end"
	TypeEmergencyReview = "paywall:emergency-review"
	TypeBlockReport     = "pomodoro:block"
	TypeGrantOverride   = "pomodoro:grant-override"
)

// ErrUnknownMessage is returned by DecodeInbound for a type it does not know.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is the JSON envelope used in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is a decoded server to client message.
type Inbound interface {
	inbound()
}

// HeartbeatEcho is the server's reply to our heartbeat.
type HeartbeatEcho struct {
	TS int64 `json:"ts,omitempty"`
}

// WalletUpdate carries the authoritative balance.
type WalletUpdate struct {
	Balance int `json:"balance"`
}

// MarketUpdate carries live rates keyed by domain.
type MarketUpdate struct {
	Rates map[string]storage.MarketRate `json:"rates"`
}

// LibraryUpdate carries library items changed on the desktop.
type LibraryUpdate struct {
	Items []storage.LibraryItem `json:"items"`
}

// SessionUpdate is a sparse session change. Type tells started, paused,
// resumed and reminder apart; paused and resumed imply Paused when the
// payload leaves it out.
type SessionUpdate struct {
	Type  string
	Delta storage.SessionDelta
}

// SessionEnded removes a session.
type SessionEnded struct {
	Domain string `json:"domain"`
	Reason string `json:"reason,omitempty"`
}

// FocusPayload is the focus session as pushed by the desktop. Nil fields
// were not sent.
type FocusPayload struct {
	SessionID   *string                  `json:"sessionId,omitempty"`
	State       *storage.FocusState      `json:"state,omitempty"`
	Mode        *string                  `json:"mode,omitempty"`
	Allowlist   []storage.AllowlistEntry `json:"allowlist,omitempty"`
	Overrides   []storage.FocusOverride  `json:"overrides,omitempty"`
	RemainingMs *int64                   `json:"remainingMs,omitempty"`
}

// FocusUpdate is any pomodoro-* lifecycle message.
type FocusUpdate struct {
	Type    string
	Session FocusPayload
}

// OverrideGranted adds a time-boxed exception to the focus session.
type OverrideGranted struct {
	storage.FocusOverride
}

// FocusBlock asks the adapter to cover a page.
type FocusBlock struct {
	Target      string `json:"target"`
	Reason      string `json:"reason"`
	RemainingMs int64  `json:"remainingMs"`
}

func (HeartbeatEcho) inbound()   {}
func (WalletUpdate) inbound()    {}
func (MarketUpdate) inbound()    {}
func (LibraryUpdate) inbound()   {}
func (SessionUpdate) inbound()   {}
func (SessionEnded) inbound()    {}
func (FocusUpdate) inbound()     {}
func (OverrideGranted) inbound() {}
func (FocusBlock) inbound()      {}

// DecodeInbound turns an envelope into its typed variant.
func DecodeInbound(msg Message) (Inbound, error) {
	var (
		in  Inbound
		err error
	)
	switch msg.Type {
	case TypeHeartbeat:
		var v HeartbeatEcho
		err = decodePayload(msg.Payload, &v)
		in = v
	case TypeWallet:
		var v WalletUpdate
		err = decodePayload(msg.Payload, &v)
		in = v
	case TypeMarketUpdate:
		var v MarketUpdate
		err = decodePayload(msg.Payload, &v)
		in = v
	case TypeLibrarySync:
		var v LibraryUpdate
		err = decodePayload(msg.Payload, &v)
		in = v
	case TypeSessionStarted, TypeSessionPaused, TypeSessionResumed, TypeSessionReminder:
		v := SessionUpdate{Type: msg.Type}
		err = decodePayload(msg.Payload, &v.Delta)
		if v.Delta.Paused == nil && (msg.Type == TypeSessionPaused || msg.Type == TypeSessionResumed) {
			// The type alone says which way the session moved.
			paused := msg.Type == TypeSessionPaused
			v.Delta.Paused = &paused
		}
		in = v
	case TypeSessionEnded:
		var v SessionEnded
		err = decodePayload(msg.Payload, &v)
		in = v
	case TypeFocusStart, TypeFocusTick, TypeFocusPause, TypeFocusResume, TypeFocusBreak, TypeFocusStop:
		v := FocusUpdate{Type: msg.Type}
		err = decodePayload(msg.Payload, &v.Session)
		in = v
	case TypeFocusOverride:
		var v OverrideGranted
		err = decodePayload(msg.Payload, &v.FocusOverride)
		in = v
	case TypeFocusBlock:
		var v FocusBlock
		err = decodePayload(msg.Payload, &v)
		in = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return in, nil
}

func decodePayload(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Outbound is a client to server message.
type Outbound interface {
	MessageType() string
}

// Heartbeat keeps the push channel alive.
type Heartbeat struct {
	TS int64 `json:"ts"`
}

// StartStore reports a store purchase made on this side.
type StartStore struct {
	Domain string `json:"domain"`
	Price  int    `json:"price"`
}

// SessionControl pauses, resumes or ends a session on the desktop.
type SessionControl struct {
	Action string `json:"-"`
	Domain string `json:"domain"`
}

// EmergencyReview reports how an emergency session turned out. ID lets the
// desktop drop a review it already has.
type EmergencyReview struct {
	ID            string `json:"id"`
	Domain        string `json:"domain"`
	Outcome       string `json:"outcome"`
	Justification string `json:"justification,omitempty"`
	StartedAt     int64  `json:"startedAt,omitempty"`
	EndedAt       int64  `json:"endedAt"`
}

// BlockReport is a queued focus block event.
type BlockReport struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Reason string `json:"reason"`
	TS     int64  `json:"ts"`
}

// GrantOverride asks the desktop for a focus override.
type GrantOverride struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

func (Heartbeat) MessageType() string       { return TypeHeartbeat }
func (StartStore) MessageType() string      { return TypeStartStore }
func (EmergencyReview) MessageType() string { return TypeEmergencyReview }
func (BlockReport) MessageType() string     { return TypeBlockReport }
func (GrantOverride) MessageType() string   { return TypeGrantOverride }

// MessageType maps the action onto paywall:pause, paywall:resume or paywall:end.
func (c SessionControl) MessageType() string {
	switch c.Action {
	case "pause":
		return TypePause
	case "resume":
		return TypeResume
	}
	return TypeEnd
}

// EncodeOutbound wraps msg in its envelope.
func EncodeOutbound(msg Outbound) (Message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return Message{Type: msg.MessageType(), Payload: payload}, nil
}
