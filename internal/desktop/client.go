// Package desktop keeps the agent in sync with the desktop authority: the
// HTTP client, the push channel, queue flushing and snapshot merging.
package desktop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goodtune/tollgate/internal/storage"
)

// ErrNetworkUnreachable marks a request that never got an HTTP response.
// Callers fall back to their offline path.
var ErrNetworkUnreachable = errors.New("desktop unreachable")

// HTTPError is a non-2xx reply from the desktop.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IngestBatch is one all-or-nothing economic upload.
type IngestBatch struct {
	Transactions []storage.WalletTransaction `json:"transactions"`
	Consumption  []storage.ConsumptionEvent  `json:"consumption"`
}

// PackRequest buys a pack on the desktop.
type PackRequest struct {
	Domain  string `json:"domain"`
	Minutes int    `json:"minutes"`
}

// MeteredRequest starts a metered session on the desktop.
type MeteredRequest struct {
	Domain string `json:"domain"`
}

// EmergencyRequest asks the desktop for emergency access.
type EmergencyRequest struct {
	Domain        string `json:"domain"`
	Justification string `json:"justification"`
	AllowedURL    string `json:"allowedUrl,omitempty"`
}

// ChallengeRequest redeems a completed challenge for a pass.
type ChallengeRequest struct {
	Domain string `json:"domain"`
}

// EndRequest ends a session on the desktop.
type EndRequest struct {
	Domain string `json:"domain"`
}

// EndResult carries the refund, if any, for an ended session.
type EndResult struct {
	Refund *int `json:"refund,omitempty"`
}

type sessionResponse struct {
	Session *storage.SessionDelta `json:"session"`
}

// Client talks to the desktop's HTTP endpoints. Every call is bounded by
// the client timeout so an unreachable desktop cannot stall a caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets one with timeout.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// FetchState returns the raw snapshot document.
func (c *Client) FetchState(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/extension/state", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ingest uploads wallet transactions and consumption events.
func (c *Client) Ingest(ctx context.Context, batch IngestBatch) error {
	if batch.Transactions == nil {
		batch.Transactions = []storage.WalletTransaction{}
	}
	if batch.Consumption == nil {
		batch.Consumption = []storage.ConsumptionEvent{}
	}
	return c.doJSON(ctx, http.MethodPost, "/extension/ingest", batch, nil)
}

// PostActivity uploads browsing telemetry.
func (c *Client) PostActivity(ctx context.Context, events []storage.ActivityEvent) error {
	return c.doJSON(ctx, http.MethodPost, "/extension/activity", map[string]any{"events": events}, nil)
}

// PostLibrarySync uploads library items changed locally.
func (c *Client) PostLibrarySync(ctx context.Context, items []storage.LibraryItem) error {
	return c.doJSON(ctx, http.MethodPost, "/extension/library-sync", map[string]any{"items": items}, nil)
}

// PostCategorisation uploads the pending domain categories.
func (c *Client) PostCategorisation(ctx context.Context, update storage.CategorisationUpdate) error {
	return c.doJSON(ctx, http.MethodPost, "/extension/categorisation", map[string]any{"categories": update.Categories}, nil)
}

// PostOnboarding uploads the pending daily onboarding patch.
func (c *Client) PostOnboarding(ctx context.Context, patch storage.DailyOnboardingPatch) error {
	return c.doJSON(ctx, http.MethodPost, "/extension/daily-onboarding", patch, nil)
}

// StartPack buys a pack and returns the canonical session.
func (c *Client) StartPack(ctx context.Context, req PackRequest) (storage.PaywallSession, error) {
	return c.startSession(ctx, "/paywall/packs", req.Domain, req)
}

// StartMetered starts a metered session and returns the canonical session.
func (c *Client) StartMetered(ctx context.Context, req MeteredRequest) (storage.PaywallSession, error) {
	return c.startSession(ctx, "/paywall/metered", req.Domain, req)
}

// StartEmergency asks for emergency access and returns the canonical session.
func (c *Client) StartEmergency(ctx context.Context, req EmergencyRequest) (storage.PaywallSession, error) {
	return c.startSession(ctx, "/paywall/emergency", req.Domain, req)
}

// StartChallengePass redeems a challenge and returns the canonical session.
func (c *Client) StartChallengePass(ctx context.Context, req ChallengeRequest) (storage.PaywallSession, error) {
	return c.startSession(ctx, "/paywall/challenge-pass", req.Domain, req)
}

// EndSession ends a session on the desktop.
func (c *Client) EndSession(ctx context.Context, req EndRequest) (EndResult, error) {
	var out EndResult
	err := c.doJSON(ctx, http.MethodPost, "/paywall/end", req, &out)
	return out, err
}

// EmergencyReview reports the outcome of an emergency session.
func (c *Client) EmergencyReview(ctx context.Context, review EmergencyReview) error {
	return c.doJSON(ctx, http.MethodPost, "/paywall/emergency-review", review, nil)
}

func (c *Client) startSession(ctx context.Context, path, domain string, body any) (storage.PaywallSession, error) {
	var out sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return storage.PaywallSession{}, err
	}
	if out.Session == nil {
		return storage.PaywallSession{}, fmt.Errorf("%s: %w: response has no session", path, storage.ErrInvalidSessionPayload)
	}
	if out.Session.Domain != nil && *out.Session.Domain != "" {
		domain = *out.Session.Domain
	}
	session, err := storage.Normalize(storage.SessionFromDelta(domain, *out.Session))
	if err != nil {
		return storage.PaywallSession{}, fmt.Errorf("%s: %w", path, err)
	}
	return session, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", requestPath, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, method, requestPath, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", requestPath, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = errPayload.Error
	}
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
