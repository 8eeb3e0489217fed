package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/energy"
)

// PaymentIntent is the provider-side record of a pending or settled charge.
type PaymentIntent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	AmountCents  int               `json:"amount"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Settled reports whether the intent's funds are secured.
func (pi *PaymentIntent) Settled() bool {
	return pi.Status == "succeeded" || pi.Status == "requires_capture"
}

// PaymentProvider abstracts the card processor. The hub never sees card
// data; it exchanges pack codes for intents and verifies their status.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, userID string, pack energy.Pack, idempotencyKey string) (*PaymentIntent, error)
	GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
}

// StripeProvider talks to a Stripe-compatible payment_intents API.
type StripeProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStripeProvider configures the HTTP client with a bounded pool.
func NewStripeProvider(baseURL, apiKey string, timeout time.Duration, maxInFlight int) *StripeProvider {
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &StripeProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxInFlight,
				MaxIdleConnsPerHost: maxInFlight,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (sp *StripeProvider) CreateIntent(ctx context.Context, userID string, pack energy.Pack, idempotencyKey string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", pack.PriceCents))
	form.Set("currency", pack.Currency)
	form.Set("metadata[user_id]", userID)
	form.Set("metadata[pack_code]", pack.Code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sp.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "build intent request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+sp.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	return sp.do(req)
}

func (sp *StripeProvider) GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		sp.baseURL+"/v1/payment_intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return nil, core.NewError(core.CodeInternal, "build intent lookup").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+sp.apiKey)
	return sp.do(req)
}

func (sp *StripeProvider) do(req *http.Request) (*PaymentIntent, error) {
	resp, err := sp.client.Do(req)
	if err != nil {
		return nil, core.NewError(core.CodePaymentProviderError, "payment provider unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.NewError(core.CodePaymentProviderError, "read provider response").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, core.NewErrorf(core.CodePaymentProviderError, "provider returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}
	var intent PaymentIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, core.NewError(core.CodePaymentProviderError, "decode provider response").WithCause(err)
	}
	return &intent, nil
}

// MockProvider is the in-process PaymentProvider for tests and dev mode.
// Intent status transitions are driven by the test via SetStatus.
type MockProvider struct {
	mu      sync.Mutex
	intents map[string]*PaymentIntent
	byIdem  map[string]string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		intents: make(map[string]*PaymentIntent),
		byIdem:  make(map[string]string),
	}
}

func (mp *MockProvider) CreateIntent(_ context.Context, userID string, pack energy.Pack, idempotencyKey string) (*PaymentIntent, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if id, ok := mp.byIdem[idempotencyKey]; ok {
		copied := *mp.intents[id]
		return &copied, nil
	}
	intent := &PaymentIntent{
		ID:           "pi_" + uuid.NewString()[:12],
		Status:       "requires_payment_method",
		AmountCents:  pack.PriceCents,
		Currency:     pack.Currency,
		ClientSecret: "secret_" + uuid.NewString()[:8],
		Metadata:     map[string]string{"user_id": userID, "pack_code": pack.Code},
	}
	mp.intents[intent.ID] = intent
	mp.byIdem[idempotencyKey] = intent.ID
	copied := *intent
	return &copied, nil
}

func (mp *MockProvider) GetIntent(_ context.Context, intentID string) (*PaymentIntent, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	intent, ok := mp.intents[intentID]
	if !ok {
		return nil, core.NewErrorf(core.CodePaymentProviderError, "unknown intent %q", intentID)
	}
	copied := *intent
	return &copied, nil
}

// SetStatus drives intent transitions in tests.
func (mp *MockProvider) SetStatus(intentID, status string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if intent, ok := mp.intents[intentID]; ok {
		intent.Status = status
	}
}
