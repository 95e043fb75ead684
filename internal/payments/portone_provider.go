package payments

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

	"github.com/googleapis/gax-go/v2"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultRetryAttempts   = 3
	defaultBackoffInitial  = 200 * time.Millisecond
	defaultBackoffMax      = 2 * time.Second
	defaultBackoffMultiple = 2.0
)

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PortOneConfig configures the PortOneProvider.
type PortOneConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	HTTPClient    httpDoer
	Logger        GatewayLogger
	Clock         func() time.Time
	RetryAttempts int
}

// PortOneProvider implements Gateway against the PortOne REST API.
//
// Prepare and Approve use a bounded exponential-backoff retry on transient
// failures. Cancel and ChargeBillingKey are never retried here: cancellation
// retries are driven by the stored cancel record, and billing-key charge
// retries are owned entirely by the subscription billing job.
type PortOneProvider struct {
	baseURL  string
	apiKey   string
	secret   string
	client   httpDoer
	logger   GatewayLogger
	clock    func() time.Time
	attempts int
}

// NewPortOneProvider constructs a PortOne gateway adapter.
func NewPortOneProvider(cfg PortOneConfig) (*PortOneProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("portone: base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("portone: api credentials are required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}

	return &PortOneProvider{
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		secret:   strings.TrimSpace(cfg.APISecret),
		client:   client,
		logger:   logger,
		clock:    clock,
		attempts: attempts,
	}, nil
}

type gatewayEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

// Prepare registers the expected amount for a merchant uid with the gateway.
func (p *PortOneProvider) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	body := map[string]any{
		"merchant_uid": req.MerchantUID,
		"amount":       req.Amount,
		"method":       req.Method,
		"buyer_name":   req.BuyerName,
		"buyer_tel":    req.BuyerPhone,
		"name":         req.ProductName,
	}

	var result struct {
		PaymentKey string `json:"payment_key"`
	}
	raw, err := p.postWithRetry(ctx, "prepare", "/payments/prepare", body, &result)
	if err != nil {
		return PrepareResult{}, err
	}
	return PrepareResult{PaymentKey: result.PaymentKey, Raw: raw}, nil
}

// Approve confirms a charge the buyer completed at the gateway.
func (p *PortOneProvider) Approve(ctx context.Context, req ApproveRequest) (ChargeResult, error) {
	body := map[string]any{
		"payment_key":  req.PaymentKey,
		"merchant_uid": req.MerchantUID,
		"amount":       req.Amount,
	}
	return p.charge(ctx, "approve", "/payments/approve", body, true)
}

// Cancel refunds part or all of a captured charge.
func (p *PortOneProvider) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	body := map[string]any{
		"payment_key": req.PaymentKey,
		"cancel_key":  req.CancelKey,
		"amount":      req.Amount,
		"reason":      req.Reason,
	}

	var result struct {
		CancelKey string `json:"cancel_key"`
		Amount    int64  `json:"amount"`
	}
	raw, err := p.post(ctx, "cancel", "/payments/cancel", body, &result)
	if err != nil {
		return CancelResult{}, err
	}
	cancelKey := result.CancelKey
	if cancelKey == "" {
		cancelKey = req.CancelKey
	}
	return CancelResult{CancelKey: cancelKey, Amount: result.Amount, Raw: raw}, nil
}

// ChargeBillingKey performs an off-session charge against a stored billing key.
func (p *PortOneProvider) ChargeBillingKey(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	body := map[string]any{
		"billing_key":  req.BillingKey,
		"merchant_uid": req.MerchantUID,
		"amount":       req.Amount,
		"name":         req.ProductName,
	}
	return p.charge(ctx, "charge", "/subscribe/payments/again", body, false)
}

func (p *PortOneProvider) charge(ctx context.Context, op, path string, body map[string]any, retry bool) (ChargeResult, error) {
	var result struct {
		PaymentKey string `json:"payment_key"`
		PGTid      string `json:"pg_tid"`
		Status     string `json:"status"`
		Method     string `json:"method"`
		Amount     int64  `json:"amount"`
		ApprovedAt int64  `json:"approved_at"`
	}

	var raw string
	var err error
	if retry {
		raw, err = p.postWithRetry(ctx, op, path, body, &result)
	} else {
		raw, err = p.post(ctx, op, path, body, &result)
	}
	if err != nil {
		return ChargeResult{}, err
	}

	status, ok := MapWebhookStatus(result.Status)
	if !ok {
		status = StatusPaid
	}
	approvedAt := p.clock().UTC()
	if result.ApprovedAt > 0 {
		approvedAt = time.Unix(result.ApprovedAt, 0).UTC()
	}
	return ChargeResult{
		PaymentKey: result.PaymentKey,
		PGTid:      result.PGTid,
		Status:     status,
		Method:     result.Method,
		Amount:     result.Amount,
		ApprovedAt: approvedAt,
		Raw:        raw,
	}, nil
}

// postWithRetry wraps post with a bounded exponential backoff, retrying only
// transient transport/5xx failures.
func (p *PortOneProvider) postWithRetry(ctx context.Context, op, path string, body map[string]any, out any) (string, error) {
	backoff := gax.Backoff{
		Initial:    defaultBackoffInitial,
		Max:        defaultBackoffMax,
		Multiplier: defaultBackoffMultiple,
	}

	var raw string
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		raw, lastErr = p.post(ctx, op, path, body, out)
		if lastErr == nil {
			return raw, nil
		}

		var gwErr *GatewayError
		if !errors.As(lastErr, &gwErr) || !gwErr.Retryable() {
			return "", lastErr
		}
		if attempt == p.attempts {
			break
		}

		p.logger(ctx, "gateway.retry", map[string]any{
			"op":      op,
			"attempt": attempt,
		})
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (p *PortOneProvider) post(ctx context.Context, op, path string, body map[string]any, out any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &GatewayError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", &GatewayError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.apiKey)
	httpReq.Header.Set("X-API-Secret", p.secret)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", &GatewayError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &GatewayError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	raw := string(data)

	if resp.StatusCode >= 400 {
		p.logger(ctx, "gateway.error", map[string]any{
			"op":     op,
			"status": resp.StatusCode,
		})
		return "", &GatewayError{Op: op, HTTPStatus: resp.StatusCode, Message: raw}
	}

	var envelope gatewayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", &GatewayError{Op: op, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if envelope.Code != 0 {
		return "", &GatewayError{
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Code:       fmt.Sprintf("%d", envelope.Code),
			Message:    envelope.Message,
			Err:        ErrGatewayDeclined,
		}
	}
	if out != nil && len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return "", &GatewayError{Op: op, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("decode payload: %w", err)}
		}
	}
	return raw, nil
}
