// Package cloudpayments is a minimal CloudPayments API client: card and
// token charges, subscription management, and webhook signature checks.
package cloudpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/circuitbreaker"
	"github.com/instarding/server/internal/config"
	apierrors "github.com/instarding/server/internal/errors"
	"github.com/instarding/server/internal/metrics"
)

const (
	liveBaseURL = "https://api.cloudpayments.ru"
	testBaseURL = "https://api.cloudpayments.ru/test"
)

// Response is the envelope every CloudPayments endpoint answers with.
// Model's shape depends on the endpoint; typed accessors decode it.
type Response struct {
	Success bool            `json:"Success"`
	Message string          `json:"Message"`
	Model   json.RawMessage `json:"Model"`
}

// Transaction decodes the Model of a charge response.
func (r *Response) Transaction() (TransactionModel, error) {
	var m TransactionModel
	if len(r.Model) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(r.Model, &m); err != nil {
		return m, fmt.Errorf("decode transaction model: %w", err)
	}
	return m, nil
}

// Subscription decodes the Model of a subscription response.
func (r *Response) Subscription() (SubscriptionModel, error) {
	var m SubscriptionModel
	if len(r.Model) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(r.Model, &m); err != nil {
		return m, fmt.Errorf("decode subscription model: %w", err)
	}
	return m, nil
}

// TransactionModel is the charge result CloudPayments reports.
type TransactionModel struct {
	TransactionID int64   `json:"TransactionId"`
	Amount        float64 `json:"Amount"`
	Currency      string  `json:"Currency"`
	InvoiceID     string  `json:"InvoiceId"`
	AccountID     string  `json:"AccountId"`
	Token         string  `json:"Token"`
	CardFirstSix  string  `json:"CardFirstSix"`
	CardLastFour  string  `json:"CardLastFour"`
	CardType      string  `json:"CardType"`
	Status        string  `json:"Status"`
	Reason        string  `json:"Reason"`
	ReasonCode    int     `json:"ReasonCode"`
}

// SubscriptionModel is the recurring subscription CloudPayments reports.
type SubscriptionModel struct {
	ID                  string  `json:"Id"`
	AccountID           string  `json:"AccountId"`
	Description         string  `json:"Description"`
	Amount              float64 `json:"Amount"`
	Currency            string  `json:"Currency"`
	Status              string  `json:"Status"`
	Interval            string  `json:"Interval"`
	Period              int     `json:"Period"`
	NextTransactionDate string  `json:"NextTransactionDateIso"`
}

// Client talks to the CloudPayments REST API.
type Client struct {
	publicID  string
	apiSecret string
	baseURL   string
	email     string
	service   string
	http      *http.Client
	breakers  *circuitbreaker.Manager
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// New builds a client from configuration. The breaker manager may be
// nil; gateway calls then run unprotected.
func New(cfg config.CloudPaymentsConfig, breakers *circuitbreaker.Manager, log zerolog.Logger, m *metrics.Metrics) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.TestMode {
			baseURL = testBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	service := cfg.ServiceName
	if service == "" {
		service = "instarding"
	}
	return &Client{
		publicID:  cfg.PublicID,
		apiSecret: cfg.APISecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		email:     cfg.Email,
		service:   service,
		http:      &http.Client{Timeout: timeout},
		breakers:  breakers,
		log:       log.With().Str("component", "cloudpayments").Logger(),
		metrics:   m,
	}
}

// post sends one API call and decodes the envelope. Transport and decode
// failures come back as errors; API-level refusals live in the envelope.
func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) (*Response, error) {
	exec := func() (interface{}, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeInternalError, "encoding gateway request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeInternalError, "building gateway request", err)
		}
		req.SetBasicAuth(c.publicID, c.apiSecret)
		req.Header.Set("Content-Type", "application/json")
		// Idempotency key: the gateway deduplicates retried charges by it.
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeConnection, "gateway call "+endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, apierrors.New(apierrors.ErrCodeServerError,
				fmt.Sprintf("gateway %s returned status %d", endpoint, resp.StatusCode))
		}

		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeUnexpectedShape, "decoding gateway response", err)
		}
		return &out, nil
	}

	var result interface{}
	var err error
	if c.breakers != nil {
		result, err = c.breakers.Execute(circuitbreaker.ServiceGateway, exec)
	} else {
		result, err = exec()
	}
	if err != nil {
		c.log.Error().Err(err).Str("endpoint", endpoint).Msg("gateway call failed")
		return nil, err
	}

	out := result.(*Response)
	if !out.Success {
		c.log.Warn().Str("endpoint", endpoint).Str("message", out.Message).Msg("gateway refused request")
	}
	return out, nil
}

// ChargeCardRequest carries a widget cryptogram charge.
type ChargeCardRequest struct {
	Amount         float64
	Currency       string
	CardCryptogram string
	Name           string
	Email          string
	InvoiceID      string
	Description    string
	AccountID      string
}

// ChargeCard charges a card cryptogram produced by the payment widget.
func (c *Client) ChargeCard(ctx context.Context, req ChargeCardRequest) (*Response, error) {
	resp, err := c.post(ctx, "payments/cards/charge", map[string]interface{}{
		"Amount":              req.Amount,
		"Currency":            req.Currency,
		"CardCryptogramPacket": req.CardCryptogram,
		"Name":                req.Name,
		"Email":               req.Email,
		"InvoiceId":           req.InvoiceID,
		"Description":         req.Description,
		"RequireConfirmation": false,
		"JsonData": map[string]string{
			"account_id": req.AccountID,
			"service":    c.service,
		},
	})
	c.observeCharge("card", resp, err, req.Amount)
	return resp, err
}

// ChargeTokenRequest charges a stored card token.
type ChargeTokenRequest struct {
	Amount      float64
	Currency    string
	AccountID   string
	Token       string
	Description string
}

// ChargeToken charges a saved card token without cardholder presence.
func (c *Client) ChargeToken(ctx context.Context, req ChargeTokenRequest) (*Response, error) {
	resp, err := c.post(ctx, "payments/tokens/charge", map[string]interface{}{
		"Amount":              req.Amount,
		"Currency":            req.Currency,
		"AccountId":           req.AccountID,
		"Token":               req.Token,
		"Email":               c.email,
		"Description":         req.Description,
		"RequireConfirmation": false,
	})
	c.observeCharge("token", resp, err, req.Amount)
	return resp, err
}

// CreateSubscriptionRequest creates a gateway-side recurring charge.
type CreateSubscriptionRequest struct {
	Token       string
	AccountID   string
	Description string
	Amount      float64
	Currency    string
	Interval    string // Day, Week, Month
	Period      int
	StartDate   time.Time
	MaxPeriods  int // 0 means unbounded
}

// CreateSubscription registers a recurring charge against a card token.
func (c *Client) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Response, error) {
	if req.Currency == "" {
		req.Currency = "RUB"
	}
	if req.Interval == "" {
		req.Interval = "Day"
	}
	start := req.StartDate
	if start.IsZero() {
		start = time.Now()
	}

	payload := map[string]interface{}{
		"Token":               req.Token,
		"AccountId":           req.AccountID,
		"Description":         req.Description,
		"Email":               c.email,
		"Amount":              req.Amount,
		"Currency":            req.Currency,
		"RequireConfirmation": false,
		"StartDate":           start.Format("2006-01-02T15:04:05"),
		"Interval":            req.Interval,
		"Period":              req.Period,
	}
	if req.MaxPeriods > 0 {
		payload["MaxPeriods"] = req.MaxPeriods
	}
	return c.post(ctx, "subscriptions/create", payload)
}

// GetSubscription looks a subscription up by its gateway id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Response, error) {
	return c.post(ctx, "subscriptions/get", map[string]interface{}{"Id": subscriptionID})
}

// UpdateSubscription changes the amount and/or description.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID string, amount float64, description string) (*Response, error) {
	payload := map[string]interface{}{"Id": subscriptionID}
	if amount > 0 {
		payload["Amount"] = amount
	}
	if description != "" {
		payload["Description"] = description
	}
	return c.post(ctx, "subscriptions/update", payload)
}

// CancelSubscription stops the recurring charge at the gateway.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*Response, error) {
	return c.post(ctx, "subscriptions/cancel", map[string]interface{}{"Id": subscriptionID})
}

// FindSubscriptions lists gateway subscriptions for an account.
func (c *Client) FindSubscriptions(ctx context.Context, accountID string) (*Response, error) {
	return c.post(ctx, "subscriptions/find", map[string]interface{}{"AccountId": accountID})
}

// VerifyWebhook checks the X-Content-HMAC signature over the sorted
// key=value pairs of the notification payload.
func (c *Client) VerifyWebhook(fields map[string]string, hmacHeader string) bool {
	if hmacHeader == "" {
		return false
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	message := strings.Join(parts, "&")

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	signature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(strings.ToLower(hmacHeader)))
}

// InvoiceID builds a deterministic-prefix invoice id for a charge.
func (c *Client) InvoiceID(userID string, tariffID int64) string {
	return fmt.Sprintf("%s_%s_%d_%d", c.service, userID, tariffID, time.Now().Unix())
}

// SubscriptionDescription renders the human-readable charge description.
func (c *Client) SubscriptionDescription(tariffName string, durationDays, requestsCount *int) string {
	switch {
	case durationDays != nil && *durationDays > 0:
		return fmt.Sprintf("%s: %s (%d days)", c.service, tariffName, *durationDays)
	case requestsCount != nil && *requestsCount > 0:
		return fmt.Sprintf("%s: %s (%d requests)", c.service, tariffName, *requestsCount)
	default:
		return fmt.Sprintf("%s: %s", c.service, tariffName)
	}
}

// FormatAmount rounds to kopeck precision the way the API expects.
func FormatAmount(amount float64) float64 {
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(amount, 'f', 2, 64), 64)
	return rounded
}

func (c *Client) observeCharge(kind string, resp *Response, err error, amount float64) {
	if c.metrics == nil {
		return
	}
	success := err == nil && resp != nil && resp.Success
	c.metrics.ObserveCharge(kind, success, amount)
}
