package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// Live places real orders through the CLOB REST API. Every call is
// rate limited per endpoint category, retried on 5xx, and signed with
// L2 HMAC headers. Construction derives L2 credentials from the wallet
// when none are configured and proves them with a balance round-trip
// before the adapter is handed to anyone.
type Live struct {
	http         *resty.Client
	signer       *Signer
	limits       *rateLimits
	feeRateBps   int
	minOrderSize float64
	logger       zerolog.Logger
}

// orderWire is the venue's POST /order response.
type orderWire struct {
	Success            bool     `json:"success"`
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	TransactionsHashes []string `json:"transactionsHashes"`
	Status             string   `json:"status"`
	MakingAmount       string   `json:"makingAmount"`
	TakingAmount       string   `json:"takingAmount"`
}

// balanceWire is the venue's GET /balance-allowance response; amounts
// are 6-decimal integer strings.
type balanceWire struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

const credentialProbeTimeout = 10 * time.Second

// NewLive builds the live adapter and validates its credentials. The
// context bounds the whole bootstrap; the credential probe itself is
// capped at ten seconds so a wedged venue fails startup fast.
func NewLive(ctx context.Context, cfg config.VenueConfig) (*Live, error) {
	signer, err := NewSigner(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetBaseURL(cfg.ClobBaseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	l := &Live{
		http:         httpClient,
		signer:       signer,
		limits:       newRateLimits(),
		feeRateBps:   cfg.FeeRateBps,
		minOrderSize: cfg.MinOrderSize,
		logger:       config.NewLogger("exec"),
	}

	if !signer.HasCredentials() {
		if err := l.deriveCredentials(ctx); err != nil {
			return nil, err
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, credentialProbeTimeout)
	defer cancel()
	if _, err := l.Balance(probeCtx, ""); err != nil {
		return nil, errs.Wrap(errs.CredentialsMissing, err, "credential validation failed")
	}

	l.logger.Info().
		Str("address", signer.Address().Hex()).
		Str("clob", cfg.ClobBaseURL).
		Msg("Live execution adapter ready")
	return l, nil
}

// Mode reports the trading mode this adapter serves.
func (l *Live) Mode() string {
	return "LIVE"
}

// deriveCredentials bootstraps the L2 triplet from an L1 wallet
// signature.
func (l *Live) deriveCredentials(ctx context.Context) error {
	headers, err := l.signer.L1Headers(0)
	if err != nil {
		return errs.Wrap(errs.CredentialsMissing, err, "sign key derivation request")
	}

	var creds Credentials
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return errs.Wrap(errs.CredentialsMissing, err, "derive api key")
	}
	if resp.StatusCode() != http.StatusOK {
		return errs.Newf(errs.CredentialsMissing, "derive api key: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		return errs.New(errs.CredentialsMissing, "derive api key returned incomplete credentials")
	}

	l.signer.SetCredentials(creds)
	l.logger.Info().Msg("Derived L2 API credentials from wallet signature")
	return nil
}

// PlaceOrder signs and submits one order. Transport failures and 5xx
// exhaustion surface as OrderTimeout because the order's fate is
// unknown; explicit venue refusals surface as OrderRejected.
func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req = req.normalized()
	if err := req.validate(); err != nil {
		ordersRejected.WithLabelValues("live", "invalid").Inc()
		return OrderResult{}, err
	}
	if req.Size < l.minOrderSize {
		ordersRejected.WithLabelValues("live", "below_minimum").Inc()
		return OrderResult{}, errs.Newf(errs.OrderRejected,
			"size %.2f below venue minimum %.2f", req.Size, l.minOrderSize)
	}

	if err := l.limits.order.Wait(ctx); err != nil {
		return OrderResult{}, err
	}

	order, err := l.signer.signOrder(req, l.feeRateBps)
	if err != nil {
		return OrderResult{}, err
	}
	body, err := json.Marshal(order.payload(l.signer.creds.APIKey, req.Type))
	if err != nil {
		return OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := l.signer.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return OrderResult{}, err
	}

	start := time.Now()
	var wire orderWire
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&wire).
		SetError(&wire).
		Post("/order")
	orderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		ordersRejected.WithLabelValues("live", "transport").Inc()
		return OrderResult{}, errs.Wrap(errs.OrderTimeout, err, "order request failed").
			With("token_id", req.TokenID)
	}

	switch {
	case resp.StatusCode() >= 500:
		ordersRejected.WithLabelValues("live", "venue_5xx").Inc()
		return OrderResult{}, errs.Newf(errs.OrderTimeout,
			"order status %d after retries: %s", resp.StatusCode(), resp.String())
	case resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated:
		ordersRejected.WithLabelValues("live", "venue_4xx").Inc()
		return OrderResult{}, errs.Newf(errs.OrderRejected,
			"order refused: status %d: %s", resp.StatusCode(), venueMessage(&wire, resp)).
			With("token_id", req.TokenID)
	case !wire.Success:
		ordersRejected.WithLabelValues("live", "venue_reject").Inc()
		return OrderResult{}, errs.Newf(errs.OrderRejected, "order refused: %s",
			venueMessage(&wire, resp)).
			With("token_id", req.TokenID)
	}

	result := OrderResult{
		OrderID:  wire.OrderID,
		Status:   normalizeStatus(wire.Status),
		Making:   parseAmount(wire.MakingAmount),
		Taking:   parseAmount(wire.TakingAmount),
		TxHashes: wire.TransactionsHashes,
	}
	ordersPlaced.WithLabelValues("live", string(req.Side), string(result.Status)).Inc()

	l.logger.Info().
		Str("order_id", result.OrderID).
		Str("token_id", req.TokenID).
		Str("side", string(req.Side)).
		Str("status", string(result.Status)).
		Float64("limit", req.Price).
		Float64("size", req.Size).
		Msg("Order placed")
	return result, nil
}

// Cancel withdraws one order by id.
func (l *Live) Cancel(ctx context.Context, orderID string) error {
	if err := l.limits.cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := l.signer.L2Headers(http.MethodDelete, "/order", body)
	if err != nil {
		return err
	}

	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/order")
	if err != nil {
		return errs.Wrap(errs.OrderTimeout, err, "cancel request failed").
			With("order_id", orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return errs.Newf(errs.OrderRejected, "cancel refused: status %d: %s",
			resp.StatusCode(), resp.String()).
			With("order_id", orderID)
	}

	cancels.WithLabelValues("live").Inc()
	l.logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// Balance reads collateral (empty token id) or an outcome-token
// holding. The venue signs the path without the query string.
func (l *Live) Balance(ctx context.Context, tokenID string) (float64, error) {
	if err := l.limits.data.Wait(ctx); err != nil {
		return 0, err
	}

	const path = "/balance-allowance"
	headers, err := l.signer.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return 0, err
	}

	query := map[string]string{
		"asset_type":     "COLLATERAL",
		"signature_type": fmt.Sprintf("%d", l.signer.sigType),
	}
	if tokenID != "" {
		query["asset_type"] = "CONDITIONAL"
		query["token_id"] = tokenID
	}

	var wire balanceWire
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(query).
		SetResult(&wire).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("balance request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	bal, err := decimal.NewFromString(wire.Balance)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", wire.Balance, err)
	}
	return bal.Shift(-6).InexactFloat64(), nil
}

// venueMessage extracts the most useful refusal text available.
func venueMessage(wire *orderWire, resp *resty.Response) string {
	if wire.ErrorMsg != "" {
		return wire.ErrorMsg
	}
	return resp.String()
}

// normalizeStatus maps the venue's order status strings onto the
// OrderStatus constants, passing through anything unrecognized.
func normalizeStatus(status string) OrderStatus {
	switch s := OrderStatus(strings.ToLower(status)); s {
	case StatusMatched, StatusLive, StatusDelayed, StatusUnmatched, StatusCancelled:
		return s
	case "":
		return StatusLive
	default:
		return OrderStatus(strings.ToLower(status))
	}
}

// parseAmount reads the venue's decimal-string amounts, tolerating
// absence.
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
