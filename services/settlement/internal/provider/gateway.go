package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Gateway talks to the payment gateway's JSON API. Every response is
// wrapped as {"status": bool, "message": string, "data": {...}}.
type Gateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGateway(cfg GatewayConfig) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentAccount, error) {
	body := map[string]any{
		"reference":  req.Reference,
		"amount":     req.Amount.String(),
		"currency":   req.Currency,
		"email":      req.Email,
		"phone":      req.Phone,
		"expires_in": req.ValidForSeconds,
	}
	data, err := g.do(ctx, http.MethodPost, "/v1/collections", body)
	if err != nil {
		return PaymentAccount{}, err
	}
	account := PaymentAccount{
		Reference:     data.Get("reference").String(),
		AccountNumber: data.Get("account.number").String(),
		BankName:      data.Get("account.bank_name").String(),
		AccountName:   data.Get("account.name").String(),
	}
	if account.Reference == "" {
		return PaymentAccount{}, fmt.Errorf("%w: collection response has no reference", ErrRejected)
	}
	return account, nil
}

func (g *Gateway) VerifyPayment(ctx context.Context, reference string) (Verification, error) {
	data, err := g.do(ctx, http.MethodGet, "/v1/collections/"+url.PathEscape(reference), nil)
	if err != nil {
		return Verification{}, err
	}
	amount, err := decimalField(data, "amount_received")
	if err != nil {
		return Verification{}, err
	}
	v := Verification{Reference: reference, Amount: amount}
	switch strings.ToLower(data.Get("status").String()) {
	case "success", "successful", "completed":
		v.Status = PaymentSuccess
	case "failed", "reversed", "cancelled":
		v.Status = PaymentFailed
	default:
		v.Status = PaymentPending
	}
	return v, nil
}

func (g *Gateway) BankTransfer(ctx context.Context, req BankTransfer) (string, error) {
	data, err := g.do(ctx, http.MethodPost, "/v1/transfers/bank", map[string]any{
		"reference":      req.Reference,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"account_name":   req.AccountName,
		"narration":      req.Narration,
	})
	if err != nil {
		return "", err
	}
	return data.Get("transfer_id").String(), nil
}

func (g *Gateway) BlockchainTransfer(ctx context.Context, req ChainTransfer) (string, error) {
	data, err := g.do(ctx, http.MethodPost, "/v1/transfers/chain", map[string]any{
		"reference": req.Reference,
		"amount":    req.Amount.String(),
		"currency":  req.Currency,
		"network":   req.Network,
		"address":   req.Address,
	})
	if err != nil {
		return "", err
	}
	return data.Get("tx_hash").String(), nil
}

func (g *Gateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	data, err := g.do(ctx, http.MethodPost, "/v1/refunds", map[string]any{
		"reference":         req.Reference,
		"payment_reference": req.PaymentReference,
		"amount":            req.Amount.String(),
		"currency":          req.Currency,
		"address":           req.Address,
		"network":           req.Network,
	})
	if err != nil {
		return "", err
	}
	return data.Get("refund_id").String(), nil
}

func (g *Gateway) SyncBalance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	path := "/v1/addresses/" + url.PathEscape(address) + "/balance?currency=" + url.QueryEscape(currency)
	data, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimalField(data, "balance")
}

func (g *Gateway) AssignAddress(ctx context.Context, walletID uuid.UUID, currency string) (string, error) {
	data, err := g.do(ctx, http.MethodPost, "/v1/addresses", map[string]any{
		"label":    walletID.String(),
		"currency": currency,
	})
	if err != nil {
		return "", err
	}
	address := data.Get("address").String()
	if address == "" {
		return "", fmt.Errorf("%w: address response is empty", ErrRejected)
	}
	return address, nil
}

// do sends the request and returns the "data" object of a successful
// response.
func (g *Gateway) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return gjson.Result{}, fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, path, err)
		}
		return gjson.Result{}, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s %s returned %d with invalid json", ErrNetwork, method, path, resp.StatusCode)
	}
	parsed := gjson.ParseBytes(raw)
	message := parsed.Get("message").String()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrNotFound, message)
	case resp.StatusCode >= 500:
		return gjson.Result{}, fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, message)
	case resp.StatusCode >= 400 || !parsed.Get("status").Bool():
		if code := parsed.Get("code").String(); code == "invalid_account" || code == "invalid_bank" {
			return gjson.Result{}, fmt.Errorf("%w: %s", ErrBankDetails, message)
		}
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrRejected, message)
	}
	return parsed.Get("data"), nil
}

func decimalField(data gjson.Result, path string) (decimal.Decimal, error) {
	field := data.Get(path)
	if !field.Exists() {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(field.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a decimal: %q", ErrRejected, path, field.String())
	}
	return d, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
