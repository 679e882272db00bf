package storage

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPairCurrencies(t *testing.T) {
	p := Pair{Base: "USDT", Quote: "NGN"}

	if got := p.OrderCurrency(SideSell); got != "USDT" {
		t.Fatalf("sell order currency: %s", got)
	}
	if got := p.SendCurrency(SideSell); got != "NGN" {
		t.Fatalf("sell send currency: %s", got)
	}
	if got := p.OrderCurrency(SideBuy); got != "NGN" {
		t.Fatalf("buy order currency: %s", got)
	}
	if got := p.SendCurrency(SideBuy); got != "USDT" {
		t.Fatalf("buy send currency: %s", got)
	}
}

func TestOrderHeadroom(t *testing.T) {
	o := Order{
		Amount:          decimal.RequireFromString("100"),
		AmountProcessed: decimal.RequireFromString("30"),
		AmountReserved:  decimal.RequireFromString("25.5"),
	}
	if got := o.Headroom().String(); got != "44.5" {
		t.Fatalf("expected 44.5, got %s", got)
	}
}

func TestReasonUnknownKindDecodesAsOther(t *testing.T) {
	var reasons []Reason
	raw := `[{"kind":"underpaid","expected":"10","received":"9","at":"2024-01-01T00:00:00Z"},{"kind":"legacy_note","at":"2024-01-01T00:00:00Z"}]`
	if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reasons[0].Kind != ReasonUnderpaid || reasons[0].Received != "9" {
		t.Fatalf("unexpected first reason: %+v", reasons[0])
	}
	if reasons[1].Kind != ReasonOther || reasons[1].Message != "legacy_note" {
		t.Fatalf("unexpected second reason: %+v", reasons[1])
	}
}

func TestAwaitingHolds(t *testing.T) {
	a := Awaiting{Status: AwaitingConfirmed}
	if !a.Holds() {
		t.Fatalf("expected confirmed claim to hold capacity")
	}
	a.Status = AwaitingSuccess
	if a.Holds() {
		t.Fatalf("expected terminal claim not to hold capacity")
	}
}
