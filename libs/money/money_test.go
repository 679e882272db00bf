package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestProfileFor(t *testing.T) {
	cases := map[string]Profile{
		"usdt": {Display: 2, Storage: 2, Chain: 6},
		"BTC":  {Display: 8, Storage: 8, Chain: 8},
		"NGN":  {Display: 2, Storage: 2, Chain: 2, Fiat: true},
		"XYZ":  DefaultProfile,
	}
	for currency, want := range cases {
		if got := ProfileFor(currency); got != want {
			t.Fatalf("%s: expected %+v, got %+v", currency, want, got)
		}
	}
}

func TestParse(t *testing.T) {
	d, err := Parse(" 12.50 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("expected 12.5, got %s", d)
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected error for empty amount")
	}
	in := decimal.NewFromInt(7)
	out, err := Parse(in)
	if err != nil || !out.Equal(in) {
		t.Fatalf("expected decimal passthrough, got %s %v", out, err)
	}
}

func TestRoundingTruncates(t *testing.T) {
	if got := RoundForStorage("1.239", "NGN").String(); got != "1.23" {
		t.Fatalf("expected 1.23, got %s", got)
	}
	if got := RoundForStorage("-1.239", "NGN").String(); got != "-1.23" {
		t.Fatalf("expected truncation toward zero, got %s", got)
	}
	if got := RoundForChain("10.1234567", "USDT").String(); got != "10.123456" {
		t.Fatalf("expected 10.123456, got %s", got)
	}
	if got := RoundForDisplay("0.123456789", "BTC").String(); got != "0.12345678" {
		t.Fatalf("expected 0.12345678, got %s", got)
	}
	if got := RoundForStorage("0.1234567891", "UNKNOWN").String(); got != "0.12345678" {
		t.Fatalf("expected default 8 decimals, got %s", got)
	}
}

func TestRoundForStorageIdempotent(t *testing.T) {
	values := []string{"0", "1.999999999", "123456.789", "0.000000019", "-5.55555"}
	for _, currency := range []string{"USDT", "BTC", "NGN", "XYZ"} {
		for _, v := range values {
			once := RoundForStorage(v, currency)
			twice := RoundForStorage(once, currency)
			if !once.Equal(twice) {
				t.Fatalf("%s %s: %s != %s", currency, v, once, twice)
			}
		}
	}
}

func TestCompareWithinTolerance(t *testing.T) {
	if !Equal("1.000000001", "1") {
		t.Fatalf("expected values within tolerance to be equal")
	}
	if Equal("1.0000001", "1") {
		t.Fatalf("expected values outside tolerance to differ")
	}
	if Compare("2", decimal.NewFromInt(1)) != 1 {
		t.Fatalf("expected 2 > 1")
	}
	if Compare("1", "2") != -1 {
		t.Fatalf("expected 1 < 2")
	}
}

func TestCovers(t *testing.T) {
	expected := decimal.RequireFromString("100")
	if !Covers(decimal.RequireFromString("99.999999995"), expected, decimal.Zero) {
		t.Fatalf("expected shortfall inside tolerance to cover")
	}
	if Covers(decimal.RequireFromString("99.5"), expected, decimal.Zero) {
		t.Fatalf("expected 0.5%% shortfall not to cover")
	}
	if !Covers(decimal.RequireFromString("99.5"), expected, decimal.RequireFromString("1")) {
		t.Fatalf("expected custom tolerance to cover")
	}
}

func TestAddSub(t *testing.T) {
	if got := Add("0.1", "0.2").String(); got != "0.3" {
		t.Fatalf("expected exact 0.3, got %s", got)
	}
	if got := Sub(decimal.NewFromInt(1), "0.75").String(); got != "0.25" {
		t.Fatalf("expected 0.25, got %s", got)
	}
}

func TestSmartDisplay(t *testing.T) {
	if got := SmartDisplay("0.00042", "USDT").String(); got != "0.00042" {
		t.Fatalf("expected widened precision, got %s", got)
	}
	if got := SmartDisplay("0.0000004", "USDT").String(); got != "0" {
		t.Fatalf("expected cap at chain decimals, got %s", got)
	}
	if got := SmartDisplay("12.3456", "NGN").String(); got != "12.34" {
		t.Fatalf("expected display decimals for large amounts, got %s", got)
	}
	if got := SmartDisplay("0.004", "NGN").String(); got != "0" {
		t.Fatalf("expected fiat cap at 2 decimals, got %s", got)
	}
}

func TestFormatDisplay(t *testing.T) {
	if got := FormatDisplay("5", "NGN"); got != "5.00" {
		t.Fatalf("expected 5.00, got %s", got)
	}
}
