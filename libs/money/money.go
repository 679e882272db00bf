// Package money holds the currency precision rules used for every amount the
// settlement core stores, shows, or submits to a chain.
//
// All rounding truncates toward zero. A value is never presented or
// transmitted with more precision than its currency allows.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Profile is the number of decimals a currency keeps in each context.
type Profile struct {
	Display int32
	Storage int32
	Chain   int32
	Fiat    bool
}

var (
	stablecoin = Profile{Display: 2, Storage: 2, Chain: 6}
	major      = Profile{Display: 8, Storage: 8, Chain: 8}
	fiat       = Profile{Display: 2, Storage: 2, Chain: 2, Fiat: true}

	// DefaultProfile applies to currencies without an explicit entry.
	DefaultProfile = Profile{Display: 8, Storage: 8, Chain: 8}
)

var profiles = map[string]Profile{
	"USDT": stablecoin,
	"USDC": stablecoin,
	"BUSD": stablecoin,
	"DAI":  stablecoin,
	"BTC":  major,
	"ETH":  major,
	"BNB":  major,
	"SOL":  major,
	"NGN":  fiat,
	"USD":  fiat,
	"EUR":  fiat,
	"GBP":  fiat,
	"KES":  fiat,
	"GHS":  fiat,
	"ZAR":  fiat,
}

// Tolerance is the absolute difference under which two amounts reconcile.
var Tolerance = decimal.New(1, -8)

// Numeric is accepted by every helper: a decimal string or a decimal.
type Numeric interface {
	~string | decimal.Decimal
}

func ProfileFor(currency string) Profile {
	if p, ok := profiles[normalize(currency)]; ok {
		return p
	}
	return DefaultProfile
}

func IsFiat(currency string) bool {
	return ProfileFor(currency).Fiat
}

// Parse converts v into a decimal, rejecting malformed strings.
func Parse[T Numeric](v T) (decimal.Decimal, error) {
	switch x := any(v).(type) {
	case decimal.Decimal:
		return x, nil
	default:
		s := strings.TrimSpace(fmt.Sprint(x))
		if s == "" {
			return decimal.Zero, fmt.Errorf("empty amount")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		return d, nil
	}
}

// MustParse is Parse for values already known to be well formed. It panics
// on malformed input.
func MustParse[T Numeric](v T) decimal.Decimal {
	d, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return d
}

func Add[A, B Numeric](a A, b B) decimal.Decimal {
	return MustParse(a).Add(MustParse(b))
}

func Sub[A, B Numeric](a A, b B) decimal.Decimal {
	return MustParse(a).Sub(MustParse(b))
}

// Compare returns 0 when a and b are within Tolerance, otherwise the sign of a-b.
func Compare[A, B Numeric](a A, b B) int {
	diff := MustParse(a).Sub(MustParse(b))
	if diff.Abs().LessThanOrEqual(Tolerance) {
		return 0
	}
	return diff.Sign()
}

func Equal[A, B Numeric](a A, b B) bool {
	return Compare(a, b) == 0
}

// Covers reports whether received pays for expected, allowing tol of shortfall.
// A zero tol falls back to Tolerance.
func Covers(received, expected, tol decimal.Decimal) bool {
	if tol.IsZero() {
		tol = Tolerance
	}
	return received.Add(tol).GreaterThanOrEqual(expected)
}

func RoundForDisplay[T Numeric](v T, currency string) decimal.Decimal {
	return MustParse(v).Truncate(ProfileFor(currency).Display)
}

func RoundForStorage[T Numeric](v T, currency string) decimal.Decimal {
	return MustParse(v).Truncate(ProfileFor(currency).Storage)
}

func RoundForChain[T Numeric](v T, currency string) decimal.Decimal {
	return MustParse(v).Truncate(ProfileFor(currency).Chain)
}

// SmartDisplay widens the display precision for amounts below one so that
// small values keep at least two significant digits. The result never
// carries more decimals than the currency's finest configured precision.
func SmartDisplay[T Numeric](v T, currency string) decimal.Decimal {
	d := MustParse(v)
	p := ProfileFor(currency)
	places := p.Display
	abs := d.Abs()
	if !abs.IsZero() && abs.LessThan(decimal.NewFromInt(1)) {
		// exponent of the leading significant digit, e.g. 0.00042 -> -4
		lead := int32(abs.NumDigits()) - 1 + abs.Exponent()
		want := -lead + 1
		if want > places {
			places = want
		}
	}
	if limit := finest(p); places > limit {
		places = limit
	}
	return d.Truncate(places)
}

// FormatDisplay renders v with exactly the currency's display decimals.
func FormatDisplay[T Numeric](v T, currency string) string {
	p := ProfileFor(currency)
	return RoundForDisplay(v, currency).StringFixed(p.Display)
}

func finest(p Profile) int32 {
	out := p.Display
	if p.Storage > out {
		out = p.Storage
	}
	if p.Chain > out {
		out = p.Chain
	}
	return out
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
