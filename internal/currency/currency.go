package currency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"stagegate/internal/config"
)

// Converter normalizes amounts expressed in minor units between currencies.
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string, asOf time.Time) (int64, error)
}

var ErrNoRate = errors.New("no exchange rate")

// rateScale is the fixed-point precision of stored rates.
const rateScale = 1_000_000_000

type datedRate struct {
	from  time.Time
	value int64 // base units per currency unit, times rateScale
}

// defaultMinorUnits is the decimal count assumed for currencies without an
// explicit setting.
const defaultMinorUnits = 2

// Table converts through a base currency using dated rates. A rate applies
// from its date until the next dated rate of the same currency. Amounts are in
// each currency's own minor unit.
type Table struct {
	Base  string
	rates map[string][]datedRate
	minor map[string]int
}

func NewTable(base string) *Table {
	return &Table{Base: strings.ToUpper(base), rates: map[string][]datedRate{}, minor: map[string]int{}}
}

// SetMinorUnits records how many decimals a minor unit of code has.
func (t *Table) SetMinorUnits(code string, decimals int) error {
	if decimals < 0 || decimals > 4 {
		return fmt.Errorf("minor units for %s must be between 0 and 4", code)
	}
	t.minor[strings.ToUpper(code)] = decimals
	return nil
}

func (t *Table) minorUnits(code string) int {
	if n, ok := t.minor[code]; ok {
		return n
	}
	return defaultMinorUnits
}

// FromConfig builds a Table from the currency section of the config.
func FromConfig(cfg *config.Config) (*Table, error) {
	if cfg == nil {
		return NewTable(""), nil
	}
	t := NewTable(cfg.Currency.Base)
	for code, n := range cfg.Currency.MinorUnits {
		if err := t.SetMinorUnits(code, n); err != nil {
			return nil, err
		}
	}
	for code, rates := range cfg.Currency.Rates {
		for _, r := range rates {
			day, err := time.Parse(time.DateOnly, r.Date)
			if err != nil {
				return nil, fmt.Errorf("rate %s %s: %w", code, r.Date, err)
			}
			if err := t.Add(code, day, r.Value); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Add records that one unit of code is worth value base units from day on.
func (t *Table) Add(code string, day time.Time, value float64) error {
	if value <= 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return fmt.Errorf("rate for %s must be positive", code)
	}
	code = strings.ToUpper(code)
	list := append(t.rates[code], datedRate{from: day.UTC(), value: int64(math.Round(value * rateScale))})
	sort.SliceStable(list, func(i, j int) bool { return list[i].from.Before(list[j].from) })
	t.rates[code] = list
	return nil
}

func (t *Table) rate(code string, asOf time.Time) (int64, error) {
	if code == t.Base {
		return rateScale, nil
	}
	list := t.rates[code]
	idx := sort.Search(len(list), func(i int) bool { return list[i].from.After(asOf) })
	if idx == 0 {
		return 0, fmt.Errorf("%w for %s on %s", ErrNoRate, code, asOf.Format(time.DateOnly))
	}
	return list[idx-1].value, nil
}

// Convert rounds half away from zero to the nearest minor unit.
func (t *Table) Convert(_ context.Context, amount int64, from, to string, asOf time.Time) (int64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	asOf = asOf.UTC()
	fromRate, err := t.rate(from, asOf)
	if err != nil {
		return 0, err
	}
	toRate, err := t.rate(to, asOf)
	if err != nil {
		return 0, err
	}
	num := new(big.Int).Mul(big.NewInt(amount), big.NewInt(fromRate))
	den := big.NewInt(toRate)
	switch shift := t.minorUnits(to) - t.minorUnits(from); {
	case shift > 0:
		num.Mul(num, pow10(shift))
	case shift < 0:
		den.Mul(den, pow10(-shift))
	}
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(new(big.Int).Abs(r), big.NewInt(2)).Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("converted amount overflows")
	}
	return q.Int64(), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
