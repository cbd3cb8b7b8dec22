package money

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Rate - доля (например, ставка налога 0.08 или баллы за единицу валюты).
type Rate struct {
	d decimal.Decimal
}

// ParseRate разбирает ставку из строки.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return Rate{}, fmt.Errorf("rate %q is negative", s)
	}
	return Rate{d: d}, nil
}

// MustRate разбирает ставку и паникует при ошибке.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Apply вычисляет amount × rate с округлением до копеек half-up.
func (r Rate) Apply(amount Money) Money {
	return Money{d: amount.d.Mul(r.d)}.Round()
}

// Points вычисляет floor(amount × rate) - количество целых баллов лояльности.
func (r Rate) Points(amount Money) int64 {
	return amount.d.Mul(r.d).Floor().IntPart()
}

func (r Rate) IsZero() bool   { return r.d.IsZero() }
func (r Rate) String() string { return r.d.String() }

// MarshalJSON сериализует ставку строкой.
func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.d.String())
}

// UnmarshalJSON принимает как строку, так и число.
func (r *Rate) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*r = Rate{}
		return nil
	}
	parsed, err := ParseRate(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
