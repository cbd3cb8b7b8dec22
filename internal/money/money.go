// Package money содержит точную десятичную арифметику для денежных сумм кассы.
package money

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision - количество знаков после запятой для денежных сумм.
const Precision = 2

// Money представляет денежную сумму с точной десятичной арифметикой.
// Нулевое значение соответствует нулю.
type Money struct {
	d decimal.Decimal
}

// Zero - нулевая сумма.
var Zero = Money{}

// New разбирает сумму из строки вида "108.00".
func New(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// MustParse разбирает сумму и паникует при ошибке. Используется для констант и тестов.
func MustParse(s string) Money {
	m, err := New(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromCents создаёт сумму из целого числа копеек.
func FromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -Precision)}
}

// FromDecimal оборачивает произвольное десятичное значение.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d}
}

// Cents возвращает сумму в копейках с округлением half-up.
func (m Money) Cents() int64 {
	return m.d.Shift(Precision).Round(0).IntPart()
}

// Decimal возвращает внутреннее десятичное значение.
func (m Money) Decimal() decimal.Decimal {
	return m.d
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

// MulQty умножает сумму на целое количество без округления.
func (m Money) MulQty(qty int) Money {
	return Money{d: m.d.Mul(decimal.NewFromInt(int64(qty)))}
}

// Prorate возвращает долю part/whole суммы с округлением до копеек half-up.
// При whole ≤ 0 возвращает ноль.
func (m Money) Prorate(part, whole int64) Money {
	if whole <= 0 {
		return Zero
	}
	return Money{d: m.d.Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole))}.Round()
}

// Round округляет сумму до копеек по правилу half-up (от нуля).
func (m Money) Round() Money {
	return Money{d: m.d.Round(Precision)}
}

func (m Money) Cmp(o Money) int          { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) IsZero() bool             { return m.d.IsZero() }
func (m Money) IsNegative() bool         { return m.d.IsNegative() }
func (m Money) IsPositive() bool         { return m.d.IsPositive() }

// Min возвращает меньшую из двух сумм.
func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max возвращает большую из двух сумм.
func Max(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Sum складывает суммы.
func Sum(values ...Money) Money {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// String форматирует сумму с двумя знаками после запятой.
func (m Money) String() string {
	return m.d.StringFixed(Precision)
}

// MarshalJSON сериализует сумму строкой, чтобы не терять точность на стороне клиента.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON принимает как строку, так и число.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*m = Zero
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal money: %w", err)
	}
	m.d = d
	return nil
}
