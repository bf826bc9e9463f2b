package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency は金額の通貨コード。現状USDのみを扱う。
const Currency = "USD"

// 保存精度（NUMERIC(8,4)）。
const (
	AmountIntegerDigits  = 4
	AmountFractionDigits = 4
)

var amountLimit = decimal.New(1, AmountIntegerDigits)

// Money は通貨付きの金額を表す。
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney はUSD建ての金額を生成する。
func NewMoney(amount decimal.Decimal) Money {
	return Money{Amount: amount, Currency: Currency}
}

// ParseMoney は10進数文字列から金額を生成する。
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("金額の解析に失敗しました %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// IsZero は金額が0かどうかを返す。
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive は金額が正かどうかを返す。
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Float64 は金額をfloat64に変換する。現金払いメタデータの金額表現に使う。
func (m Money) Float64() float64 {
	f, _ := m.Amount.Float64()
	return f
}

// GreaterThan は金額が指定値より大きいかどうかを返す。
func (m Money) GreaterThan(d decimal.Decimal) bool {
	return m.Amount.GreaterThan(d)
}

// FitsStorage は金額が保存精度に収まるかどうかを返す。
func (m Money) FitsStorage() bool {
	if !m.Amount.Equal(m.Amount.Round(AmountFractionDigits)) {
		return false
	}
	return m.Amount.Abs().LessThan(amountLimit)
}

// String は金額の10進数表現を返す。
func (m Money) String() string {
	return m.Amount.String()
}
