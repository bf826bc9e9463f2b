package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentType は支払い種別のタグ。
type PaymentType string

const (
	PaymentTypeCash PaymentType = "cash"
	PaymentTypeCard PaymentType = "card"
)

// PaymentMetadata は請求書の支払い方法を表す。
// CashPayment と CardPayment のいずれかであり、それ以外の実装は存在しない。
type PaymentMetadata interface {
	Type() PaymentType
	isPaymentMetadata()
}

// CashPayment は現金払いのメタデータ。
type CashPayment struct {
	Amount Money
}

// Type はPaymentMetadataを実装する。
func (CashPayment) Type() PaymentType { return PaymentTypeCash }
func (CashPayment) isPaymentMetadata() {}

// CardPayment はカード払いのメタデータ。Code と URL の少なくとも一方を持つ。
type CardPayment struct {
	Code *string
	URL  *string
}

// Type はPaymentMetadataを実装する。
func (CardPayment) Type() PaymentType { return PaymentTypeCard }
func (CardPayment) isPaymentMetadata() {}

type cashJSON struct {
	Type   PaymentType `json:"type"`
	Amount float64     `json:"amount"`
}

type cardJSON struct {
	Type PaymentType `json:"type"`
	Code *string     `json:"code"`
	URL  *string     `json:"url"`
}

// metadataEnvelope は読み込み時にタグと全フィールドを受け取る。
type metadataEnvelope struct {
	Type   PaymentType `json:"type"`
	Amount *float64    `json:"amount"`
	Code   *string     `json:"code"`
	URL    *string     `json:"url"`
}

// MarshalMetadata はメタデータを保存用JSONに変換する。nilの場合はnilを返す。
func MarshalMetadata(meta PaymentMetadata) ([]byte, error) {
	switch m := meta.(type) {
	case nil:
		return nil, nil
	case CashPayment:
		return json.Marshal(cashJSON{Type: PaymentTypeCash, Amount: m.Amount.Float64()})
	case CardPayment:
		return json.Marshal(cardJSON{Type: PaymentTypeCard, Code: m.Code, URL: m.URL})
	default:
		return nil, fmt.Errorf("未対応のメタデータ型です: %T", meta)
	}
}

// UnmarshalMetadata は保存用JSONからメタデータを復元する。
// 空またはnullの場合はnilを返す。
func UnmarshalMetadata(data []byte) (PaymentMetadata, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var env metadataEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("メタデータの解析に失敗しました: %w", err)
	}

	switch env.Type {
	case PaymentTypeCash:
		if env.Amount == nil {
			return nil, NewInvalidPaymentMetadataError("現金払いのメタデータに amount がありません。")
		}
		if env.Code != nil || env.URL != nil {
			return nil, NewInvalidPaymentMetadataError("現金払いのメタデータに code または url が含まれています。")
		}
		return CashPayment{Amount: NewMoney(decimal.NewFromFloat(*env.Amount))}, nil
	case PaymentTypeCard:
		if env.Amount != nil {
			return nil, NewInvalidPaymentMetadataError("カード払いのメタデータに amount が含まれています。")
		}
		if isBlank(env.Code) && isBlank(env.URL) {
			return nil, NewInvalidPaymentMetadataError("カード払いのメタデータに code と url のどちらもありません。")
		}
		return CardPayment{Code: env.Code, URL: env.URL}, nil
	default:
		return nil, NewUnknownPaymentTypeError(string(env.Type))
	}
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}
