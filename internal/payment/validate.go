// Package payment は支払いメタデータの検証と、編集フォーム用フィールドへの逆変換を提供する。
//
// 入力フィールドの「指定あり」は受け取ったままの値の中身で判定する。
// 空文字の code/url と 0 の amount は未指定として扱う。空白だけの code は指定ありとなる。
package payment

import (
	"github.com/shopspring/decimal"

	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/security"
)

// Fields は支払いメタデータの入力フィールド。
type Fields struct {
	Type   string
	Code   *string
	URL    *string
	Amount *model.Money
}

func present(s *string) bool {
	return s != nil && *s != ""
}

func amountPresent(m *model.Money) bool {
	return m != nil && !m.IsZero()
}

// normalize は空文字をnilに揃える。
func normalize(s *string) *string {
	if !present(s) {
		return nil
	}
	v := *s
	return &v
}

// Validate は入力フィールドを検証し、正規化したメタデータを返す。副作用はない。
//
//   - cash: code または url が指定されている、または amount が未指定なら失敗
//   - card: amount が指定されている、または code と url の両方が未指定なら失敗
//   - それ以外の種別は UNKNOWN_PAYMENT_TYPE
func Validate(f Fields) (model.PaymentMetadata, error) {
	switch model.PaymentType(f.Type) {
	case model.PaymentTypeCash:
		if present(f.Code) || present(f.URL) || !amountPresent(f.Amount) {
			return nil, model.NewInvalidPaymentMetadataError("現金払いでは amount のみを指定してください。")
		}
		// 保存形式は浮動小数点数のため、ここで表現を揃える
		amount := model.NewMoney(decimal.NewFromFloat(f.Amount.Float64()))
		return model.CashPayment{Amount: amount}, nil
	case model.PaymentTypeCard:
		if amountPresent(f.Amount) || (!present(f.Code) && !present(f.URL)) {
			return nil, model.NewInvalidPaymentMetadataError("カード払いでは code と url を使用してください。")
		}
		return model.CardPayment{Code: normalize(f.Code), URL: normalize(f.URL)}, nil
	default:
		return nil, model.NewUnknownPaymentTypeError(f.Type)
	}
}

// FieldsFrom は保存済みメタデータを入力フィールドに逆変換する。
// 編集フォームの初期値に使う。
func FieldsFrom(meta model.PaymentMetadata) Fields {
	switch m := meta.(type) {
	case model.CashPayment:
		amount := m.Amount
		return Fields{Type: string(model.PaymentTypeCash), Amount: &amount}
	case model.CardPayment:
		return Fields{Type: string(model.PaymentTypeCard), Code: m.Code, URL: m.URL}
	default:
		return Fields{}
	}
}

// Validator はサニタイズと領収書URL検証を加えたメタデータ検証器。
type Validator struct {
	sanitizer security.TextSanitizer
	urls      security.URLValidator
}

// NewValidator はValidatorを生成する。
func NewValidator(sanitizer security.TextSanitizer, urls security.URLValidator) *Validator {
	return &Validator{
		sanitizer: sanitizer,
		urls:      urls,
	}
}

// Validate は受け取ったままの値に Validate を適用してから、カード払いの code の
// マークアップを除去する。除去後に code が空になり url もなければ失敗とする。
// url が指定されていれば公開URLであることを検証する。
func (v *Validator) Validate(f Fields) (model.PaymentMetadata, error) {
	meta, err := Validate(f)
	if err != nil {
		return nil, err
	}

	card, ok := meta.(model.CardPayment)
	if !ok {
		return meta, nil
	}

	if card.Code != nil {
		code := v.sanitizer.Sanitize(*card.Code)
		card.Code = normalize(&code)
	}
	if card.Code == nil && card.URL == nil {
		return nil, model.NewInvalidPaymentMetadataError("カード払いの code が空です。")
	}

	if card.URL != nil {
		if err := v.urls.ValidateURL(*card.URL); err != nil {
			return nil, model.NewInvalidReceiptURLError(err.Error())
		}
	}

	return card, nil
}
