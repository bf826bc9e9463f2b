package handler

import (
	"encoding/json"
	"strings"

	"github.com/hitoshi/billman/internal/payment"
)

// looseString は値を文字列・数値など型を問わず受け取り、元の表記をそのまま保持する。
// 解釈はサービス層に任せ、上限判定より前にデコードで失敗させない。
type looseString string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (l *looseString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*l = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = looseString(s)
	default:
		*l = looseString(raw)
	}
	return nil
}

func (l *looseString) ptr() *string {
	if l == nil {
		return nil
	}
	v := string(*l)
	return &v
}

// paymentRequest は支払いメタデータの入力。
// オブジェクト以外が来た場合は種別なしとして扱い、サービス層で拒否する。
type paymentRequest struct {
	Type   looseString  `json:"type"`
	Code   *looseString `json:"code"`
	URL    *looseString `json:"url"`
	Amount *looseString `json:"amount"`
}

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (p *paymentRequest) UnmarshalJSON(b []byte) error {
	type plain paymentRequest
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*p = paymentRequest{}
		return nil
	}
	*p = paymentRequest(v)
	return nil
}

// toInput は入力を payment.Input に変換する。
func (p *paymentRequest) toInput() *payment.Input {
	if p == nil {
		return nil
	}
	in := &payment.Input{Type: string(p.Type), Code: p.Code.ptr(), URL: p.URL.ptr()}
	if p.Amount != nil {
		in.Amount = string(*p.Amount)
	}
	return in
}

// createBillRequest は請求書作成リクエストのボディ。
type createBillRequest struct {
	Amount   looseString     `json:"amount"`
	Due      looseString     `json:"due"`
	UserID   looseString     `json:"user_id"`
	PaidAt   looseString     `json:"paid_at"`
	Metadata *paymentRequest `json:"metadata"`
}

// updateBillRequest は請求書更新リクエストのボディ。省略した項目は変更しない。
type updateBillRequest struct {
	Version     *int64          `json:"version"`
	Amount      *looseString    `json:"amount"`
	Due         *looseString    `json:"due"`
	PaidAt      *looseString    `json:"paid_at"`
	ClearPaidAt bool            `json:"clear_paid_at"`
	Metadata    *paymentRequest `json:"metadata"`
}

// createUserRequest はユーザー作成リクエストのボディ。
type createUserRequest struct {
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
}

// setBlockedRequest は利用停止フラグ更新リクエストのボディ。
type setBlockedRequest struct {
	Version *int64 `json:"version"`
	Blocked bool   `json:"blocked"`
}
