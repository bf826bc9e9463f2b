package handler

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/payment"
)

// billResponse は請求書のAPIレスポンス。
type billResponse struct {
	ID          string          `json:"id"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	Due         time.Time       `json:"due"`
	PaidAt      *time.Time      `json:"paid_at"`
	UserID      string          `json:"user_id"`
	PaymentType string          `json:"payment_type"`
	Metadata    json.RawMessage `json:"metadata"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// snapshotResponse は請求書履歴1件のAPIレスポンス。
type snapshotResponse struct {
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"`
	Amount     string          `json:"amount"`
	Due        time.Time       `json:"due"`
	PaidAt     *time.Time      `json:"paid_at"`
	UserID     string          `json:"user_id"`
	Metadata   json.RawMessage `json:"metadata"`
	Version    int64           `json:"version"`
	DeletedAt  *time.Time      `json:"deleted_at"`
	ActorID    string          `json:"actor_id"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// paymentFieldsResponse は編集フォーム用の支払いフィールド。
type paymentFieldsResponse struct {
	Type   string  `json:"type"`
	Code   *string `json:"code"`
	URL    *string `json:"url"`
	Amount *string `json:"amount"`
}

// editBillResponse は編集フォームの初期値。
type editBillResponse struct {
	Bill    billResponse          `json:"bill"`
	Payment paymentFieldsResponse `json:"payment"`
}

// userResponse はユーザーのAPIレスポンス。
type userResponse struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Email     string    `json:"email"`
	Blocked   bool      `json:"blocked"`
	Note      string    `json:"note"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// userDetailResponse はユーザーと、その支払い済み・未払いの請求書。
type userDetailResponse struct {
	userResponse
	PaidBills   []billResponse `json:"paid_bills"`
	UnpaidBills []billResponse `json:"unpaid_bills"`
}

// metadataJSON は保存形式と同じJSONでメタデータを返す。未設定はnull。
func metadataJSON(meta model.PaymentMetadata) json.RawMessage {
	data, err := model.MarshalMetadata(meta)
	if err != nil {
		slog.Error("メタデータの変換に失敗しました", slog.String("error", err.Error()))
		return json.RawMessage("null")
	}
	if data == nil {
		return json.RawMessage("null")
	}
	return data
}

func toBillResponse(b *model.Bill) billResponse {
	return billResponse{
		ID:          b.ID,
		Amount:      b.Amount.String(),
		Currency:    b.Amount.Currency,
		Due:         b.Due,
		PaidAt:      b.PaidAt,
		UserID:      b.UserID,
		PaymentType: string(b.PaymentType()),
		Metadata:    metadataJSON(b.Metadata),
		Version:     b.Version,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func toBillResponses(bills []*model.Bill) []billResponse {
	out := make([]billResponse, len(bills))
	for i, b := range bills {
		out[i] = toBillResponse(b)
	}
	return out
}

func toSnapshotResponse(s model.BillSnapshot) snapshotResponse {
	return snapshotResponse{
		Seq:        s.Seq,
		Kind:       string(s.Kind),
		Amount:     s.Amount.String(),
		Due:        s.Due,
		PaidAt:     s.PaidAt,
		UserID:     s.UserID,
		Metadata:   metadataJSON(s.Metadata),
		Version:    s.Version,
		DeletedAt:  s.DeletedAt,
		ActorID:    s.ActorID,
		RecordedAt: s.RecordedAt,
	}
}

func toPaymentFieldsResponse(f payment.Fields) paymentFieldsResponse {
	resp := paymentFieldsResponse{Type: f.Type, Code: f.Code, URL: f.URL}
	if f.Amount != nil {
		s := f.Amount.String()
		resp.Amount = &s
	}
	return resp
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Nickname:  u.Nickname,
		Email:     u.Email,
		Blocked:   u.Blocked,
		Note:      u.Note,
		Version:   u.Version,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
