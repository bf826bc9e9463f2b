package handler

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/billman/internal/bill"
	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/payment"
)

// BillServiceInterface は請求書ハンドラーが必要とするサービスインターフェース。
type BillServiceInterface interface {
	CreateBill(ctx context.Context, actorID string, in bill.CreateInput) (*model.Bill, error)
	UpdateBill(ctx context.Context, actorID, id string, expectedVersion int64, in bill.UpdateInput) (*model.Bill, error)
	DeleteBill(ctx context.Context, actorID, id string, expectedVersion int64) error
	// ListBills はrangeのたびにストアを問い合わせる遅延シーケンスを返す。
	ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]
	GetBill(ctx context.Context, id string) (*model.Bill, error)
	History(ctx context.Context, id string) ([]model.BillSnapshot, error)
	EditableFields(ctx context.Context, id string) (*model.Bill, payment.Fields, error)
}

// BillHandler は請求書管理のHTTPハンドラー。
type BillHandler struct {
	service BillServiceInterface
}

// NewBillHandler はBillHandlerを生成する。
func NewBillHandler(service BillServiceInterface) *BillHandler {
	return &BillHandler{service: service}
}

// CreateBill は請求書を作成する。
// POST /api/bills
func (h *BillHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createBillRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.service.CreateBill(r.Context(), actorID, bill.CreateInput{
		Amount:   string(req.Amount),
		Due:      string(req.Due),
		UserID:   string(req.UserID),
		PaidAt:   string(req.PaidAt),
		Metadata: req.Metadata.toInput(),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBillResponse(created))
}

// ListBills は条件に一致する請求書をJSON配列で返す。
// GET /api/bills?filter=paid,paid_by_cash&user_id=...
//
// 結果は遅延シーケンスから1件ずつ書き出し、全件をメモリに載せない。
func (h *BillHandler) ListBills(w http.ResponseWriter, r *http.Request) {
	pred, err := billquery.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		pred = billquery.And(pred, billquery.OwnedBy(userID))
	}

	enc := json.NewEncoder(w)
	started := false
	begin := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("["))
		started = true
	}

	for b, err := range h.service.ListBills(r.Context(), pred) {
		if err != nil {
			if !started {
				handleServiceError(w, err)
				return
			}
			// ヘッダー送信後はステータスを変えられないため、接続を切って不完全な応答を知らせる
			slog.Error("請求書一覧の書き出し中にエラーが発生しました",
				slog.String("error", err.Error()),
			)
			panic(http.ErrAbortHandler)
		}
		if !started {
			begin()
		} else {
			w.Write([]byte(","))
		}
		if err := enc.Encode(toBillResponse(b)); err != nil {
			slog.Error("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
			return
		}
	}

	if !started {
		begin()
	}
	w.Write([]byte("]\n"))
}

// GetBill は請求書を取得する。
// GET /api/bills/{id}
func (h *BillHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.GetBill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillResponse(b))
}

// History は請求書の変更履歴を返す。
// GET /api/bills/{id}/history
func (h *BillHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]snapshotResponse, len(history))
	for i, s := range history {
		resp[i] = toSnapshotResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// EditForm は編集フォームの初期値を返す。
// GET /api/bills/{id}/edit
func (h *BillHandler) EditForm(w http.ResponseWriter, r *http.Request) {
	b, fields, err := h.service.EditableFields(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editBillResponse{
		Bill:    toBillResponse(b),
		Payment: toPaymentFieldsResponse(fields),
	})
}

// UpdateBill は請求書を更新する。ボディの version が現在のバージョンと一致する必要がある。
// PATCH /api/bills/{id}
func (h *BillHandler) UpdateBill(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateBillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Version == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("version", "バージョンは必須です"))
		return
	}

	in := bill.UpdateInput{
		Amount:      req.Amount.ptr(),
		Due:         req.Due.ptr(),
		PaidAt:      req.PaidAt.ptr(),
		ClearPaidAt: req.ClearPaidAt,
		Metadata:    req.Metadata.toInput(),
	}

	updated, err := h.service.UpdateBill(r.Context(), actorID, chi.URLParam(r, "id"), *req.Version, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillResponse(updated))
}

// DeleteBill は請求書を削除する。
// DELETE /api/bills/{id}?version=N
func (h *BillHandler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("version", "バージョンは整数で指定してください"))
		return
	}

	if err := h.service.DeleteBill(r.Context(), actorID, chi.URLParam(r, "id"), version); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
