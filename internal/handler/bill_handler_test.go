package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/billman/internal/bill"
	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/middleware"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/payment"
)

// --- モック定義 ---

// mockBillService はBillServiceInterfaceのモック実装。
type mockBillService struct {
	createBillFn     func(ctx context.Context, actorID string, in bill.CreateInput) (*model.Bill, error)
	updateBillFn     func(ctx context.Context, actorID, id string, expectedVersion int64, in bill.UpdateInput) (*model.Bill, error)
	deleteBillFn     func(ctx context.Context, actorID, id string, expectedVersion int64) error
	listBillsFn      func(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]
	getBillFn        func(ctx context.Context, id string) (*model.Bill, error)
	historyFn        func(ctx context.Context, id string) ([]model.BillSnapshot, error)
	editableFieldsFn func(ctx context.Context, id string) (*model.Bill, payment.Fields, error)
}

func (m *mockBillService) CreateBill(ctx context.Context, actorID string, in bill.CreateInput) (*model.Bill, error) {
	return m.createBillFn(ctx, actorID, in)
}

func (m *mockBillService) UpdateBill(ctx context.Context, actorID, id string, expectedVersion int64, in bill.UpdateInput) (*model.Bill, error) {
	return m.updateBillFn(ctx, actorID, id, expectedVersion, in)
}

func (m *mockBillService) DeleteBill(ctx context.Context, actorID, id string, expectedVersion int64) error {
	return m.deleteBillFn(ctx, actorID, id, expectedVersion)
}

func (m *mockBillService) ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
	return m.listBillsFn(ctx, p)
}

func (m *mockBillService) GetBill(ctx context.Context, id string) (*model.Bill, error) {
	return m.getBillFn(ctx, id)
}

func (m *mockBillService) History(ctx context.Context, id string) ([]model.BillSnapshot, error) {
	return m.historyFn(ctx, id)
}

func (m *mockBillService) EditableFields(ctx context.Context, id string) (*model.Bill, payment.Fields, error) {
	return m.editableFieldsFn(ctx, id)
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) apiErrorResponse {
	t.Helper()
	var result apiErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func sampleBill(id string) *model.Bill {
	code := "AUTH-1"
	return &model.Bill{
		ID:       id,
		Amount:   model.NewMoney(decimal.RequireFromString("12.5")),
		Due:      time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		UserID:   "user-1",
		Metadata: model.CardPayment{Code: &code},
		Version:  1,
	}
}

func seqOf(bills []*model.Bill, err error) iter.Seq2[*model.Bill, error] {
	return func(yield func(*model.Bill, error) bool) {
		for _, b := range bills {
			if !yield(b, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// --- CreateBill ---

func TestBillHandler_CreateBill_Success(t *testing.T) {
	var got bill.CreateInput
	var gotActor string
	svc := &mockBillService{
		createBillFn: func(_ context.Context, actorID string, in bill.CreateInput) (*model.Bill, error) {
			gotActor, got = actorID, in
			return sampleBill("bill-1"), nil
		},
	}
	h := NewBillHandler(svc)

	body := `{"amount": 12.5, "due": "2026-10-20", "user_id": "user-1", "metadata": {"type": "card", "code": "AUTH-1"}}`
	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(body)), "actor-1")
	w := httptest.NewRecorder()
	h.CreateBill(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if gotActor != "actor-1" {
		t.Errorf("actorID = %q, want actor-1", gotActor)
	}
	if got.Amount != "12.5" || got.UserID != "user-1" || got.Due != "2026-10-20" {
		t.Errorf("unexpected input: %+v", got)
	}
	if got.Metadata == nil || got.Metadata.Type != "card" || *got.Metadata.Code != "AUTH-1" {
		t.Errorf("unexpected metadata: %+v", got.Metadata)
	}

	var resp billResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.ID != "bill-1" || resp.Amount != "12.5" || resp.Currency != "USD" || resp.PaymentType != "card" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !strings.Contains(string(resp.Metadata), `"code":"AUTH-1"`) {
		t.Errorf("metadata = %s", resp.Metadata)
	}
}

func TestBillHandler_CreateBill_StringAmountIsPassedVerbatim(t *testing.T) {
	var got bill.CreateInput
	svc := &mockBillService{
		createBillFn: func(_ context.Context, _ string, in bill.CreateInput) (*model.Bill, error) {
			got = in
			return nil, model.NewInvalidAmountError(in.Amount)
		},
	}
	h := NewBillHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(`{"amount":"abc"}`)), "actor-1")
	w := httptest.NewRecorder()
	h.CreateBill(w, req)

	if got.Amount != "abc" {
		t.Errorf("amount = %q, want abc", got.Amount)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInvalidAmount {
		t.Errorf("code = %q", body.Code)
	}
}

func TestBillHandler_CreateBill_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"上限超過", model.NewAmountCeilingExceededError("2400"), http.StatusBadRequest},
		{"メタデータ不正", model.NewInvalidPaymentMetadataError("x"), http.StatusBadRequest},
		{"ユーザー不在", model.NewUserNotFoundError("u"), http.StatusNotFound},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBillService{
				createBillFn: func(context.Context, string, bill.CreateInput) (*model.Bill, error) {
					return nil, tt.err
				},
			}
			req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(`{"amount":"1"}`)), "actor-1")
			w := httptest.NewRecorder()
			NewBillHandler(svc).CreateBill(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := parseAPIErrorResponse(t, w)
			if body.Action == "" || body.Category == "" {
				t.Errorf("error body should carry category and action: %+v", body)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(body.Message, "db down") {
				t.Error("内部エラーの詳細はレスポンスに含めないべき")
			}
		})
	}
}

func TestBillHandler_CreateBill_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"不正なJSON", `{`, "INVALID_REQUEST"},
		{"未知のフィールド", `{"amount":"1","bogus":true}`, "INVALID_REQUEST"},
		{"配列のボディ", `[1,2]`, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockBillService{
				createBillFn: func(context.Context, string, bill.CreateInput) (*model.Bill, error) {
					t.Fatal("service should not be called")
					return nil, nil
				},
			}
			req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(tt.body)), "actor-1")
			w := httptest.NewRecorder()
			NewBillHandler(svc).CreateBill(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
		})
	}
}

// 形式の不正な項目もデコードでは失敗させず、元の表記のままサービスに渡す。
func TestBillHandler_CreateBill_MalformedFieldsReachService(t *testing.T) {
	var got bill.CreateInput
	var called bool
	svc := &mockBillService{
		createBillFn: func(_ context.Context, _ string, in bill.CreateInput) (*model.Bill, error) {
			called, got = true, in
			return nil, model.NewAmountCeilingExceededError("2400")
		},
	}

	body := `{"amount":5000,"due":"not-a-date","user_id":42,"paid_at":"yesterday","metadata":{"type":"cash","amount":"abc"}}`
	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(body)), "actor-1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).CreateBill(w, req)

	if !called {
		t.Fatalf("service should be called: %s", w.Body.String())
	}
	if got.Amount != "5000" || got.Due != "not-a-date" || got.UserID != "42" || got.PaidAt != "yesterday" {
		t.Errorf("unexpected input: %+v", got)
	}
	if got.Metadata == nil || got.Metadata.Type != "cash" || got.Metadata.Amount != "abc" {
		t.Errorf("unexpected metadata: %+v", got.Metadata)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeAmountCeilingExceeded {
		t.Errorf("code = %q", body.Code)
	}
}

func TestBillHandler_CreateBill_NonObjectMetadataHasNoType(t *testing.T) {
	var got bill.CreateInput
	svc := &mockBillService{
		createBillFn: func(_ context.Context, _ string, in bill.CreateInput) (*model.Bill, error) {
			got = in
			return nil, model.NewUnknownPaymentTypeError("")
		},
	}

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(`{"amount":"1","metadata":"cash"}`)), "actor-1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).CreateBill(w, req)

	if got.Metadata == nil || got.Metadata.Type != "" {
		t.Errorf("unexpected metadata: %+v", got.Metadata)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestBillHandler_CreateBill_NoUserID_ReturnsUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	NewBillHandler(&mockBillService{}).CreateBill(w, httptest.NewRequest(http.MethodPost, "/api/bills", strings.NewReader(`{}`)))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- ListBills ---

func TestBillHandler_ListBills_StreamsArray(t *testing.T) {
	var gotPred billquery.Predicate
	svc := &mockBillService{
		listBillsFn: func(_ context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
			gotPred = p
			return seqOf([]*model.Bill{sampleBill("a"), sampleBill("b")}, nil)
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bills?filter=paid,paid_online&user_id=user-9", nil)
	w := httptest.NewRecorder()
	NewBillHandler(svc).ListBills(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp []billResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("response should be a JSON array: %v", err)
	}
	if len(resp) != 2 || resp[0].ID != "a" || resp[1].ID != "b" {
		t.Errorf("unexpected response: %+v", resp)
	}

	paidAt := time.Now()
	code := "x"
	match := &model.Bill{UserID: "user-9", PaidAt: &paidAt, Metadata: model.CardPayment{Code: &code}}
	other := &model.Bill{UserID: "user-1", PaidAt: &paidAt, Metadata: model.CardPayment{Code: &code}}
	if !gotPred.Match(match, time.Now()) || gotPred.Match(other, time.Now()) {
		t.Error("filter and user_id should be combined")
	}
}

func TestBillHandler_ListBills_EmptyIsEmptyArray(t *testing.T) {
	svc := &mockBillService{
		listBillsFn: func(context.Context, billquery.Predicate) iter.Seq2[*model.Bill, error] {
			return seqOf(nil, nil)
		},
	}
	w := httptest.NewRecorder()
	NewBillHandler(svc).ListBills(w, httptest.NewRequest(http.MethodGet, "/api/bills", nil))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestBillHandler_ListBills_InvalidFilter(t *testing.T) {
	w := httptest.NewRecorder()
	NewBillHandler(&mockBillService{}).ListBills(w, httptest.NewRequest(http.MethodGet, "/api/bills?filter=overdue", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInvalidFilter {
		t.Errorf("code = %q", body.Code)
	}
}

func TestBillHandler_ListBills_ErrorBeforeFirstItem(t *testing.T) {
	svc := &mockBillService{
		listBillsFn: func(context.Context, billquery.Predicate) iter.Seq2[*model.Bill, error] {
			return seqOf(nil, errors.New("db down"))
		},
	}
	w := httptest.NewRecorder()
	NewBillHandler(svc).ListBills(w, httptest.NewRequest(http.MethodGet, "/api/bills", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestBillHandler_ListBills_ErrorMidStreamAborts(t *testing.T) {
	svc := &mockBillService{
		listBillsFn: func(context.Context, billquery.Predicate) iter.Seq2[*model.Bill, error] {
			return seqOf([]*model.Bill{sampleBill("a")}, errors.New("db down"))
		},
	}

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	NewBillHandler(svc).ListBills(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bills", nil))
}

// --- GetBill / History / EditForm ---

func TestBillHandler_GetBill_NotFound(t *testing.T) {
	svc := &mockBillService{
		getBillFn: func(_ context.Context, id string) (*model.Bill, error) {
			return nil, model.NewBillNotFoundError(id)
		},
	}
	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/bills/missing", nil), "id", "missing")
	w := httptest.NewRecorder()
	NewBillHandler(svc).GetBill(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestBillHandler_History_ReturnsSnapshots(t *testing.T) {
	deletedAt := time.Now()
	svc := &mockBillService{
		historyFn: func(_ context.Context, id string) ([]model.BillSnapshot, error) {
			b := sampleBill(id)
			first := model.SnapshotOf(b, model.SnapshotCreated, "actor-1", time.Now())
			b.Version, b.DeletedAt = 2, &deletedAt
			second := model.SnapshotOf(b, model.SnapshotDeleted, "actor-2", time.Now())
			return []model.BillSnapshot{first, second}, nil
		},
	}
	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/bills/b1/history", nil), "id", "b1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).History(w, req)

	var resp []snapshotResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(resp) != 2 || resp[0].Kind != "+" || resp[1].Kind != "-" || resp[1].ActorID != "actor-2" {
		t.Errorf("unexpected history: %+v", resp)
	}
	if resp[0].Seq != 1 || resp[1].Seq != 2 || resp[1].DeletedAt == nil {
		t.Errorf("unexpected seq/deleted_at: %+v", resp)
	}
}

func TestBillHandler_EditForm_PrefillsPaymentFields(t *testing.T) {
	cash := model.NewMoney(decimal.RequireFromString("3.5"))
	svc := &mockBillService{
		editableFieldsFn: func(_ context.Context, id string) (*model.Bill, payment.Fields, error) {
			b := sampleBill(id)
			b.Metadata = model.CashPayment{Amount: cash}
			return b, payment.FieldsFrom(b.Metadata), nil
		},
	}
	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/bills/b1/edit", nil), "id", "b1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).EditForm(w, req)

	var resp editBillResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Payment.Type != "cash" || resp.Payment.Amount == nil || *resp.Payment.Amount != "3.5" {
		t.Errorf("unexpected payment fields: %+v", resp.Payment)
	}
	if resp.Payment.Code != nil || resp.Payment.URL != nil {
		t.Errorf("cash payment should not carry code/url: %+v", resp.Payment)
	}
}

// --- UpdateBill ---

func TestBillHandler_UpdateBill_PassesVersionAndFields(t *testing.T) {
	var gotVersion int64
	var gotIn bill.UpdateInput
	svc := &mockBillService{
		updateBillFn: func(_ context.Context, actorID, id string, v int64, in bill.UpdateInput) (*model.Bill, error) {
			gotVersion, gotIn = v, in
			b := sampleBill(id)
			b.Version = v + 1
			return b, nil
		},
	}
	body := `{"version": 3, "amount": "20", "clear_paid_at": true}`
	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPatch, "/api/bills/b1", strings.NewReader(body)), "actor-1"), "id", "b1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).UpdateBill(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotVersion != 3 || gotIn.Amount == nil || *gotIn.Amount != "20" || !gotIn.ClearPaidAt {
		t.Errorf("unexpected input: version=%d %+v", gotVersion, gotIn)
	}
	if gotIn.Due != nil || gotIn.Metadata != nil {
		t.Errorf("omitted fields should stay nil: %+v", gotIn)
	}
}

func TestBillHandler_UpdateBill_MissingVersion(t *testing.T) {
	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPatch, "/api/bills/b1", strings.NewReader(`{"amount":"1"}`)), "actor-1"), "id", "b1")
	w := httptest.NewRecorder()
	NewBillHandler(&mockBillService{}).UpdateBill(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestBillHandler_UpdateBill_Conflict(t *testing.T) {
	svc := &mockBillService{
		updateBillFn: func(_ context.Context, _, id string, v int64, _ bill.UpdateInput) (*model.Bill, error) {
			return nil, model.NewConcurrencyConflictError("bill", id, v)
		},
	}
	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPatch, "/api/bills/b1", strings.NewReader(`{"version":1}`)), "actor-1"), "id", "b1")
	w := httptest.NewRecorder()
	NewBillHandler(svc).UpdateBill(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeConcurrencyConflict {
		t.Errorf("code = %q", body.Code)
	}
}

// --- DeleteBill ---

func TestBillHandler_DeleteBill(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
	}{
		{"成功", "?version=2", nil, http.StatusNoContent},
		{"バージョンなし", "", nil, http.StatusBadRequest},
		{"競合", "?version=1", model.NewConcurrencyConflictError("bill", "b1", 1), http.StatusConflict},
		{"未検出", "?version=1", model.NewBillNotFoundError("b1"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotVersion int64
			svc := &mockBillService{
				deleteBillFn: func(_ context.Context, _, _ string, v int64) error {
					gotVersion = v
					return tt.err
				},
			}
			req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodDelete, "/api/bills/b1"+tt.query, nil), "actor-1"), "id", "b1")
			w := httptest.NewRecorder()
			NewBillHandler(svc).DeleteBill(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNoContent && gotVersion != 2 {
				t.Errorf("version = %d, want 2", gotVersion)
			}
		})
	}
}
