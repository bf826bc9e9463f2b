package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/billman/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Create(ctx context.Context, nickname, email string) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
	SetBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error)
	// GetWithBills はユーザーと、その支払い済み・未払いの請求書を返す。
	GetWithBills(ctx context.Context, id string) (*userDetailResponse, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Me は認証済みユーザー自身の情報を返す。
// GET /api/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	u, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// CreateUser はユーザーを登録する。
// POST /api/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.Create(r.Context(), req.Nickname, req.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// GetUser はユーザーと、その支払い済み・未払いの請求書を返す。
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetWithBills(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// SetBlocked はユーザーの利用停止フラグを更新する。
// PUT /api/users/{id}/blocked
func (h *UserHandler) SetBlocked(w http.ResponseWriter, r *http.Request) {
	var req setBlockedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Version == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("version", "バージョンは必須です"))
		return
	}

	u, err := h.service.SetBlocked(r.Context(), chi.URLParam(r, "id"), *req.Version, req.Blocked)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}
