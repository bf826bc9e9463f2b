package handler

import (
	"context"

	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/user"
)

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// Create はユーザーを登録する。
func (a *UserServiceAdapter) Create(ctx context.Context, nickname, email string) (*model.User, error) {
	return a.svc.Create(ctx, nickname, email)
}

// Get はユーザーを取得する。
func (a *UserServiceAdapter) Get(ctx context.Context, id string) (*model.User, error) {
	return a.svc.Get(ctx, id)
}

// SetBlocked は利用停止フラグを更新する。
func (a *UserServiceAdapter) SetBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
	return a.svc.SetBlocked(ctx, id, expectedVersion, blocked)
}

// GetWithBills はドメインのOverviewをhandlerレスポンス型で返す。
func (a *UserServiceAdapter) GetWithBills(ctx context.Context, id string) (*userDetailResponse, error) {
	ov, err := a.svc.Overview(ctx, id)
	if err != nil {
		return nil, err
	}
	return toUserDetailResponse(ov), nil
}

// toUserDetailResponse はドメインのOverviewをhandlerのレスポンス型に変換する。
func toUserDetailResponse(ov *user.Overview) *userDetailResponse {
	return &userDetailResponse{
		userResponse: toUserResponse(ov.User),
		PaidBills:    toBillResponses(ov.PaidBills),
		UnpaidBills:  toBillResponses(ov.UnpaidBills),
	}
}

// --- compile-time interface checks ---

var _ UserServiceInterface = (*UserServiceAdapter)(nil)
