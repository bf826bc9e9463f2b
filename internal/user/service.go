// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/repository"
	"github.com/hitoshi/billman/internal/security"
)

// BillLister は請求書の抽出インターフェース。
type BillLister interface {
	ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]
}

// Overview はユーザーと、その支払い済み・未払いの請求書をまとめたもの。
type Overview struct {
	User        *model.User
	PaidBills   []*model.Bill
	UnpaidBills []*model.Bill
}

// Service はユーザー管理のサービス層。
// 登録、利用停止、請求書付きの参照を提供する。
type Service struct {
	userRepo  repository.UserRepository
	bills     BillLister
	sanitizer security.TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	bills BillLister,
	sanitizer security.TextSanitizer,
) *Service {
	return &Service{
		userRepo:  userRepo,
		bills:     bills,
		sanitizer: sanitizer,
	}
}

// Create はユーザーを登録する。
func (s *Service) Create(ctx context.Context, nickname, email string) (*model.User, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, model.NewValidationError("nickname", "ニックネームは必須です")
	}
	if utf8.RuneCountInString(nickname) > model.NicknameMaxLength {
		return nil, model.NewValidationError("nickname", fmt.Sprintf("ニックネームは%d文字以内で指定してください", model.NicknameMaxLength))
	}
	if s.sanitizer.Sanitize(nickname) != nickname {
		return nil, model.NewValidationError("nickname", "ニックネームにマークアップは使用できません")
	}

	email = strings.TrimSpace(email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, model.NewValidationError("email", "メールアドレスの形式が不正です")
		}
	}

	user := &model.User{
		ID:       uuid.NewString(),
		Nickname: nickname,
		Email:    email,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを作成しました",
		slog.String("user_id", user.ID),
		slog.String("nickname", user.Nickname),
	)
	return user, nil
}

// Get はユーザーを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	if uuid.Validate(id) != nil {
		return nil, model.NewUserNotFoundError(id)
	}
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(id)
	}
	return user, nil
}

// FindByNickname はニックネームでユーザーを取得する。
func (s *Service) FindByNickname(ctx context.Context, nickname string) (*model.User, error) {
	user, err := s.userRepo.FindByNickname(ctx, nickname)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(nickname)
	}
	return user, nil
}

// SetBlocked は expectedVersion を前提に利用停止フラグを更新する。
func (s *Service) SetBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
	if uuid.Validate(id) != nil {
		return nil, model.NewUserNotFoundError(id)
	}
	user, err := s.userRepo.UpdateBlocked(ctx, id, expectedVersion, blocked)
	if err != nil {
		return nil, fmt.Errorf("利用停止フラグの更新に失敗しました: %w", err)
	}

	slog.Info("利用停止フラグを更新しました",
		slog.String("user_id", id),
		slog.Bool("blocked", blocked),
	)
	return user, nil
}

// Overview はユーザーと、その支払い済み・未払いの請求書を返す。
func (s *Service) Overview(ctx context.Context, id string) (*Overview, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	paid, err := collect(s.bills.ListBills(ctx, billquery.And(billquery.OwnedBy(id), billquery.Paid())))
	if err != nil {
		return nil, fmt.Errorf("支払い済み請求書の取得に失敗しました: %w", err)
	}
	unpaid, err := collect(s.bills.ListBills(ctx, billquery.And(billquery.OwnedBy(id), billquery.Unpaid())))
	if err != nil {
		return nil, fmt.Errorf("未払い請求書の取得に失敗しました: %w", err)
	}

	return &Overview{User: user, PaidBills: paid, UnpaidBills: unpaid}, nil
}

func collect(seq iter.Seq2[*model.Bill, error]) ([]*model.Bill, error) {
	bills := []*model.Bill{}
	for b, err := range seq {
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, nil
}
