// Package auth はアクセストークンの発行と、リクエストの認証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/repository"
)

// TokenIssuer はトークンの発行・検証インターフェース。
type TokenIssuer interface {
	Generate(user *model.User) (string, error)
	Validate(tokenString string) (*Claims, error)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	tokens   TokenIssuer
	userRepo repository.UserRepository
}

// NewService はServiceを生成する。
func NewService(tokens TokenIssuer, userRepo repository.UserRepository) *Service {
	return &Service{
		tokens:   tokens,
		userRepo: userRepo,
	}
}

// IssueToken はニックネームで指定されたユーザーのアクセストークンを発行する。
// 利用停止中のユーザーには発行しない。
func (s *Service) IssueToken(ctx context.Context, nickname string) (string, error) {
	user, err := s.userRepo.FindByNickname(ctx, nickname)
	if err != nil {
		return "", fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return "", model.NewUserNotFoundError(nickname)
	}
	if !user.IsActive() {
		return "", model.NewUserBlockedError()
	}

	token, err := s.tokens.Generate(user)
	if err != nil {
		return "", err
	}

	slog.Info("アクセストークンを発行しました",
		slog.String("user_id", user.ID),
	)
	return token, nil
}

// Authenticate はトークンを検証し、有効なユーザーを返す。
// トークン不正・ユーザー不在は UNAUTHORIZED、利用停止中は USER_BLOCKED を返す。
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*model.User, error) {
	if tokenString == "" {
		return nil, model.NewUnauthorizedError()
	}

	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, model.NewUnauthorizedError()
		}
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	if !user.IsActive() {
		return nil, model.NewUserBlockedError()
	}
	return user, nil
}
