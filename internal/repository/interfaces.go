// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"iter"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByNickname はニックネームでユーザーを検索する。見つからない場合はnilを返す。
	FindByNickname(ctx context.Context, nickname string) (*model.User, error)

	// Create はユーザーを作成する。ニックネームが重複する場合は NICKNAME_TAKEN を返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateBlocked は利用停止フラグを更新する。
	// expectedVersion が現在のバージョンと一致しない場合は CONCURRENCY_CONFLICT を返す。
	UpdateBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error)

	// AppendNote はユーザーのメモ末尾に1行追記し、バージョンを1つ進める。
	// 単独のトランザクションとして確定する。
	AppendNote(ctx context.Context, id, line string) (*model.User, error)
}

// BillRepository は請求書データの永続化インターフェース。
// 書き込みは全てバージョン照合付きで行い、同一トランザクションで履歴を追記する。
type BillRepository interface {
	// FindByID は指定IDの請求書を取得する。見つからない、または削除済みの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Bill, error)

	// Create は請求書をバージョン1で作成し、作成履歴を追記する。
	Create(ctx context.Context, bill *model.Bill, actorID string) error

	// Update は expectedVersion と一致する場合のみ請求書を更新し、更新履歴を追記する。
	// 成功時は bill.Version を新しいバージョンに更新する。
	Update(ctx context.Context, bill *model.Bill, expectedVersion int64, actorID string) error

	// Delete は expectedVersion と一致する場合のみ請求書を論理削除し、削除履歴を追記する。
	Delete(ctx context.Context, id string, expectedVersion int64, actorID string) error

	// List は条件に一致する請求書を期日順に返す。
	// 返されるシーケンスはrangeのたびにクエリを実行し直す。
	List(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error]

	// History は請求書の変更履歴を古い順に返す。
	History(ctx context.Context, billID string) ([]model.BillSnapshot, error)
}
