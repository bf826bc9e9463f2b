// Package bill は請求書の作成・更新・削除・抽出のドメインロジックを提供する。
//
// 上限額を超える金額の請求書は拒否し、拒否の前に操作者のメモへ試行を記録する。
// メモへの記録は請求書の書き込みとは独立に確定する。
package bill

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/metrics"
	"github.com/hitoshi/billman/internal/model"
	"github.com/hitoshi/billman/internal/payment"
	"github.com/hitoshi/billman/internal/repository"
)

// DefaultAmountCeiling は請求書金額の上限（この値を超えると拒否する）。
var DefaultAmountCeiling = decimal.NewFromInt(2400)

// 操作者メモに追記する行の書式
const (
	createAttemptNote = "Tried to add bill with amount %s\n"
	updateAttemptNote = "Tried to change bill %s amount to %s\n"
)

// MetadataValidator は支払いメタデータの検証インターフェース。
type MetadataValidator interface {
	Validate(f payment.Fields) (model.PaymentMetadata, error)
}

// Config は請求書ポリシーの設定。
type Config struct {
	// AmountCeiling を超える金額は拒否する。
	AmountCeiling decimal.Decimal
	// CeilingOnUpdate が true の場合、更新で金額を変更するときにも上限を適用する。
	CeilingOnUpdate bool
}

// DefaultConfig はデフォルトの請求書ポリシーを返す。
func DefaultConfig() Config {
	return Config{
		AmountCeiling:   DefaultAmountCeiling,
		CeilingOnUpdate: true,
	}
}

// CreateInput は請求書作成の入力。
// 値は受け取ったままの文字列で、上限判定の後に解釈する。空文字は未指定とする。
type CreateInput struct {
	Amount   string
	Due      string
	UserID   string
	PaidAt   string
	Metadata *payment.Input
}

// UpdateInput は請求書更新の入力。nilの項目は変更しない。
type UpdateInput struct {
	Amount      *string
	Due         *string
	PaidAt      *string
	ClearPaidAt bool
	Metadata    *payment.Input
}

// Service は請求書管理のサービス層。
type Service struct {
	bills     repository.BillRepository
	users     repository.UserRepository
	validator MetadataValidator
	metrics   metrics.MetricsCollector
	cfg       Config
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// collector がnilの場合はメトリクスを記録しない。
func NewService(
	bills repository.BillRepository,
	users repository.UserRepository,
	validator MetadataValidator,
	collector metrics.MetricsCollector,
	cfg Config,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		bills:     bills,
		users:     users,
		validator: validator,
		metrics:   collector,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateBill は請求書を作成する。
//
// 金額が上限を超える場合は、他の項目を検証する前に操作者のメモへ試行を記録し、
// AMOUNT_CEILING_EXCEEDED を返す。解釈できない金額は上限判定では0とみなす。
func (s *Service) CreateBill(ctx context.Context, actorID string, in CreateInput) (*model.Bill, error) {
	attempted := serializeAmount(in.Amount)
	if attempted.GreaterThan(s.cfg.AmountCeiling) {
		return nil, s.rejectOverCeiling(ctx, actorID, fmt.Sprintf(createAttemptNote, formatAttempted(attempted)), attempted)
	}

	amount, err := parseAmount(in.Amount)
	if err != nil {
		return nil, s.rejected(err)
	}
	if strings.TrimSpace(in.Due) == "" {
		return nil, s.rejected(model.NewValidationError("due", "期日は必須です"))
	}
	due, err := parseTime("due", in.Due)
	if err != nil {
		return nil, s.rejected(err)
	}
	var paidAt *time.Time
	if strings.TrimSpace(in.PaidAt) != "" {
		t, err := parseTime("paid_at", in.PaidAt)
		if err != nil {
			return nil, s.rejected(err)
		}
		paidAt = &t
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, s.rejected(model.NewValidationError("user", "所有者は必須です"))
	}

	owner, err := s.findUser(ctx, strings.TrimSpace(in.UserID))
	if err != nil {
		return nil, err
	}

	var meta model.PaymentMetadata
	if in.Metadata != nil {
		meta, err = s.validateMetadata(*in.Metadata)
		if err != nil {
			return nil, err
		}
	}
	if paidAt != nil && meta == nil {
		return nil, s.rejected(model.NewValidationError("metadata", "支払い済みの請求書には支払い方法が必要です"))
	}

	bill := &model.Bill{
		ID:        uuid.NewString(),
		Amount:    amount,
		Due:       due,
		PaidAt:    paidAt,
		UserID:    owner.ID,
		Metadata:  meta,
		CreatedAt: s.now(),
	}
	if err := s.bills.Create(ctx, bill, actorID); err != nil {
		return nil, fmt.Errorf("請求書の作成に失敗しました: %w", err)
	}

	s.metrics.RecordBillWritten(metrics.OpCreate)
	slog.Info("請求書を作成しました",
		slog.String("bill_id", bill.ID),
		slog.String("user_id", bill.UserID),
		slog.String("actor_id", actorID),
		slog.String("amount", bill.Amount.String()),
	)
	return bill, nil
}

// UpdateBill は expectedVersion を前提に請求書を更新する。
// 現在のバージョンと一致しない場合は CONCURRENCY_CONFLICT を返し、何も書き込まない。
func (s *Service) UpdateBill(ctx context.Context, actorID, id string, expectedVersion int64, in UpdateInput) (*model.Bill, error) {
	current, err := s.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		s.metrics.RecordConcurrencyConflict("bill")
		return nil, model.NewConcurrencyConflictError("bill", id, expectedVersion)
	}

	updated := *current

	if in.Amount != nil {
		attempted := serializeAmount(*in.Amount)
		changed := !attempted.Equal(current.Amount.Amount)
		if s.cfg.CeilingOnUpdate && changed && attempted.GreaterThan(s.cfg.AmountCeiling) {
			return nil, s.rejectOverCeiling(ctx, actorID, fmt.Sprintf(updateAttemptNote, id, formatAttempted(attempted)), attempted)
		}
		amount, err := parseAmount(*in.Amount)
		if err != nil {
			return nil, s.rejected(err)
		}
		updated.Amount = amount
	}

	if in.Due != nil {
		due, err := parseTime("due", *in.Due)
		if err != nil {
			return nil, s.rejected(err)
		}
		updated.Due = due
	}

	switch {
	case in.ClearPaidAt:
		updated.PaidAt = nil
	case in.PaidAt != nil:
		paidAt, err := parseTime("paid_at", *in.PaidAt)
		if err != nil {
			return nil, s.rejected(err)
		}
		updated.PaidAt = &paidAt
	}

	if in.Metadata != nil {
		meta, err := s.validateMetadata(*in.Metadata)
		if err != nil {
			return nil, err
		}
		updated.Metadata = meta
	}
	if updated.PaidAt != nil && updated.Metadata == nil {
		return nil, s.rejected(model.NewValidationError("metadata", "支払い済みの請求書には支払い方法が必要です"))
	}

	if err := s.bills.Update(ctx, &updated, expectedVersion, actorID); err != nil {
		if model.IsConflict(err) {
			s.metrics.RecordConcurrencyConflict("bill")
		}
		return nil, fmt.Errorf("請求書の更新に失敗しました: %w", err)
	}

	s.metrics.RecordBillWritten(metrics.OpUpdate)
	slog.Info("請求書を更新しました",
		slog.String("bill_id", updated.ID),
		slog.String("actor_id", actorID),
		slog.Int64("version", updated.Version),
	)
	return &updated, nil
}

// DeleteBill は expectedVersion を前提に請求書を論理削除する。
func (s *Service) DeleteBill(ctx context.Context, actorID, id string, expectedVersion int64) error {
	if uuid.Validate(id) != nil {
		return model.NewBillNotFoundError(id)
	}

	if err := s.bills.Delete(ctx, id, expectedVersion, actorID); err != nil {
		if model.IsConflict(err) {
			s.metrics.RecordConcurrencyConflict("bill")
		}
		return fmt.Errorf("請求書の削除に失敗しました: %w", err)
	}

	s.metrics.RecordBillWritten(metrics.OpDelete)
	slog.Info("請求書を削除しました",
		slog.String("bill_id", id),
		slog.String("actor_id", actorID),
	)
	return nil
}

// ListBills は条件に一致する請求書のシーケンスを返す。
// rangeのたびにストアを問い合わせ直し、結果はキャッシュしない。
func (s *Service) ListBills(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
	return s.bills.List(ctx, p)
}

// GetBill は請求書を取得する。
func (s *Service) GetBill(ctx context.Context, id string) (*model.Bill, error) {
	if uuid.Validate(id) != nil {
		return nil, model.NewBillNotFoundError(id)
	}

	b, err := s.bills.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("請求書の取得に失敗しました: %w", err)
	}
	if b == nil {
		return nil, model.NewBillNotFoundError(id)
	}
	return b, nil
}

// History は請求書の変更履歴を返す。削除済みの請求書の履歴も返す。
func (s *Service) History(ctx context.Context, id string) ([]model.BillSnapshot, error) {
	if uuid.Validate(id) != nil {
		return nil, model.NewBillNotFoundError(id)
	}

	history, err := s.bills.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("請求書履歴の取得に失敗しました: %w", err)
	}
	if len(history) == 0 {
		return nil, model.NewBillNotFoundError(id)
	}
	return history, nil
}

// EditableFields は編集フォームの初期値として請求書と支払いフィールドを返す。
func (s *Service) EditableFields(ctx context.Context, id string) (*model.Bill, payment.Fields, error) {
	b, err := s.GetBill(ctx, id)
	if err != nil {
		return nil, payment.Fields{}, err
	}
	return b, payment.FieldsFrom(b.Metadata), nil
}

// rejectOverCeiling は操作者のメモに試行を記録してから上限超過エラーを返す。
// メモの記録に失敗した場合はその失敗を返す。
func (s *Service) rejectOverCeiling(ctx context.Context, actorID, note string, attempted decimal.Decimal) error {
	if _, err := s.users.AppendNote(ctx, actorID, note); err != nil {
		return fmt.Errorf("操作者メモへの記録に失敗しました: %w", err)
	}

	s.metrics.RecordCeilingRejected()
	slog.Warn("上限額を超える請求書を拒否しました",
		slog.String("actor_id", actorID),
		slog.String("amount", attempted.String()),
		slog.String("ceiling", s.cfg.AmountCeiling.String()),
	)
	return s.rejected(model.NewAmountCeilingExceededError(s.cfg.AmountCeiling.String()))
}

// validateMetadata は支払いメタデータの金額を解釈してから検証する。
func (s *Service) validateMetadata(in payment.Input) (model.PaymentMetadata, error) {
	f, err := in.Fields()
	if err != nil {
		return nil, s.rejected(err)
	}
	meta, err := s.validator.Validate(f)
	if err != nil {
		return nil, s.rejected(err)
	}
	return meta, nil
}

// rejected は検証エラーを記録してそのまま返す。
func (s *Service) rejected(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		s.metrics.RecordValidationRejected(apiErr.Code)
	}
	return err
}

func (s *Service) findUser(ctx context.Context, id string) (*model.User, error) {
	if uuid.Validate(id) != nil {
		return nil, model.NewUserNotFoundError(id)
	}
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError(id)
	}
	return u, nil
}

// serializeAmount は上限判定用に金額を解釈する。未指定や解釈できない値は0とする。
func serializeAmount(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseAmount は保存用に金額を検証する。正の値で保存精度に収まる必要がある。
func parseAmount(raw string) (model.Money, error) {
	if strings.TrimSpace(raw) == "" {
		return model.Money{}, model.NewInvalidAmountError("金額は必須です")
	}
	m, err := model.ParseMoney(raw)
	if err != nil {
		return model.Money{}, model.NewInvalidAmountError(fmt.Sprintf("数値として解釈できません: %q", raw))
	}
	if !m.IsPositive() {
		return model.Money{}, model.NewInvalidAmountError("金額は正の値である必要があります")
	}
	if !m.FitsStorage() {
		return model.Money{}, model.NewInvalidAmountError("整数部4桁、小数部4桁を超えています")
	}
	return m, nil
}

// parseTime はRFC3339の日時、または YYYY-MM-DD の日付を解釈する。
func parseTime(field, raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, model.NewValidationError(field, fmt.Sprintf("日時の形式が不正です: %q", raw))
}

// formatAttempted はメモに書く金額を浮動小数点数の表記に揃える。
// 整数値にも ".0" を付け、極端な桁数は指数表記とする。
func formatAttempted(d decimal.Decimal) string {
	f := d.InexactFloat64()
	if abs := math.Abs(f); f != 0 && (abs >= 1e16 || abs < 1e-4) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}
