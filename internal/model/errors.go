// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, conflict, not_found, auth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryConflict   = "conflict"
	CategoryNotFound   = "not_found"
	CategoryAuth       = "auth"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeInvalidAmount          = "INVALID_AMOUNT"
	ErrCodeInvalidPaymentMetadata = "INVALID_PAYMENT_METADATA"
	ErrCodeUnknownPaymentType     = "UNKNOWN_PAYMENT_TYPE"
	ErrCodeAmountCeilingExceeded  = "AMOUNT_CEILING_EXCEEDED"
	ErrCodeInvalidReceiptURL      = "INVALID_RECEIPT_URL"
	ErrCodeInvalidFilter          = "INVALID_FILTER"
	ErrCodeNicknameTaken          = "NICKNAME_TAKEN"
	ErrCodeConcurrencyConflict    = "CONCURRENCY_CONFLICT"
	ErrCodeBillNotFound           = "BILL_NOT_FOUND"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeUserBlocked            = "USER_BLOCKED"
)

// NewValidationError は入力項目の検証エラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("%s: %s", field, reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidAmountError は金額の形式エラーを生成する。
func NewInvalidAmountError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAmount,
		Message:  fmt.Sprintf("金額が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "整数部4桁以内、小数部4桁以内の正の金額を入力してください。",
	}
}

// NewInvalidPaymentMetadataError は支払いメタデータの組み合わせ不正エラーを生成する。
func NewInvalidPaymentMetadataError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPaymentMetadata,
		Message:  message,
		Category: CategoryValidation,
		Action:   "現金払いは amount のみ、カード払いは code または url を指定してください。",
	}
}

// NewUnknownPaymentTypeError は未知の支払い種別エラーを生成する。
func NewUnknownPaymentTypeError(paymentType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPaymentType,
		Message:  fmt.Sprintf("不明な支払い種別です: %q", paymentType),
		Category: CategoryValidation,
		Action:   "支払い種別には cash または card を指定してください。",
	}
}

// NewAmountCeilingExceededError は上限額超過エラーを生成する。
func NewAmountCeilingExceededError(ceiling string) *APIError {
	return &APIError{
		Code:     ErrCodeAmountCeilingExceeded,
		Message:  fmt.Sprintf("金額が %s を超える請求書は受け付けられません。", ceiling),
		Category: CategoryValidation,
		Action:   "金額を見直してください。",
	}
}

// NewInvalidReceiptURLError はカード払いの領収書URLが不正な場合のエラーを生成する。
func NewInvalidReceiptURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReceiptURL,
		Message:  fmt.Sprintf("領収書URLが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "http:// または https:// で始まる公開URLを入力してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: CategoryValidation,
		Action:   "フィルタには paid、unpaid、paid_by_cash、paid_online、must_be_paid_today を指定してください。",
	}
}

// NewNicknameTakenError はニックネーム重複エラーを生成する。
func NewNicknameTakenError(nickname string) *APIError {
	return &APIError{
		Code:     ErrCodeNicknameTaken,
		Message:  fmt.Sprintf("ニックネームは既に使用されています: %s", nickname),
		Category: CategoryValidation,
		Action:   "別のニックネームを指定してください。",
	}
}

// NewConcurrencyConflictError は楽観的ロックの競合エラーを生成する。
func NewConcurrencyConflictError(kind, id string, expected int64) *APIError {
	return &APIError{
		Code:     ErrCodeConcurrencyConflict,
		Message:  fmt.Sprintf("%s %s は他の操作によって更新されています（指定バージョン: %d）。", kind, id, expected),
		Category: CategoryConflict,
		Action:   "最新の内容を再取得してから、もう一度操作してください。",
	}
}

// NewBillNotFoundError は請求書未検出エラーを生成する。
func NewBillNotFoundError(billID string) *APIError {
	return &APIError{
		Code:     ErrCodeBillNotFound,
		Message:  fmt.Sprintf("指定された請求書が見つかりません: %s", billID),
		Category: CategoryNotFound,
		Action:   "請求書IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: CategoryNotFound,
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "有効なアクセストークンを Authorization ヘッダーに指定してください。",
	}
}

// NewUserBlockedError は利用停止中ユーザーのアクセス拒否エラーを生成する。
func NewUserBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeUserBlocked,
		Message:  "このアカウントは利用停止されています。",
		Category: CategoryAuth,
		Action:   "管理者に問い合わせてください。",
	}
}

func hasCategory(err error, category string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == category
	}
	return false
}

// IsValidation はエラーが入力検証エラーかどうかを返す。
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// IsConflict はエラーが同時更新の競合かどうかを返す。
func IsConflict(err error) bool { return hasCategory(err, CategoryConflict) }

// IsNotFound はエラーが対象未検出かどうかを返す。
func IsNotFound(err error) bool { return hasCategory(err, CategoryNotFound) }

// HasCode はエラーが指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
