package model

import "time"

// Bill はユーザーに対する請求書を表す。
// PaidAt がnilであれば未払い。
type Bill struct {
	ID        string
	Amount    Money
	Due       time.Time
	PaidAt    *time.Time
	UserID    string
	Metadata  PaymentMetadata
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// IsPaid は支払い済みかどうかを返す。
func (b *Bill) IsPaid() bool {
	return b.PaidAt != nil
}

// PaymentType は支払い種別のタグを返す。メタデータ未設定の場合は空文字。
func (b *Bill) PaymentType() PaymentType {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata.Type()
}

// SnapshotKind は履歴レコードの種別。
type SnapshotKind string

const (
	SnapshotCreated SnapshotKind = "+"
	SnapshotUpdated SnapshotKind = "~"
	SnapshotDeleted SnapshotKind = "-"
)

// BillSnapshot は請求書の変更履歴1件を表す。
// 変更後の全フィールドと操作者を保持し、追記のみ行う。
type BillSnapshot struct {
	BillID     string
	Seq        int64
	Kind       SnapshotKind
	Amount     Money
	Due        time.Time
	PaidAt     *time.Time
	UserID     string
	Metadata   PaymentMetadata
	Version    int64
	DeletedAt  *time.Time
	ActorID    string
	RecordedAt time.Time
}

// SnapshotOf は請求書の現在の状態から履歴レコードを生成する。
func SnapshotOf(b *Bill, kind SnapshotKind, actorID string, at time.Time) BillSnapshot {
	return BillSnapshot{
		BillID:     b.ID,
		Seq:        b.Version,
		Kind:       kind,
		Amount:     b.Amount,
		Due:        b.Due,
		PaidAt:     b.PaidAt,
		UserID:     b.UserID,
		Metadata:   b.Metadata,
		Version:    b.Version,
		DeletedAt:  b.DeletedAt,
		ActorID:    actorID,
		RecordedAt: at,
	}
}
