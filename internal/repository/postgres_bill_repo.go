package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hitoshi/billman/internal/billquery"
	"github.com/hitoshi/billman/internal/model"
)

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

const billColumns = `id, amount, currency, due, paid_at, user_id, metadata, version, created_at, updated_at, deleted_at`

// PostgresBillRepo はPostgreSQLを使用した請求書リポジトリ。
type PostgresBillRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresBillRepo はPostgresBillRepoを生成する。
func NewPostgresBillRepo(db *sql.DB) *PostgresBillRepo {
	return &PostgresBillRepo{db: db, now: time.Now}
}

func scanBill(row rowScanner) (*model.Bill, error) {
	b := &model.Bill{}
	var (
		paidAt    sql.NullTime
		deletedAt sql.NullTime
		metadata  []byte
	)
	err := row.Scan(
		&b.ID, &b.Amount.Amount, &b.Amount.Currency, &b.Due, &paidAt, &b.UserID,
		&metadata, &b.Version, &b.CreatedAt, &b.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.PaidAt = timePtr(paidAt)
	b.DeletedAt = timePtr(deletedAt)

	b.Metadata, err = model.UnmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("請求書 %s のメタデータが不正です: %w", b.ID, err)
	}
	return b, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// metadataArg はメタデータをjsonb列へのパラメータに変換する。nilはSQLのNULL。
func metadataArg(meta model.PaymentMetadata) (any, error) {
	data, err := model.MarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

// FindByID は指定IDの請求書を取得する。見つからない、または削除済みの場合はnilを返す。
func (r *PostgresBillRepo) FindByID(ctx context.Context, id string) (*model.Bill, error) {
	b, err := scanBill(r.db.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id = $1 AND deleted_at IS NULL`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("請求書の取得に失敗しました: %w", err)
	}
	return b, nil
}

// Create は請求書をバージョン1で作成し、作成履歴を同一トランザクションで追記する。
func (r *PostgresBillRepo) Create(ctx context.Context, bill *model.Bill, actorID string) error {
	now := r.now()
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = now
	}
	bill.UpdatedAt = bill.CreatedAt
	bill.Version = 1
	if bill.Amount.Currency == "" {
		bill.Amount.Currency = model.Currency
	}

	meta, err := metadataArg(bill.Metadata)
	if err != nil {
		return fmt.Errorf("メタデータの変換に失敗しました: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bills (id, amount, currency, due, paid_at, user_id, metadata, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		bill.ID, bill.Amount.Amount, bill.Amount.Currency, bill.Due, bill.PaidAt, bill.UserID,
		meta, bill.Version, bill.CreatedAt, bill.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("請求書の作成に失敗しました: %w", err)
	}

	if err := insertSnapshot(ctx, tx, model.SnapshotOf(bill, model.SnapshotCreated, actorID, now)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Update はバージョン照合付きで請求書を更新し、更新履歴を同一トランザクションで追記する。
func (r *PostgresBillRepo) Update(ctx context.Context, bill *model.Bill, expectedVersion int64, actorID string) error {
	now := r.now()

	meta, err := metadataArg(bill.Metadata)
	if err != nil {
		return fmt.Errorf("メタデータの変換に失敗しました: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var newVersion int64
	err = tx.QueryRowContext(ctx,
		`UPDATE bills
		 SET amount = $3, due = $4, paid_at = $5, metadata = $6, version = version + 1, updated_at = $7
		 WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		 RETURNING version`,
		bill.ID, expectedVersion, bill.Amount.Amount, bill.Due, bill.PaidAt, meta, now,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return resolveBillMiss(ctx, tx, bill.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("請求書の更新に失敗しました: %w", err)
	}

	bill.Version = newVersion
	bill.UpdatedAt = now

	if err := insertSnapshot(ctx, tx, model.SnapshotOf(bill, model.SnapshotUpdated, actorID, now)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Delete はバージョン照合付きで請求書を論理削除し、削除履歴を同一トランザクションで追記する。
func (r *PostgresBillRepo) Delete(ctx context.Context, id string, expectedVersion int64, actorID string) error {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	bill, err := scanBill(tx.QueryRowContext(ctx,
		`UPDATE bills
		 SET deleted_at = $3, updated_at = $3, version = version + 1
		 WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		 RETURNING `+billColumns,
		id, expectedVersion, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return resolveBillMiss(ctx, tx, id, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("請求書の削除に失敗しました: %w", err)
	}

	if err := insertSnapshot(ctx, tx, model.SnapshotOf(bill, model.SnapshotDeleted, actorID, now)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// resolveBillMiss は更新対象が0件だった原因を判定する。
// 行が存在しないか削除済みなら BILL_NOT_FOUND、それ以外はバージョン不一致とみなす。
func resolveBillMiss(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bills WHERE id = $1 AND deleted_at IS NULL)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("請求書の存在確認に失敗しました: %w", err)
	}
	if !exists {
		return model.NewBillNotFoundError(id)
	}
	return model.NewConcurrencyConflictError("bill", id, expectedVersion)
}

// insertSnapshot は履歴を1件追記する。seq は変更後のバージョンと一致する。
func insertSnapshot(ctx context.Context, tx *sql.Tx, s model.BillSnapshot) error {
	meta, err := metadataArg(s.Metadata)
	if err != nil {
		return fmt.Errorf("メタデータの変換に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bill_history
		 (bill_id, seq, kind, amount, currency, due, paid_at, user_id, metadata, version, deleted_at, actor_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.BillID, s.Seq, string(s.Kind), s.Amount.Amount, s.Amount.Currency, s.Due, s.PaidAt,
		s.UserID, meta, s.Version, s.DeletedAt, s.ActorID, s.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("請求書履歴の追記に失敗しました: %w", err)
	}
	return nil
}

// List は条件に一致する未削除の請求書を期日順に返す。
// rangeのたびに現在時刻で条件を評価し直し、クエリを再実行する。
func (r *PostgresBillRepo) List(ctx context.Context, p billquery.Predicate) iter.Seq2[*model.Bill, error] {
	return func(yield func(*model.Bill, error) bool) {
		query := `SELECT ` + billColumns + ` FROM bills WHERE deleted_at IS NULL`
		where, args := billquery.Where(p, r.now(), 0)
		if where != "" {
			query += " AND " + where
		}
		query += " ORDER BY due ASC, id ASC"

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("請求書一覧の取得に失敗しました: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBill(rows)
			if err != nil {
				yield(nil, fmt.Errorf("請求書のスキャンに失敗しました: %w", err))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("請求書一覧の読み込みに失敗しました: %w", err))
		}
	}
}

// History は請求書の変更履歴を古い順に返す。削除済みの請求書の履歴も返す。
func (r *PostgresBillRepo) History(ctx context.Context, billID string) ([]model.BillSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT bill_id, seq, kind, amount, currency, due, paid_at, user_id, metadata, version, deleted_at, actor_id, recorded_at
		 FROM bill_history
		 WHERE bill_id = $1
		 ORDER BY seq ASC`,
		billID,
	)
	if err != nil {
		return nil, fmt.Errorf("請求書履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var history []model.BillSnapshot
	for rows.Next() {
		var (
			s         model.BillSnapshot
			kind      string
			paidAt    sql.NullTime
			deletedAt sql.NullTime
			metadata  []byte
		)
		if err := rows.Scan(
			&s.BillID, &s.Seq, &kind, &s.Amount.Amount, &s.Amount.Currency, &s.Due, &paidAt,
			&s.UserID, &metadata, &s.Version, &deletedAt, &s.ActorID, &s.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("請求書履歴のスキャンに失敗しました: %w", err)
		}
		s.Kind = model.SnapshotKind(kind)
		s.PaidAt = timePtr(paidAt)
		s.DeletedAt = timePtr(deletedAt)
		if s.Metadata, err = model.UnmarshalMetadata(metadata); err != nil {
			return nil, fmt.Errorf("請求書履歴のメタデータが不正です: %w", err)
		}
		history = append(history, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("請求書履歴の読み込みに失敗しました: %w", err)
	}
	return history, nil
}

// compile-time interface check
var _ BillRepository = (*PostgresBillRepo)(nil)
