package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/billman/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const userColumns = `id, nickname, email, blocked, note, version, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.Nickname, &user.Email, &user.Blocked, &user.Note,
		&user.Version, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByNickname はニックネームでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByNickname(ctx context.Context, nickname string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE nickname = $1`,
		nickname,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by nickname: %w", err)
	}
	return user, nil
}

// Create はユーザーをバージョン1で作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	user.Version = 1

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, nickname, email, blocked, note, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Nickname, user.Email, user.Blocked, user.Note,
		user.Version, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return model.NewNicknameTakenError(user.Nickname)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateBlocked はバージョン照合付きで利用停止フラグを更新する。
func (r *PostgresUserRepo) UpdateBlocked(ctx context.Context, id string, expectedVersion int64, blocked bool) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET blocked = $3, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2
		 RETURNING `+userColumns,
		id, expectedVersion, blocked,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.resolveMiss(ctx, id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user blocked flag: %w", err)
	}
	return user, nil
}

// AppendNote はメモ末尾に1行追記する。1文で完結するため単独で原子的に確定する。
func (r *PostgresUserRepo) AppendNote(ctx context.Context, id, line string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET note = note || $2, version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, line,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewUserNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append user note: %w", err)
	}
	return user, nil
}

// resolveMiss は更新対象が0件だった原因を判定する。
func (r *PostgresUserRepo) resolveMiss(ctx context.Context, id string, expectedVersion int64) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check user existence: %w", err)
	}
	if !exists {
		return model.NewUserNotFoundError(id)
	}
	return model.NewConcurrencyConflictError("user", id, expectedVersion)
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
