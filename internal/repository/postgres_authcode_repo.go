package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/omoide/internal/model"
)

// PostgresAuthCodeRepo はPostgreSQLを使用した認可コードリポジトリ。
type PostgresAuthCodeRepo struct {
	db *sql.DB
}

// NewPostgresAuthCodeRepo はPostgresAuthCodeRepoを生成する。
func NewPostgresAuthCodeRepo(db *sql.DB) *PostgresAuthCodeRepo {
	return &PostgresAuthCodeRepo{db: db}
}

// Create は認可コードを作成する。
func (r *PostgresAuthCodeRepo) Create(ctx context.Context, code *model.AuthCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_codes (id, user_id, code, kind, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		code.ID, code.UserID, code.Code, string(code.Kind), code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth code: %w", err)
	}
	return nil
}

// FindByCode はコード値と用途で認可コードを検索する。見つからない場合はnilを返す。
func (r *PostgresAuthCodeRepo) FindByCode(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
	ac := &model.AuthCode{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, code, kind, expires_at, consumed_at, created_at
		 FROM auth_codes
		 WHERE code = $1 AND kind = $2`,
		code, string(kind),
	).Scan(&ac.ID, &ac.UserID, &ac.Code, &ac.Kind, &ac.ExpiresAt, &ac.ConsumedAt, &ac.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth code: %w", err)
	}

	return ac, nil
}

// Consume は認可コードを消費済みにする。
// consumed_at IS NULL の行のみ更新することで単回使用を保証する。
func (r *PostgresAuthCodeRepo) Consume(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auth_codes SET consumed_at = now()
		 WHERE id = $1 AND consumed_at IS NULL`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume auth code: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteExpired は期限切れまたは消費済みのコードを削除し、削除件数を返す。
func (r *PostgresAuthCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_codes WHERE expires_at < now() OR consumed_at IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired auth codes: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ AuthCodeRepository = (*PostgresAuthCodeRepo)(nil)
