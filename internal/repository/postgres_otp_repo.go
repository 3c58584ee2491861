package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/omoide/internal/model"
)

// PostgresOTPRepo はPostgreSQLを使用したワンタイムコードリポジトリ。
type PostgresOTPRepo struct {
	db *sql.DB
}

// NewPostgresOTPRepo はPostgresOTPRepoを生成する。
func NewPostgresOTPRepo(db *sql.DB) *PostgresOTPRepo {
	return &PostgresOTPRepo{db: db}
}

// Create はワンタイムコードを作成する。
func (r *PostgresOTPRepo) Create(ctx context.Context, otp *model.OTPCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO otp_codes (id, user_id, email, code, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		otp.ID, otp.UserID, otp.Email, otp.Code, otp.ExpiresAt, otp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create otp code: %w", err)
	}
	return nil
}

// FindByEmailAndCode はメールアドレスとコードで最新のワンタイムコードを検索する。
// 期限切れ・消費済みの判定はサービス層で行うため、ここでは絞り込まない。
func (r *PostgresOTPRepo) FindByEmailAndCode(ctx context.Context, email, code string) (*model.OTPCode, error) {
	otp := &model.OTPCode{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, code, expires_at, consumed_at, created_at
		 FROM otp_codes
		 WHERE email = $1 AND code = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		email, code,
	).Scan(&otp.ID, &otp.UserID, &otp.Email, &otp.Code, &otp.ExpiresAt, &otp.ConsumedAt, &otp.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find otp code: %w", err)
	}

	return otp, nil
}

// Consume はワンタイムコードを消費済みにする。
// consumed_at IS NULL の行のみ更新することで単回使用を保証する。
func (r *PostgresOTPRepo) Consume(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE otp_codes SET consumed_at = now()
		 WHERE id = $1 AND consumed_at IS NULL`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume otp code: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteExpired は期限切れまたは消費済みのコードを削除し、削除件数を返す。
func (r *PostgresOTPRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM otp_codes WHERE expires_at < now() OR consumed_at IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired otp codes: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ OTPRepository = (*PostgresOTPRepo)(nil)
