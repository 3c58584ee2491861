// Package cleanup は認証データの自動削除ジョブを提供する。
// 期限切れセッションと、期限切れまたは消費済みのワンタイムコード・
// 認可コードを定期バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は期限切れ認証データの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:     db,
		logger: logger,
	}
}

// target は削除対象テーブルとそのDELETE文の組。
type target struct {
	name  string
	query string
}

// 消費済みレコードは監査上の価値がないため期限を待たずに削除する。
var targets = []target{
	{
		name:  "sessions",
		query: `DELETE FROM sessions WHERE expires_at < now()`,
	},
	{
		name:  "otp_codes",
		query: `DELETE FROM otp_codes WHERE expires_at < now() OR consumed_at IS NOT NULL`,
	},
	{
		name:  "auth_codes",
		query: `DELETE FROM auth_codes WHERE expires_at < now() OR consumed_at IS NOT NULL`,
	},
}

// Run は期限切れの認証データを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	total := int64(0)

	for _, t := range targets {
		result, err := j.db.ExecContext(ctx, t.query)
		if err != nil {
			j.logger.Error("cleanup query failed",
				slog.String("table", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("failed to clean up %s: %w", t.name, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count deleted rows for %s: %w", t.name, err)
		}

		j.logger.Info("cleanup table done",
			slog.String("table", t.name),
			slog.Int64("deleted_count", deleted),
		)
		total += deleted
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("total_deleted", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
