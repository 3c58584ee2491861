package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/omoide/internal/model"
)

// PostgresTagRepo はPostgreSQLを使用したタグリポジトリ。
type PostgresTagRepo struct {
	db *sql.DB
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db *sql.DB) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// List は全タグをcreated_at昇順で返す。
func (r *PostgresTagRepo) List(ctx context.Context) ([]*model.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM tags ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []*model.Tag
	for rows.Next() {
		tag := &model.Tag{}
		if err := rows.Scan(&tag.ID, &tag.Name, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}

	return tags, nil
}

// FindByName は名前でタグを検索する。見つからない場合はnilを返す。
func (r *PostgresTagRepo) FindByName(ctx context.Context, name string) (*model.Tag, error) {
	tag := &model.Tag{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tags WHERE name = $1`,
		name,
	).Scan(&tag.ID, &tag.Name, &tag.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tag: %w", err)
	}

	return tag, nil
}

// Create はタグを作成する。
// 名前の一意制約違反と競合した場合は既存タグを取得して返す。
func (r *PostgresTagRepo) Create(ctx context.Context, name string) (*model.Tag, error) {
	tag := &model.Tag{Name: name}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tags (name) VALUES ($1) RETURNING id, name, created_at`,
		name,
	).Scan(&tag.ID, &tag.Name, &tag.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			existing, findErr := r.FindByName(ctx, name)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}

	return tag, nil
}

// compile-time interface check
var _ TagRepository = (*PostgresTagRepo)(nil)
