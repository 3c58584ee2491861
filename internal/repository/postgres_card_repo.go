package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/omoide/internal/model"
)

// defaultCardListLimit はカード一覧の既定の最大取得件数。
const defaultCardListLimit = 50

// PostgresCardRepo はPostgreSQLを使用したメモリーカードリポジトリ。
type PostgresCardRepo struct {
	db *sql.DB
}

// NewPostgresCardRepo はPostgresCardRepoを生成する。
func NewPostgresCardRepo(db *sql.DB) *PostgresCardRepo {
	return &PostgresCardRepo{db: db}
}

// List は可視性ルールを適用したカード一覧をタグ付きで返す。
// 並び順はpinned降順、created_at降順。
func (r *PostgresCardRepo) List(ctx context.Context, opts CardListOptions) ([]*model.MemoryCard, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultCardListLimit
	}

	query := `SELECT DISTINCT c.id, c.owner, c.title, c.content, c.media_url, c.media_type,
	                 c.is_private, c.pinned, c.created_at, c.updated_at
	          FROM memory_cards c`
	args := []interface{}{}

	if opts.Tag != "" {
		query += ` JOIN memory_card_tags mct ON mct.memory_card_id = c.id
		           JOIN tags t ON t.id = mct.tag_id AND t.name = $1`
		args = append(args, opts.Tag)
	}

	// 可視性: 公開カード全件 + リクエストユーザー所有の非公開カード
	switch {
	case opts.OnlyMine && opts.RequesterID != "":
		args = append(args, opts.RequesterID)
		query += fmt.Sprintf(` WHERE c.owner = $%d`, len(args))
	case opts.RequesterID != "":
		args = append(args, opts.RequesterID)
		query += fmt.Sprintf(` WHERE (c.is_private = FALSE OR c.owner = $%d)`, len(args))
	default:
		query += ` WHERE c.is_private = FALSE`
	}

	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY c.pinned DESC, c.created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var cards []*model.MemoryCard
	for rows.Next() {
		card := &model.MemoryCard{}
		if err := rows.Scan(&card.ID, &card.Owner, &card.Title, &card.Content,
			&card.MediaURL, &card.MediaType, &card.IsPrivate, &card.Pinned,
			&card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cards: %w", err)
	}

	if err := r.attachTags(ctx, cards); err != nil {
		return nil, err
	}

	return cards, nil
}

// FindByID は指定IDのカードをタグ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresCardRepo) FindByID(ctx context.Context, id string) (*model.MemoryCard, error) {
	card := &model.MemoryCard{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner, title, content, media_url, media_type,
		        is_private, pinned, created_at, updated_at
		 FROM memory_cards
		 WHERE id = $1`,
		id,
	).Scan(&card.ID, &card.Owner, &card.Title, &card.Content, &card.MediaURL,
		&card.MediaType, &card.IsPrivate, &card.Pinned, &card.CreatedAt, &card.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}

	if err := r.attachTags(ctx, []*model.MemoryCard{card}); err != nil {
		return nil, err
	}

	return card, nil
}

// Create はカードを作成する。
func (r *PostgresCardRepo) Create(ctx context.Context, card *model.MemoryCard) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO memory_cards
		   (id, owner, title, content, media_url, media_type, is_private, pinned, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		card.ID, card.Owner, card.Title, card.Content, card.MediaURL,
		string(card.MediaType), card.IsPrivate, card.Pinned, card.CreatedAt, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

// Update は指定所有者のカードを更新する。
// 所有者不一致または未存在の場合はfalseを返す。
func (r *PostgresCardRepo) Update(ctx context.Context, card *model.MemoryCard) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE memory_cards
		 SET title = $1, content = $2, media_url = $3, media_type = $4,
		     is_private = $5, pinned = $6, updated_at = now()
		 WHERE id = $7 AND owner = $8`,
		card.Title, card.Content, card.MediaURL, string(card.MediaType),
		card.IsPrivate, card.Pinned, card.ID, card.Owner,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update card: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// Delete は指定所有者のカードを削除する。
// 所有者不一致または未存在の場合はfalseを返す。
func (r *PostgresCardRepo) Delete(ctx context.Context, id, ownerID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM memory_cards WHERE id = $1 AND owner = $2`,
		id, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete card: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// ReplaceTags はカードのタグリンクを指定タグIDの集合に置き換える。
// 削除と挿入を同一トランザクションで行う。
func (r *PostgresCardRepo) ReplaceTags(ctx context.Context, cardID string, tagIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_card_tags WHERE memory_card_id = $1`,
		cardID,
	); err != nil {
		return fmt.Errorf("failed to delete card tags: %w", err)
	}

	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_card_tags (memory_card_id, tag_id)
			 VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			cardID, tagID,
		); err != nil {
			return fmt.Errorf("failed to link card tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tag replacement: %w", err)
	}
	return nil
}

// DeleteByOwner は指定所有者の全カードを削除する。
func (r *PostgresCardRepo) DeleteByOwner(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM memory_cards WHERE owner = $1`,
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete owner cards: %w", err)
	}
	return nil
}

// attachTags はカード集合のタグを1クエリでまとめて取得して割り当てる。
func (r *PostgresCardRepo) attachTags(ctx context.Context, cards []*model.MemoryCard) error {
	if len(cards) == 0 {
		return nil
	}

	ids := make([]string, len(cards))
	byID := make(map[string]*model.MemoryCard, len(cards))
	for i, card := range cards {
		ids[i] = card.ID
		byID[card.ID] = card
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT mct.memory_card_id, t.id, t.name, t.created_at
		 FROM memory_card_tags mct
		 JOIN tags t ON t.id = mct.tag_id
		 WHERE mct.memory_card_id = ANY($1)
		 ORDER BY t.created_at`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to load card tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cardID string
		tag := model.Tag{}
		if err := rows.Scan(&cardID, &tag.ID, &tag.Name, &tag.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan card tag: %w", err)
		}
		if card, ok := byID[cardID]; ok {
			card.Tags = append(card.Tags, tag)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate card tags: %w", err)
	}

	return nil
}

// compile-time interface check
var _ CardRepository = (*PostgresCardRepo)(nil)
