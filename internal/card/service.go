// Package card はメモリーカード管理のドメインロジックを提供する。
package card

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/omoide/internal/model"
	"github.com/hitoshi/omoide/internal/repository"
	"github.com/hitoshi/omoide/internal/security"
)

// maxTagsPerCard は1枚のカードに付与できるタグの上限。
const maxTagsPerCard = 10

// CreateInput はカード作成の入力。
type CreateInput struct {
	Title     string
	Content   string
	MediaURL  string
	MediaType string
	IsPrivate bool
	Pinned    bool
	Tags      []string
}

// UpdateInput はカード更新の入力。
type UpdateInput struct {
	Title     string
	Content   string
	MediaURL  string
	MediaType string
	IsPrivate bool
	Pinned    bool
	Tags      []string
}

// MediaURLValidator は外部メディアURLの安全性検証インターフェース。
type MediaURLValidator interface {
	ValidateURL(rawURL string) error
}

// Service はメモリーカード管理のサービス層。
// カードのCRUD、可視性制御、タグ管理のビジネスロジックを提供する。
type Service struct {
	cardRepo    repository.CardRepository
	tagRepo     repository.TagRepository
	sanitizer   security.ContentSanitizerService
	urlGuard    MediaURLValidator
	mediaClient *http.Client
	mediaBase   string
}

// NewService はServiceの新しいインスタンスを生成する。
// mediaBase は自サーバーでホストするメディアURLのプレフィックス。
// このプレフィックスで始まるURLはSSRF検証をスキップする。
// mediaClient は外部メディアURLの到達確認に使用するHTTPクライアント。
// SSRF防止付きクライアント（SSRFGuardService.NewSafeClient）を渡すこと。
// nilの場合は到達確認を行わず、静的なURL検証のみ行う。
func NewService(
	cardRepo repository.CardRepository,
	tagRepo repository.TagRepository,
	sanitizer security.ContentSanitizerService,
	urlGuard MediaURLValidator,
	mediaClient *http.Client,
	mediaBase string,
) *Service {
	return &Service{
		cardRepo:    cardRepo,
		tagRepo:     tagRepo,
		sanitizer:   sanitizer,
		urlGuard:    urlGuard,
		mediaClient: mediaClient,
		mediaBase:   mediaBase,
	}
}

// List は可視性ルールを適用したカード一覧を返す。
// requesterID が空の場合は公開カードのみを返す。
func (s *Service) List(ctx context.Context, requesterID, tag string, onlyMine bool, limit int) ([]*model.MemoryCard, error) {
	cards, err := s.cardRepo.List(ctx, repository.CardListOptions{
		RequesterID: requesterID,
		OnlyMine:    onlyMine,
		Tag:         tag,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return cards, nil
}

// Get は指定IDのカードを取得する。
// 非公開カードは所有者以外には存在秘匿のためCardNotFoundを返す。
func (s *Service) Get(ctx context.Context, requesterID, cardID string) (*model.MemoryCard, error) {
	card, err := s.cardRepo.FindByID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	if card == nil {
		return nil, model.NewCardNotFoundError(cardID)
	}
	if card.IsPrivate && card.Owner != requesterID {
		return nil, model.NewCardNotFoundError(cardID)
	}
	return card, nil
}

// Create はカードを作成する。
// 本文はサニタイズされ、外部メディアURLは安全性を検証される。
func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput) (*model.MemoryCard, error) {
	mediaType, err := s.validateMedia(ctx, input.MediaURL, input.MediaType)
	if err != nil {
		return nil, err
	}

	tags, err := s.resolveTags(ctx, input.Tags)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	card := &model.MemoryCard{
		ID:        uuid.New().String(),
		Owner:     ownerID,
		Title:     strings.TrimSpace(input.Title),
		Content:   s.sanitizer.Sanitize(input.Content),
		MediaURL:  input.MediaURL,
		MediaType: mediaType,
		IsPrivate: input.IsPrivate,
		Pinned:    input.Pinned,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.cardRepo.Create(ctx, card); err != nil {
		return nil, fmt.Errorf("failed to create card: %w", err)
	}

	if err := s.linkTags(ctx, card, tags); err != nil {
		return nil, err
	}

	slog.Info("card created",
		slog.String("card_id", card.ID),
		slog.String("owner", ownerID),
	)
	return card, nil
}

// Update は指定所有者のカードを更新する。
// 所有者不一致または未存在の場合はCardNotFoundを返す。
func (s *Service) Update(ctx context.Context, ownerID, cardID string, input UpdateInput) (*model.MemoryCard, error) {
	mediaType, err := s.validateMedia(ctx, input.MediaURL, input.MediaType)
	if err != nil {
		return nil, err
	}

	tags, err := s.resolveTags(ctx, input.Tags)
	if err != nil {
		return nil, err
	}

	card := &model.MemoryCard{
		ID:        cardID,
		Owner:     ownerID,
		Title:     strings.TrimSpace(input.Title),
		Content:   s.sanitizer.Sanitize(input.Content),
		MediaURL:  input.MediaURL,
		MediaType: mediaType,
		IsPrivate: input.IsPrivate,
		Pinned:    input.Pinned,
	}

	updated, err := s.cardRepo.Update(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("failed to update card: %w", err)
	}
	if !updated {
		return nil, model.NewCardNotFoundError(cardID)
	}

	if err := s.linkTags(ctx, card, tags); err != nil {
		return nil, err
	}

	result, err := s.cardRepo.FindByID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload card after update: %w", err)
	}
	return result, nil
}

// Delete は指定所有者のカードを削除する。
// 所有者不一致または未存在の場合はCardNotFoundを返す。
func (s *Service) Delete(ctx context.Context, ownerID, cardID string) error {
	deleted, err := s.cardRepo.Delete(ctx, cardID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	if !deleted {
		return model.NewCardNotFoundError(cardID)
	}

	slog.Info("card deleted",
		slog.String("card_id", cardID),
		slog.String("owner", ownerID),
	)
	return nil
}

// ListTags は全タグを返す。
func (s *Service) ListTags(ctx context.Context) ([]*model.Tag, error) {
	tags, err := s.tagRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return tags, nil
}

// validateMedia はメディア種別とURLの組み合わせを検証する。
// 自サーバーでホストするメディア以外のURLはSSRF検証と到達確認を通す。
func (s *Service) validateMedia(ctx context.Context, mediaURL, mediaType string) (model.MediaType, error) {
	if mediaType == "" {
		mediaType = string(model.MediaTypeNone)
	}
	mt := model.MediaType(mediaType)
	if !mt.IsValid() {
		return "", model.NewInvalidMediaTypeError(mediaType)
	}

	if mediaURL == "" {
		return model.MediaTypeNone, nil
	}
	if mt == model.MediaTypeNone {
		return "", model.NewInvalidMediaTypeError(mediaType)
	}

	if s.mediaBase != "" && strings.HasPrefix(mediaURL, s.mediaBase) {
		return mt, nil
	}
	if err := s.urlGuard.ValidateURL(mediaURL); err != nil {
		return "", model.NewInvalidMediaURLError(err.Error())
	}
	if err := s.checkMediaReachable(ctx, mediaURL, mt); err != nil {
		return "", model.NewInvalidMediaURLError(err.Error())
	}
	return mt, nil
}

// checkMediaReachable は外部メディアURLにHEADリクエストを送り、到達可能であることと
// Content-Typeが申告されたメディア種別と一致することを確認する。
// DNS再バインディング攻撃は静的検証では防げないため、実際の接続は
// SSRF防止付きクライアントのDialer検証を必ず通す。
func (s *Service) checkMediaReachable(ctx context.Context, mediaURL string, mt model.MediaType) error {
	if s.mediaClient == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}

	resp, err := s.mediaClient.Do(req)
	if err != nil {
		return fmt.Errorf("media URL is not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("media URL returned status %d", resp.StatusCode)
	}

	// Content-Typeが得られた場合のみ種別の一致を確認する
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, string(mt)+"/") {
		return fmt.Errorf("content type %s does not match media type %s", contentType, mt)
	}
	return nil
}

// resolveTags はタグ名を正規化し、タグレコードを取得または作成する。
func (s *Service) resolveTags(ctx context.Context, names []string) ([]*model.Tag, error) {
	seen := make(map[string]bool, len(names))
	var tags []*model.Tag

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, model.NewEmptyTagError()
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		if len(tags) >= maxTagsPerCard {
			break
		}

		tag, err := s.tagRepo.Create(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create tag: %w", err)
		}
		tags = append(tags, tag)
	}

	return tags, nil
}

// linkTags はカードとタグのリンクを張り替え、カードのTagsフィールドを更新する。
func (s *Service) linkTags(ctx context.Context, card *model.MemoryCard, tags []*model.Tag) error {
	tagIDs := make([]int64, len(tags))
	for i, tag := range tags {
		tagIDs[i] = tag.ID
	}

	if err := s.cardRepo.ReplaceTags(ctx, card.ID, tagIDs); err != nil {
		return fmt.Errorf("failed to link tags: %w", err)
	}

	card.Tags = make([]model.Tag, len(tags))
	for i, tag := range tags {
		card.Tags[i] = *tag
	}
	return nil
}
