package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/omoide/internal/card"
	"github.com/hitoshi/omoide/internal/middleware"
	"github.com/hitoshi/omoide/internal/model"
)

// CardServiceInterface はカードハンドラーが必要とするサービスインターフェース。
type CardServiceInterface interface {
	// List は可視性ルールを適用したカード一覧を返す。
	List(ctx context.Context, requesterID, tag string, onlyMine bool, limit int) ([]*model.MemoryCard, error)
	// Get は指定IDのカードを取得する。
	Get(ctx context.Context, requesterID, cardID string) (*model.MemoryCard, error)
	// Create はカードを作成する。
	Create(ctx context.Context, ownerID string, input card.CreateInput) (*model.MemoryCard, error)
	// Update は指定所有者のカードを更新する。
	Update(ctx context.Context, ownerID, cardID string, input card.UpdateInput) (*model.MemoryCard, error)
	// Delete は指定所有者のカードを削除する。
	Delete(ctx context.Context, ownerID, cardID string) error
	// ListTags は全タグを返す。
	ListTags(ctx context.Context) ([]*model.Tag, error)
}

// CardMetrics はカードハンドラーが記録するメトリクスのインターフェース。
type CardMetrics interface {
	RecordCardOperation(operation string)
}

// CardHandler はメモリーカード管理のHTTPハンドラー。
type CardHandler struct {
	service CardServiceInterface
	metrics CardMetrics
}

// NewCardHandler はCardHandlerを生成する。
func NewCardHandler(service CardServiceInterface, m CardMetrics) *CardHandler {
	return &CardHandler{
		service: service,
		metrics: m,
	}
}

// cardRequest はカード作成・更新リクエストのボディ。
type cardRequest struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	MediaURL  string   `json:"media_url"`
	MediaType string   `json:"media_type"`
	IsPrivate bool     `json:"is_private"`
	Pinned    bool     `json:"pinned"`
	Tags      []string `json:"tags"`
}

// cardResponse はカード情報のAPIレスポンス。
type cardResponse struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	MediaURL  string        `json:"media_url,omitempty"`
	MediaType string        `json:"media_type"`
	IsPrivate bool          `json:"is_private"`
	Pinned    bool          `json:"pinned"`
	Tags      []tagResponse `json:"tags"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// tagResponse はタグ情報のAPIレスポンス。
type tagResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ListCards はカード一覧を取得する。
// GET /api/cards?tag=xxx&mine=true&limit=50
func (h *CardHandler) ListCards(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	query := r.URL.Query()
	onlyMine := query.Get("mine") == "true"
	limit := 0
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	cards, err := h.service.List(r.Context(), userID, query.Get("tag"), onlyMine, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]cardResponse, len(cards))
	for i, c := range cards {
		responses[i] = toCardResponse(c)
	}
	writeJSON(w, http.StatusOK, responses)
}

// GetCard は指定IDのカードを取得する。
// GET /api/cards/{id}
func (h *CardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	c, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCardResponse(c))
}

// CreateCard はカードを作成する。
// POST /api/cards
func (h *CardHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req cardRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	c, err := h.service.Create(r.Context(), userID, card.CreateInput{
		Title:     req.Title,
		Content:   req.Content,
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
		IsPrivate: req.IsPrivate,
		Pinned:    req.Pinned,
		Tags:      req.Tags,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordCardOperation("create")
	writeJSON(w, http.StatusCreated, toCardResponse(c))
}

// UpdateCard はカードを更新する。
// PUT /api/cards/{id}
func (h *CardHandler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req cardRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	c, err := h.service.Update(r.Context(), userID, chi.URLParam(r, "id"), card.UpdateInput{
		Title:     req.Title,
		Content:   req.Content,
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
		IsPrivate: req.IsPrivate,
		Pinned:    req.Pinned,
		Tags:      req.Tags,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordCardOperation("update")
	writeJSON(w, http.StatusOK, toCardResponse(c))
}

// DeleteCard はカードを削除する。
// DELETE /api/cards/{id}
func (h *CardHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordCardOperation("delete")
	w.WriteHeader(http.StatusNoContent)
}

// ListTags はタグ一覧を取得する。
// GET /api/tags
func (h *CardHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.ListTags(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]tagResponse, len(tags))
	for i, tag := range tags {
		responses[i] = tagResponse{ID: tag.ID, Name: tag.Name}
	}
	writeJSON(w, http.StatusOK, responses)
}

// toCardResponse はmodel.MemoryCardからAPIレスポンスに変換する。
func toCardResponse(c *model.MemoryCard) cardResponse {
	tags := make([]tagResponse, len(c.Tags))
	for i, tag := range c.Tags {
		tags[i] = tagResponse{ID: tag.ID, Name: tag.Name}
	}
	return cardResponse{
		ID:        c.ID,
		Owner:     c.Owner,
		Title:     c.Title,
		Content:   c.Content,
		MediaURL:  c.MediaURL,
		MediaType: string(c.MediaType),
		IsPrivate: c.IsPrivate,
		Pinned:    c.Pinned,
		Tags:      tags,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
