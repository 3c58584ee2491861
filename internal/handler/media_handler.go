package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/omoide/internal/media"
	"github.com/hitoshi/omoide/internal/middleware"
	"github.com/hitoshi/omoide/internal/model"
)

// MediaStoreInterface はメディアハンドラーが必要とするストアインターフェース。
type MediaStoreInterface interface {
	// Save はメディアファイルを保存し、公開URLとメディア種別を返す。
	Save(ownerID, filename string, r io.Reader) (*media.StoredMedia, error)
}

// MediaHandler はメディアアップロードのHTTPハンドラー。
type MediaHandler struct {
	store   MediaStoreInterface
	maxSize int64
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(store MediaStoreInterface, maxSize int64) *MediaHandler {
	return &MediaHandler{
		store:   store,
		maxSize: maxSize,
	}
}

// mediaResponse はアップロード結果のAPIレスポンス。
type mediaResponse struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
}

// Upload はmultipart/form-dataのfileフィールドを保存する。
// POST /api/media
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "アップロードファイルの読み取りに失敗しました。",
			Category: "validation",
			Action:   "fileフィールドにファイルを添付してください。",
		})
		return
	}
	defer file.Close()

	stored, err := h.store.Save(userID, header.Filename, file)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("media uploaded",
		slog.String("user_id", userID),
		slog.String("url", stored.URL),
	)
	writeJSON(w, http.StatusCreated, mediaResponse{
		URL:       stored.URL,
		MediaType: string(stored.MediaType),
	})
}
