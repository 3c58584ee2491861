// Package media はアップロードされたメディアファイルのローカル保存を提供する。
package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hitoshi/omoide/internal/model"
)

// extToMediaType は許可される拡張子とメディア種別の対応。
var extToMediaType = map[string]model.MediaType{
	".jpg":  model.MediaTypeImage,
	".jpeg": model.MediaTypeImage,
	".png":  model.MediaTypeImage,
	".gif":  model.MediaTypeImage,
	".webp": model.MediaTypeImage,
	".mp3":  model.MediaTypeAudio,
	".m4a":  model.MediaTypeAudio,
	".ogg":  model.MediaTypeAudio,
	".wav":  model.MediaTypeAudio,
	".mp4":  model.MediaTypeVideo,
	".webm": model.MediaTypeVideo,
	".mov":  model.MediaTypeVideo,
}

// StoredMedia は保存されたメディアファイルの情報。
type StoredMedia struct {
	URL       string
	MediaType model.MediaType
}

// LocalStore はローカルファイルシステムにメディアを保存する。
type LocalStore struct {
	dir     string
	baseURL string
	maxSize int64
}

// NewLocalStore はLocalStoreを生成する。
// baseURL は保存ファイルの公開URLプレフィックス（例: https://omoide.example/media）。
func NewLocalStore(dir, baseURL string, maxSize int64) *LocalStore {
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
	}
}

// Save はメディアファイルを保存し、公開URLとメディア種別を返す。
// ファイル名はUUIDで生成し、所有者ごとのサブディレクトリに配置する。
// 許可されない拡張子はInvalidMediaTypeエラーを返す。
func (s *LocalStore) Save(ownerID, filename string, r io.Reader) (*StoredMedia, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mediaType, ok := extToMediaType[ext]
	if !ok {
		return nil, model.NewInvalidMediaTypeError(ext)
	}

	ownerDir := filepath.Join(s.dir, ownerID)
	if err := os.MkdirAll(ownerDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	name := uuid.New().String() + ext
	path := filepath.Join(ownerDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create media file: %w", err)
	}
	defer f.Close()

	// maxSize+1バイトまで読み、超過を検知する
	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write media file: %w", err)
	}
	if written > s.maxSize {
		os.Remove(path)
		return nil, fmt.Errorf("media file exceeds the maximum size of %d bytes", s.maxSize)
	}

	return &StoredMedia{
		URL:       fmt.Sprintf("%s/%s/%s", s.baseURL, ownerID, name),
		MediaType: mediaType,
	}, nil
}

// Dir は保存ディレクトリを返す。静的配信ハンドラーで使用する。
func (s *LocalStore) Dir() string {
	return s.dir
}
