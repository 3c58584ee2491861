// Package model はドメインモデルを定義する。
package model

import "time"

// MediaType はカードに添付するメディアの種別。
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeNone  MediaType = "none"
)

// IsValid はメディア種別が定義済みの値かどうかを返す。
func (m MediaType) IsValid() bool {
	switch m {
	case MediaTypeImage, MediaTypeAudio, MediaTypeVideo, MediaTypeNone:
		return true
	}
	return false
}

// MemoryCard は思い出を記録するカードを表す。
// 非公開カードは所有者のみが閲覧できる。
type MemoryCard struct {
	ID        string
	Owner     string
	Title     string
	Content   string
	MediaURL  string
	MediaType MediaType
	IsPrivate bool
	Pinned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Tags      []Tag
}

// Tag はカードに付与する分類タグを表す。名前は全体で一意。
type Tag struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}
