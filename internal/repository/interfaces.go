// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/omoide/internal/model"
)

// ErrProfileConflict はprofilesのuser_id一意制約違反を表す。
// 遅延作成の競合時に返され、呼び出し側は再取得で解決する。
var ErrProfileConflict = errors.New("profile already exists for user")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、profiles、memory_cardsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// OTPRepository はワンタイムコードの永続化インターフェース。
type OTPRepository interface {
	// Create はワンタイムコードを作成する。
	Create(ctx context.Context, otp *model.OTPCode) error

	// FindByEmailAndCode はメールアドレスとコードで最新のワンタイムコードを検索する。
	// 期限切れ・消費済みのコードも返す（有効性の判定はサービス層で行う）。
	// 見つからない場合はnilを返す。
	FindByEmailAndCode(ctx context.Context, email, code string) (*model.OTPCode, error)

	// Consume はワンタイムコードを消費済みにする。
	// すでに消費済みの場合はfalseを返す（単回使用の保証）。
	Consume(ctx context.Context, id string) (bool, error)

	// DeleteExpired は期限切れまたは消費済みのコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuthCodeRepository はマジックリンク認可コードの永続化インターフェース。
type AuthCodeRepository interface {
	// Create は認可コードを作成する。
	Create(ctx context.Context, code *model.AuthCode) error

	// FindByCode はコード値で認可コードを検索する。
	// 期限切れ・消費済みのコードも返す（有効性の判定はサービス層で行う）。
	// 見つからない場合はnilを返す。
	FindByCode(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error)

	// Consume は認可コードを消費済みにする。
	// すでに消費済みの場合はfalseを返す（単回使用の保証）。
	Consume(ctx context.Context, id string) (bool, error)

	// DeleteExpired は期限切れまたは消費済みのコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ProfileRepository はプロフィールデータの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// Create はプロフィールを作成する。
	// user_idの一意制約違反の場合はErrProfileConflictを返す。
	Create(ctx context.Context, profile *model.Profile) error

	// Update はプロフィールのusername、display_name、avatar_urlを更新する。
	Update(ctx context.Context, profile *model.Profile) error
}

// CardListOptions はカード一覧取得の絞り込み条件。
type CardListOptions struct {
	// RequesterID はリクエストユーザーのID。空の場合は公開カードのみ返す。
	RequesterID string
	// OnlyMine がtrueの場合はRequesterIDが所有するカードのみ返す。
	OnlyMine bool
	// Tag が空でない場合は該当タグ付きのカードのみ返す。
	Tag string
	// Limit は最大取得件数。0の場合は既定値を使用する。
	Limit int
}

// CardRepository はメモリーカードデータの永続化インターフェース。
type CardRepository interface {
	// List は可視性ルールを適用したカード一覧をタグ付きで返す。
	// 並び順はpinned降順、created_at降順。
	// 可視性: 公開カード全件 + RequesterIDが所有する非公開カード。
	List(ctx context.Context, opts CardListOptions) ([]*model.MemoryCard, error)

	// FindByID は指定IDのカードをタグ付きで取得する。見つからない場合はnilを返す。
	// 可視性の判定は行わない（サービス層で行う）。
	FindByID(ctx context.Context, id string) (*model.MemoryCard, error)

	// Create はカードを作成する。
	Create(ctx context.Context, card *model.MemoryCard) error

	// Update は指定所有者のカードを更新する。
	// 所有者不一致または未存在の場合はfalseを返す。
	Update(ctx context.Context, card *model.MemoryCard) (bool, error)

	// Delete は指定所有者のカードを削除する。
	// 所有者不一致または未存在の場合はfalseを返す。
	Delete(ctx context.Context, id, ownerID string) (bool, error)

	// ReplaceTags はカードのタグリンクを指定タグIDの集合に置き換える。
	ReplaceTags(ctx context.Context, cardID string, tagIDs []int64) error

	// DeleteByOwner は指定所有者の全カードを削除する。
	DeleteByOwner(ctx context.Context, ownerID string) error
}

// TagRepository はタグデータの永続化インターフェース。
type TagRepository interface {
	// List は全タグをcreated_at昇順で返す。
	List(ctx context.Context) ([]*model.Tag, error)

	// FindByName は名前でタグを検索する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Tag, error)

	// Create はタグを作成する。
	// 名前の一意制約違反と競合した場合は既存タグを取得して返す。
	Create(ctx context.Context, name string) (*model.Tag, error)
}
