// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// メールアドレスのワンタイムコード認証で登録されるため、パスワードは持たない。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
// IDは不透明なベアラートークンとしてクライアントに渡される。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Profile はユーザーの公開プロフィールを表す。
// user_idごとに必ず1件。初回ログイン時にフォールバック値で遅延作成される。
type Profile struct {
	ID          string
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
