// Package model はドメインモデルを定義する。
package model

import "time"

// OTPCode はメールで送付される6桁のワンタイムコードを表す。
// 有効期限内かつ未消費のコードのみ検証に成功する。
type OTPCode struct {
	ID         string
	UserID     string
	Email      string
	Code       string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// AuthCodeKind は認可コードの用途を表す。
type AuthCodeKind string

const (
	// AuthCodeKindLink はメールに埋め込まれるマジックリンク用トークンを示す。
	AuthCodeKindLink AuthCodeKind = "link"
	// AuthCodeKindExchange はリダイレクト後にセッションと交換される認可コードを示す。
	AuthCodeKindExchange AuthCodeKind = "exchange"
)

// AuthCode はマジックリンク認証で使用される単回使用の認可コードを表す。
// kind=linkはメールリンクの検証で消費され、kind=exchangeに引き換えられる。
// kind=exchangeはセッション交換で消費される。
type AuthCode struct {
	ID         string
	UserID     string
	Code       string
	Kind       AuthCodeKind
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
