// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, card, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidEmail     = "INVALID_EMAIL"
	ErrCodeInvalidCode      = "INVALID_CODE"
	ErrCodeExpiredCode      = "EXPIRED_CODE"
	ErrCodeAccessDenied     = "ACCESS_DENIED"
	ErrCodeExchangeFailed   = "EXCHANGE_FAILED"
	ErrCodeNoSession        = "NO_SESSION"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeCardNotFound     = "CARD_NOT_FOUND"
	ErrCodeEmptyTag         = "EMPTY_TAG"
	ErrCodeInvalidMediaType = "INVALID_MEDIA_TYPE"
	ErrCodeInvalidMediaURL  = "INVALID_MEDIA_URL"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeProfileNotFound  = "PROFILE_NOT_FOUND"
	ErrCodeProfileConflict  = "PROFILE_CONFLICT"
	ErrCodeInvalidUsername  = "INVALID_USERNAME"
)

// NewInvalidEmailError は無効なメールアドレスのエラーを生成する。
func NewInvalidEmailError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("無効なメールアドレスです: %s", email),
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewInvalidCodeError は検証コード不一致のエラーを生成する。
func NewInvalidCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCode,
		Message:  "検証コードが正しくありません。",
		Category: "auth",
		Action:   "メールに記載された6桁のコードを確認して再入力してください。",
	}
}

// NewExpiredCodeError は検証コード・ログインリンク期限切れのエラーを生成する。
func NewExpiredCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeExpiredCode,
		Message:  "検証コードの有効期限が切れています。",
		Category: "auth",
		Action:   "コードを再送信してから、新しいコードを入力してください。",
	}
}

// NewAccessDeniedError はアクセス拒否のエラーを生成する。
func NewAccessDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessDenied,
		Message:  "アクセスが拒否されました。",
		Category: "auth",
		Action:   "再度ログインをお試しください。",
	}
}

// NewExchangeFailedError は認可コード交換失敗のエラーを生成する。
// 使用済みまたは無効な認可コードに対して返す。
func NewExchangeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  fmt.Sprintf("ログインに失敗しました: %s", reason),
		Category: "auth",
		Action:   "ログインリンクを再送信してください。",
	}
}

// NewNoSessionError はセッション未検出のエラーを生成する。
func NewNoSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSession,
		Message:  "有効なセッションが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は認証必須エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCardNotFoundError はカード未検出のエラーを生成する。
// 非公開カードへの第三者アクセスも存在秘匿のため同じエラーを返す。
func NewCardNotFoundError(cardID string) *APIError {
	return &APIError{
		Code:     ErrCodeCardNotFound,
		Message:  fmt.Sprintf("指定されたカードが見つかりません: %s", cardID),
		Category: "card",
		Action:   "カードIDを確認してください。",
	}
}

// NewEmptyTagError は空タグのエラーを生成する。
func NewEmptyTagError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyTag,
		Message:  "タグ名が空です。",
		Category: "validation",
		Action:   "1文字以上のタグ名を指定してください。",
	}
}

// NewInvalidMediaTypeError は無効なメディア種別のエラーを生成する。
func NewInvalidMediaTypeError(mediaType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMediaType,
		Message:  fmt.Sprintf("無効なメディア種別です: %s", mediaType),
		Category: "validation",
		Action:   "メディア種別には image、audio、video、none のいずれかを指定してください。",
	}
}

// NewInvalidMediaURLError は安全でないメディアURLのエラーを生成する。
func NewInvalidMediaURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMediaURL,
		Message:  fmt.Sprintf("メディアURLが許可されていません: %s", reason),
		Category: "validation",
		Action:   "公開されているhttps URLを指定するか、ファイルをアップロードしてください。",
	}
}

// NewProfileNotFoundError はプロフィール未作成のエラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "プロフィールがまだ作成されていません。",
		Category: "auth",
		Action:   "プロフィールを作成してください。",
	}
}

// NewProfileConflictError はプロフィール重複作成のエラーを生成する。
// 複数タブからの同時ログインで遅延作成が競合した場合に返す。
func NewProfileConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileConflict,
		Message:  "プロフィールはすでに作成されています。",
		Category: "auth",
		Action:   "既存のプロフィールを取得し直してください。",
	}
}

// NewInvalidUsernameError は無効なユーザー名のエラーを生成する。
func NewInvalidUsernameError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  "ユーザー名が無効です。",
		Category: "validation",
		Action:   "1文字以上50文字以内のユーザー名を指定してください。",
	}
}

// NewUserNotFoundError はユーザー未検出のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
