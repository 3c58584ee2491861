// Package authclient はリモート認証サービスのクライアント契約を実装する。
// ワンタイムコードの要求・検証、認可コードの交換、現在セッションの取得、
// サインアウト、変更通知コールバックを提供し、発行されたセッションを
// トークンストアへ永続化する。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SessionKey はトークンストア上のセッションエントリのキー。
const SessionKey = "auth.session"

// Kind は認証エラーの内部分類。
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindInvalidEmail   Kind = "invalid_email"
	KindInvalidCode    Kind = "invalid_code"
	KindExpiredCode    Kind = "expired_code"
	KindAccessDenied   Kind = "access_denied"
	KindExchangeFailed Kind = "exchange_failed"
	KindNoSession      Kind = "no_session"
	KindUnknown        Kind = "unknown"
)

// AuthError は分類とユーザー向けメッセージを持つ認証エラー。
type AuthError struct {
	Kind    Kind
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Session は認証済みユーザーを識別するクレデンシャル。
type Session struct {
	AccessToken string
	UserID      string
	Email       string
	ExpiresAt   time.Time
}

// API はリモート認証サービスに要求する操作の契約。
type API interface {
	// RequestCode はワンタイムコードとログインリンクの送付を要求する。
	RequestCode(ctx context.Context, email string) error
	// VerifyCode は6桁のワンタイムコードを検証し、セッションを得る。
	VerifyCode(ctx context.Context, email, code string) (*Session, error)
	// ExchangeAuthorizationCode は認可コードをセッションに引き換える。
	ExchangeAuthorizationCode(ctx context.Context, code string) (*Session, error)
	// CurrentSession は現在のセッションを返す。
	// セッションが存在しない場合や確認に失敗した場合はnilを返し、エラーは返さない。
	CurrentSession(ctx context.Context) (*Session, error)
	// SignOut はセッションを破棄する。
	SignOut(ctx context.Context) error
	// OnSessionChange はログイン・ログアウト時に呼ばれるコールバックを登録する。
	// ログアウト時はnilが渡される。
	OnSessionChange(fn func(*Session))
}

// SessionStore はセッションの永続化に必要なストア操作。
// tokenstore.Storeがそのまま満たす。
type SessionStore interface {
	Get(key string, v interface{}) bool
	Set(key string, v interface{}) error
	Delete(key string) error
}

// Client はHTTP経由でリモート認証サービスを呼び出すAPI実装。
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      SessionStore

	mu        sync.Mutex
	changeFns []func(*Session)
}

// NewClient はClientを生成する。httpClientがnilの場合は10秒タイムアウトの
// クライアントを使用する。
func NewClient(baseURL string, store SessionStore, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		store:      store,
	}
}

// compile-time interface check
var _ API = (*Client)(nil)

// apiError はサービスの統一エラーフォーマット。
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionPayload はセッション発行レスポンスのボディ。
type sessionPayload struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	ExpiresAt   int64  `json:"expires_at"`
}

// storedSession はトークンストア上のセッション表現。
type storedSession struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	ExpiresAt   int64  `json:"expires_at"`
}

// RequestCode はワンタイムコードとログインリンクの送付を要求する。
func (c *Client) RequestCode(ctx context.Context, email string) error {
	resp, err := c.postJSON(ctx, "/auth/otp", map[string]string{"email": email}, "")
	if err != nil {
		return &AuthError{Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

// VerifyCode はワンタイムコードを検証し、セッションを永続化して返す。
func (c *Client) VerifyCode(ctx context.Context, email, code string) (*Session, error) {
	resp, err := c.postJSON(ctx, "/auth/verify", map[string]string{
		"email": email,
		"code":  code,
	}, "")
	if err != nil {
		return nil, &AuthError{Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	return c.adoptSession(resp)
}

// ExchangeAuthorizationCode は認可コードをセッションに引き換え、永続化して返す。
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (*Session, error) {
	resp, err := c.postJSON(ctx, "/auth/exchange", map[string]string{"code": code}, "")
	if err != nil {
		return nil, &AuthError{Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	return c.adoptSession(resp)
}

// CurrentSession はトークンストアのセッションを返す。
// ストアに何もない、または明示的に無効と確認された場合はnilを返す。
// 確認のための通信に失敗した場合は手元のセッションをそのまま返す
// （一時的な障害でログイン状態を失わないため）。
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	var stored storedSession
	if !c.store.Get(SessionKey, &stored) || stored.AccessToken == "" {
		return nil, nil
	}

	if stored.ExpiresAt > 0 && time.Now().Unix() > stored.ExpiresAt {
		_ = c.store.Delete(SessionKey)
		return nil, nil
	}
	local := sessionFromStored(stored)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/session", nil)
	if err != nil {
		return local, nil
	}
	req.Header.Set("Authorization", "Bearer "+stored.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return local, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.store.Delete(SessionKey)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return local, nil
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return local, nil
	}
	return sessionFromPayload(payload), nil
}

// SignOut はセッションを破棄する。
// リモート呼び出しの成否に関わらずローカルのセッションは消去される。
func (c *Client) SignOut(ctx context.Context) error {
	var stored storedSession
	hasToken := c.store.Get(SessionKey, &stored) && stored.AccessToken != ""

	_ = c.store.Delete(SessionKey)
	c.notify(nil)

	if !hasToken {
		return nil
	}

	resp, err := c.postJSON(ctx, "/auth/logout", nil, stored.AccessToken)
	if err != nil {
		return &AuthError{Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

// OnSessionChange はセッション変更コールバックを登録する。
func (c *Client) OnSessionChange(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeFns = append(c.changeFns, fn)
}

// adoptSession はレスポンスのセッションを永続化し、変更を通知する。
func (c *Client) adoptSession(resp *http.Response) (*Session, error) {
	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &AuthError{Kind: KindUnknown, Message: "レスポンスの解析に失敗しました"}
	}

	session := sessionFromPayload(payload)
	if err := c.store.Set(SessionKey, storedSession(payload)); err != nil {
		return nil, &AuthError{Kind: KindUnknown, Message: "セッションの保存に失敗しました"}
	}

	c.notify(session)
	return session, nil
}

// notify は登録済みコールバックへ変更を通知する。
func (c *Client) notify(session *Session) {
	c.mu.Lock()
	fns := make([]func(*Session), len(c.changeFns))
	copy(fns, c.changeFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(session)
	}
}

// postJSON はJSONボディ付きのPOSTリクエストを送信する。
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, token string) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}

// decodeError はエラーレスポンスをAuthErrorに変換する。
func (c *Client) decodeError(resp *http.Response) *AuthError {
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &AuthError{
			Kind:    KindUnknown,
			Message: fmt.Sprintf("認証サービスがエラーを返しました (status %d)", resp.StatusCode),
		}
	}
	return &AuthError{
		Kind:    classifyCode(body.Code),
		Message: body.Message,
	}
}

// classifyCode はサービスのエラーコードを内部分類に変換する。
func classifyCode(code string) Kind {
	switch code {
	case "RATE_LIMITED":
		return KindRateLimited
	case "INVALID_EMAIL":
		return KindInvalidEmail
	case "INVALID_CODE":
		return KindInvalidCode
	case "EXPIRED_CODE":
		return KindExpiredCode
	case "ACCESS_DENIED":
		return KindAccessDenied
	case "EXCHANGE_FAILED":
		return KindExchangeFailed
	case "NO_SESSION":
		return KindNoSession
	default:
		return KindUnknown
	}
}

func sessionFromPayload(p sessionPayload) *Session {
	return &Session{
		AccessToken: p.AccessToken,
		UserID:      p.UserID,
		Email:       p.Email,
		ExpiresAt:   time.Unix(p.ExpiresAt, 0),
	}
}

func sessionFromStored(s storedSession) *Session {
	return &Session{
		AccessToken: s.AccessToken,
		UserID:      s.UserID,
		Email:       s.Email,
		ExpiresAt:   time.Unix(s.ExpiresAt, 0),
	}
}
