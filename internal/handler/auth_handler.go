package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/omoide/internal/middleware"
	"github.com/hitoshi/omoide/internal/model"
)

// callbackAutoCloseSeconds はコールバックページが自動的に閉じるまでの秒数。
const callbackAutoCloseSeconds = 2

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// RequestCode はワンタイムコードとログインリンクをメールで送付する。
	RequestCode(ctx context.Context, email string) error
	// VerifyCode はワンタイムコードを検証し、セッションを発行する。
	VerifyCode(ctx context.Context, email, code string) (*model.Session, error)
	// ExchangeLinkToken はマジックリンクのトークンを交換用認可コードに引き換える。
	ExchangeLinkToken(ctx context.Context, token string) (string, error)
	// ExchangeAuthCode は交換用認可コードをセッションに引き換える。
	ExchangeAuthCode(ctx context.Context, code string) (*model.Session, error)
	// CurrentSession はセッションIDを検証する。
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
	// GetCurrentUser はセッションから現在のユーザーを取得する。
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	// Logout はセッションを破棄する。
	Logout(ctx context.Context, sessionID string) error
}

// OTPRateLimiter はログインコード送付のレート制限インターフェース。
type OTPRateLimiter interface {
	AllowOTPRequest(email string) bool
}

// AuthMetrics は認証ハンドラーが記録するメトリクスのインターフェース。
type AuthMetrics interface {
	RecordOTPIssued()
	RecordOTPVerified()
	RecordOTPFailed(reason string)
	RecordCodeExchange(success bool)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// AppOrigin はマジックリンク処理後のリダイレクト先オリジン。
	AppOrigin string
}

// AuthHandler はワンタイムコード認証とマジックリンク認証のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	limiter OTPRateLimiter
	metrics AuthMetrics
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, limiter OTPRateLimiter, m AuthMetrics, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		limiter: limiter,
		metrics: m,
		config:  config,
	}
}

// otpRequest はログインコード送付リクエストのボディ。
type otpRequest struct {
	Email string `json:"email"`
}

// verifyRequest はワンタイムコード検証リクエストのボディ。
type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// exchangeRequest は認可コード交換リクエストのボディ。
type exchangeRequest struct {
	Code string `json:"code"`
}

// sessionResponse はセッション発行のAPIレスポンス。
type sessionResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	ExpiresAt   int64  `json:"expires_at"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// RequestOTP はワンタイムコードとログインリンクをメールで送付する。
// POST /auth/otp
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidEmailError(req.Email))
		return
	}

	// メールアドレスごとのレート制限
	if !h.limiter.AllowOTPRequest(email) {
		writeAPIErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
		return
	}

	if err := h.service.RequestCode(r.Context(), email); err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordOTPIssued()
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ログインコードを送信しました。メールを確認してください。",
	})
}

// VerifyOTP はワンタイムコードを検証し、セッションを発行する。
// POST /auth/verify
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	session, err := h.service.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		h.recordOTPFailure(err)
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordOTPVerified()
	h.writeSessionResponse(w, r, session)
}

// Confirm はメールに記載されたログインリンクを処理する。
// トークンを交換用認可コードに引き換え、アプリのコールバックURLへリダイレクトする。
// 失敗時はエラー内容をクエリパラメータで伝える。
// GET /auth/confirm?token=xxx
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	exchangeCode, err := h.service.ExchangeLinkToken(r.Context(), token)
	if err != nil {
		slog.Warn("login link rejected", slog.String("error", err.Error()))
		http.Redirect(w, r, h.callbackURLWithError(err), http.StatusFound)
		return
	}

	redirectURL := fmt.Sprintf("%s/auth/callback?code=%s",
		strings.TrimRight(h.config.AppOrigin, "/"), url.QueryEscape(exchangeCode))
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Exchange は交換用認可コードをセッションに引き換える。
// POST /auth/exchange
func (h *AuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	session, err := h.service.ExchangeAuthCode(r.Context(), req.Code)
	if err != nil {
		h.metrics.RecordCodeExchange(false)
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordCodeExchange(true)
	h.writeSessionResponse(w, r, session)
}

// Session は現在のセッション情報を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)

	session, err := h.service.CurrentSession(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSessionResponse(w, r, session)
}

// Me は現在のユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)

	user, err := h.service.GetCurrentUser(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		// セッションがなければ破棄済みとして成功扱い
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Callback はマジックリンク処理後にブラウザへ返す軽量ページを表示する。
// 認可コードの交換はアプリ側が行うため、このページは案内の表示と
// 一定時間後の自動クローズのみを担当する。
// GET /auth/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>ログイン処理中</title></head>
<body>
<p>ログインを処理しています。このページは自動的に閉じます。</p>
<p>閉じない場合は元のタブに戻ってください。</p>
<script>setTimeout(function () { window.close(); }, %d);</script>
</body>
</html>
`, callbackAutoCloseSeconds*1000)
}

// writeSessionResponse はセッションとユーザー情報を結合してレスポンスを書き込む。
func (h *AuthHandler) writeSessionResponse(w http.ResponseWriter, r *http.Request, session *model.Session) {
	user, err := h.service.GetCurrentUser(r.Context(), session.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken: session.ID,
		UserID:      session.UserID,
		Email:       user.Email,
		ExpiresAt:   session.ExpiresAt.Unix(),
	})
}

// callbackURLWithError はエラー内容をクエリパラメータに載せたコールバックURLを返す。
// 期限切れリンクにはerror_code=otp_expiredを設定する。
func (h *AuthHandler) callbackURLWithError(err error) string {
	params := url.Values{}
	params.Set("error", "access_denied")

	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeExpiredCode {
		params.Set("error_code", "otp_expired")
		params.Set("error_description", "ログインリンクの有効期限が切れています。")
	} else {
		params.Set("error_description", "ログインリンクが無効です。")
	}

	return fmt.Sprintf("%s/auth/callback?%s",
		strings.TrimRight(h.config.AppOrigin, "/"), params.Encode())
}

// recordOTPFailure はコード検証失敗の理由をメトリクスに記録する。
func (h *AuthHandler) recordOTPFailure(err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeExpiredCode:
			h.metrics.RecordOTPFailed("expired")
			return
		case model.ErrCodeInvalidCode:
			h.metrics.RecordOTPFailed("invalid")
			return
		}
	}
	h.metrics.RecordOTPFailed("error")
}
