// Package profile は認証済みユーザーのプロフィールを取得・遅延作成する
// リゾルバーを提供する。プロフィールの失敗はログに記録されるだけで、
// 認証状態を妨げることはない。
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/omoide/internal/client/authclient"
)

// fallbackDisplayName はメールアドレスも得られない場合の表示名。
const fallbackDisplayName = "未命名ユーザー"

// Profile は表示用のプロフィール情報。
type Profile struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Resolver はプロフィールの取得と遅延作成を行う。
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResolver はResolverを生成する。httpClientがnilの場合は10秒タイムアウトの
// クライアントを使用する。
func NewResolver(baseURL string, httpClient *http.Client, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// EnsureProfile はセッションの主体に対応するプロフィールを返す。
// 存在しない場合はフォールバック値で作成する。同時ログインと作成が
// 競合した場合（409）は既存のプロフィールを取得し直す。
// 失敗はログに記録し、nilを返す。プロフィールの欠落は表示の劣化に
// とどまり、認証状態を妨げない。
func (r *Resolver) EnsureProfile(ctx context.Context, session *authclient.Session) *Profile {
	if session == nil {
		return nil
	}

	p, status, err := r.fetch(ctx, session)
	if err != nil {
		r.logger.Warn("failed to fetch profile",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if p != nil {
		return p
	}
	if status != http.StatusNotFound {
		r.logger.Warn("unexpected profile response",
			slog.String("user_id", session.UserID),
			slog.Int("status", status),
		)
		return nil
	}

	p, status, err = r.create(ctx, session)
	if err != nil {
		r.logger.Warn("failed to create profile",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if p != nil {
		return p
	}

	// 作成競合は別コンテキストが先に作成済みであることを意味する
	if status == http.StatusConflict {
		p, _, err = r.fetch(ctx, session)
		if err != nil {
			r.logger.Warn("failed to refetch profile after conflict",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return p
	}

	r.logger.Warn("profile creation rejected",
		slog.String("user_id", session.UserID),
		slog.Int("status", status),
	)
	return nil
}

// fetch は自分のプロフィールを取得する。未作成の場合は(nil, 404, nil)を返す。
func (r *Resolver) fetch(ctx context.Context, session *authclient.Session) (*Profile, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/profiles/me", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, resp.StatusCode, nil
}

// create はフォールバック値でプロフィールを作成する。
func (r *Resolver) create(ctx context.Context, session *authclient.Session) (*Profile, int, error) {
	body := map[string]string{
		"username":     FallbackUsername(session),
		"display_name": FallbackDisplayName(session),
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, 0, fmt.Errorf("failed to encode profile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/profiles", &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, resp.StatusCode, nil
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, resp.StatusCode, nil
}

// FallbackDisplayName は表示名のフォールバック値を返す。
// メールアドレス、それもなければ既定のプレースホルダー。
func FallbackDisplayName(session *authclient.Session) string {
	if session.Email != "" {
		return session.Email
	}
	return fallbackDisplayName
}

// FallbackUsername はユーザー名のフォールバック値を返す。
// メールアドレスのローカル部、それが取れなければユーザーID先頭8文字。
func FallbackUsername(session *authclient.Session) string {
	if at := strings.Index(session.Email, "@"); at > 0 {
		return session.Email[:at]
	}
	if len(session.UserID) >= 8 {
		return session.UserID[:8]
	}
	return session.UserID
}
