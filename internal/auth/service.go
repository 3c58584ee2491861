// Package auth はワンタイムコード認証、マジックリンク認証、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/omoide/internal/mailer"
	"github.com/hitoshi/omoide/internal/model"
	"github.com/hitoshi/omoide/internal/repository"
)

// otpCodePattern は6桁のワンタイムコードの形式。
var otpCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int           // セッション有効期間（秒）
	OTPTTL        time.Duration // ワンタイムコードの有効期間
	AuthCodeTTL   time.Duration // 認可コードの有効期間
	BaseURL       string        // マジックリンクのベースURL
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo     repository.UserRepository
	sessionRepo  repository.SessionRepository
	otpRepo      repository.OTPRepository
	authCodeRepo repository.AuthCodeRepository
	mailer       mailer.Mailer
	config       ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	otpRepo repository.OTPRepository,
	authCodeRepo repository.AuthCodeRepository,
	m mailer.Mailer,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:     userRepo,
		sessionRepo:  sessionRepo,
		otpRepo:      otpRepo,
		authCodeRepo: authCodeRepo,
		mailer:       m,
		config:       config,
	}
}

// RequestCode はワンタイムコードとログインリンクをメールで送付する。
// 未登録ユーザーの場合はusersレコードを自動作成する。
func (s *Service) RequestCode(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewInvalidEmailError(email)
	}

	// 1. ユーザーを検索、未登録ならば作成
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil {
		now := time.Now()
		user = &model.User{
			ID:        uuid.New().String(),
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("email", email),
		)
	}

	// 2. 6桁のワンタイムコードを発行
	code, err := generateOTPCode()
	if err != nil {
		return fmt.Errorf("failed to generate otp code: %w", err)
	}

	now := time.Now()
	otp := &model.OTPCode{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(s.config.OTPTTL),
		CreatedAt: now,
	}
	if err := s.otpRepo.Create(ctx, otp); err != nil {
		return fmt.Errorf("failed to save otp code: %w", err)
	}

	// 3. マジックリンク用トークンを発行
	linkToken, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate link token: %w", err)
	}

	linkCode := &model.AuthCode{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Code:      linkToken,
		Kind:      model.AuthCodeKindLink,
		ExpiresAt: now.Add(s.config.AuthCodeTTL),
		CreatedAt: now,
	}
	if err := s.authCodeRepo.Create(ctx, linkCode); err != nil {
		return fmt.Errorf("failed to save link code: %w", err)
	}

	// 4. コードとリンクをメールで送付
	confirmURL := fmt.Sprintf("%s/auth/confirm?token=%s", strings.TrimRight(s.config.BaseURL, "/"), linkToken)
	body := fmt.Sprintf(
		"おもいでノートへのログインコード: %s\n\nまたは以下のリンクをクリックしてログインしてください:\n%s\n\nこのコードとリンクは%d分間有効です。\n心当たりがない場合はこのメールを無視してください。\n",
		code, confirmURL, int(s.config.OTPTTL.Minutes()),
	)
	if err := s.mailer.Send(ctx, email, "【おもいでノート】ログインコードのお知らせ", body); err != nil {
		return fmt.Errorf("failed to send login mail: %w", err)
	}

	slog.Info("login code issued",
		slog.String("user_id", user.ID),
		slog.String("email", email),
	)
	return nil
}

// VerifyCode はワンタイムコードを検証し、セッションを発行する。
// コード不一致・消費済みはInvalidCode、期限切れはExpiredCodeを返す。
func (s *Service) VerifyCode(ctx context.Context, email, code string) (*model.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !otpCodePattern.MatchString(code) {
		return nil, model.NewInvalidCodeError()
	}

	otp, err := s.otpRepo.FindByEmailAndCode(ctx, email, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find otp code: %w", err)
	}
	if otp == nil || otp.ConsumedAt != nil {
		return nil, model.NewInvalidCodeError()
	}
	if time.Now().After(otp.ExpiresAt) {
		return nil, model.NewExpiredCodeError()
	}

	consumed, err := s.otpRepo.Consume(ctx, otp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume otp code: %w", err)
	}
	if !consumed {
		// 同時リクエストに先を越された場合も不一致と同じ扱い
		return nil, model.NewInvalidCodeError()
	}

	session, err := s.createSession(ctx, otp.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("otp verified",
		slog.String("user_id", otp.UserID),
	)
	return session, nil
}

// ExchangeLinkToken はマジックリンクのトークンを検証し、交換用の認可コードを発行する。
// トークン不明・消費済みはAccessDenied、期限切れはExpiredCodeを返す。
func (s *Service) ExchangeLinkToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", model.NewAccessDeniedError()
	}

	linkCode, err := s.authCodeRepo.FindByCode(ctx, token, model.AuthCodeKindLink)
	if err != nil {
		return "", fmt.Errorf("failed to find link code: %w", err)
	}
	if linkCode == nil || linkCode.ConsumedAt != nil {
		return "", model.NewAccessDeniedError()
	}
	if time.Now().After(linkCode.ExpiresAt) {
		return "", model.NewExpiredCodeError()
	}

	consumed, err := s.authCodeRepo.Consume(ctx, linkCode.ID)
	if err != nil {
		return "", fmt.Errorf("failed to consume link code: %w", err)
	}
	if !consumed {
		return "", model.NewAccessDeniedError()
	}

	// 交換用コードを発行してリダイレクト先に渡す
	exchangeToken, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate exchange code: %w", err)
	}

	now := time.Now()
	exchangeCode := &model.AuthCode{
		ID:        uuid.New().String(),
		UserID:    linkCode.UserID,
		Code:      exchangeToken,
		Kind:      model.AuthCodeKindExchange,
		ExpiresAt: now.Add(s.config.AuthCodeTTL),
		CreatedAt: now,
	}
	if err := s.authCodeRepo.Create(ctx, exchangeCode); err != nil {
		return "", fmt.Errorf("failed to save exchange code: %w", err)
	}

	slog.Info("link token exchanged",
		slog.String("user_id", linkCode.UserID),
	)
	return exchangeToken, nil
}

// ExchangeAuthCode は交換用の認可コードを検証し、セッションを発行する。
// コード不明・消費済み・期限切れはExchangeFailedを返す。
func (s *Service) ExchangeAuthCode(ctx context.Context, code string) (*model.Session, error) {
	if code == "" {
		return nil, model.NewExchangeFailedError("認可コードが指定されていません")
	}

	exchangeCode, err := s.authCodeRepo.FindByCode(ctx, code, model.AuthCodeKindExchange)
	if err != nil {
		return nil, fmt.Errorf("failed to find exchange code: %w", err)
	}
	if exchangeCode == nil || exchangeCode.ConsumedAt != nil {
		return nil, model.NewExchangeFailedError("認可コードが無効か、すでに使用されています")
	}
	if time.Now().After(exchangeCode.ExpiresAt) {
		return nil, model.NewExchangeFailedError("認可コードの有効期限が切れています")
	}

	consumed, err := s.authCodeRepo.Consume(ctx, exchangeCode.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume exchange code: %w", err)
	}
	if !consumed {
		return nil, model.NewExchangeFailedError("認可コードが無効か、すでに使用されています")
	}

	session, err := s.createSession(ctx, exchangeCode.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("auth code exchanged",
		slog.String("user_id", exchangeCode.UserID),
	)
	return session, nil
}

// CurrentSession はセッションIDを検証し、セッションを返す。
// 無効または期限切れの場合はNoSessionエラーを返す。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.NewNoSessionError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewNoSessionError()
	}

	return session, nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	session, err := s.CurrentSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateToken は暗号的に安全な不透明トークンを生成する。
// セッションID、マジックリンクトークン、交換用コードで共通に使用する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateOTPCode は6桁のワンタイムコードを生成する。
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
