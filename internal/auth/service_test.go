package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/omoide/internal/mailer"
	"github.com/hitoshi/omoide/internal/model"
	"github.com/hitoshi/omoide/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	createFn      func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

type mockOTPRepo struct {
	createFn             func(ctx context.Context, otp *model.OTPCode) error
	findByEmailAndCodeFn func(ctx context.Context, email, code string) (*model.OTPCode, error)
	consumeFn            func(ctx context.Context, id string) (bool, error)
}

func (m *mockOTPRepo) Create(ctx context.Context, otp *model.OTPCode) error {
	if m.createFn != nil {
		return m.createFn(ctx, otp)
	}
	return nil
}

func (m *mockOTPRepo) FindByEmailAndCode(ctx context.Context, email, code string) (*model.OTPCode, error) {
	if m.findByEmailAndCodeFn != nil {
		return m.findByEmailAndCodeFn(ctx, email, code)
	}
	return nil, nil
}

func (m *mockOTPRepo) Consume(ctx context.Context, id string) (bool, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, id)
	}
	return true, nil
}

func (m *mockOTPRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

type mockAuthCodeRepo struct {
	createFn     func(ctx context.Context, code *model.AuthCode) error
	findByCodeFn func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error)
	consumeFn    func(ctx context.Context, id string) (bool, error)
}

func (m *mockAuthCodeRepo) Create(ctx context.Context, code *model.AuthCode) error {
	if m.createFn != nil {
		return m.createFn(ctx, code)
	}
	return nil
}

func (m *mockAuthCodeRepo) FindByCode(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
	if m.findByCodeFn != nil {
		return m.findByCodeFn(ctx, code, kind)
	}
	return nil, nil
}

func (m *mockAuthCodeRepo) Consume(ctx context.Context, id string) (bool, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, id)
	}
	return true, nil
}

func (m *mockAuthCodeRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

type mockMailer struct {
	sendFn func(ctx context.Context, to, subject, body string) error
}

func (m *mockMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.sendFn != nil {
		return m.sendFn(ctx, to, subject, body)
	}
	return nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ repository.OTPRepository = (*mockOTPRepo)(nil)
var _ repository.AuthCodeRepository = (*mockAuthCodeRepo)(nil)
var _ mailer.Mailer = (*mockMailer)(nil)

func testConfig() ServiceConfig {
	return ServiceConfig{
		SessionMaxAge: 86400,
		OTPTTL:        10 * time.Minute,
		AuthCodeTTL:   10 * time.Minute,
		BaseURL:       "https://omoide.example",
	}
}

// --- テスト ---

func TestRequestCode_NewUser_CreatesUserAndSendsMail(t *testing.T) {
	ctx := context.Background()

	var createdUser *model.User
	var createdOTP *model.OTPCode
	var createdAuthCode *model.AuthCode
	var sentTo, sentBody string

	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return nil, nil
		},
		createFn: func(ctx context.Context, user *model.User) error {
			createdUser = user
			return nil
		},
	}
	otpRepo := &mockOTPRepo{
		createFn: func(ctx context.Context, otp *model.OTPCode) error {
			createdOTP = otp
			return nil
		},
	}
	authCodeRepo := &mockAuthCodeRepo{
		createFn: func(ctx context.Context, code *model.AuthCode) error {
			createdAuthCode = code
			return nil
		},
	}
	m := &mockMailer{
		sendFn: func(ctx context.Context, to, subject, body string) error {
			sentTo = to
			sentBody = body
			return nil
		},
	}

	svc := NewService(userRepo, nil, otpRepo, authCodeRepo, m, testConfig())

	if err := svc.RequestCode(ctx, "Test@Example.com"); err != nil {
		t.Fatalf("RequestCode() error = %v", err)
	}

	// メールアドレスは小文字に正規化されること
	if createdUser == nil {
		t.Fatal("expected user to be created")
	}
	if createdUser.Email != "test@example.com" {
		t.Errorf("user email = %q, want %q", createdUser.Email, "test@example.com")
	}

	// 6桁のワンタイムコードが発行されること
	if createdOTP == nil {
		t.Fatal("expected otp code to be created")
	}
	if len(createdOTP.Code) != 6 {
		t.Errorf("otp code length = %d, want 6", len(createdOTP.Code))
	}
	if createdOTP.UserID != createdUser.ID {
		t.Errorf("otp userID = %q, want %q", createdOTP.UserID, createdUser.ID)
	}

	// マジックリンク用トークンが発行されること
	if createdAuthCode == nil {
		t.Fatal("expected link code to be created")
	}
	if createdAuthCode.Kind != model.AuthCodeKindLink {
		t.Errorf("auth code kind = %q, want %q", createdAuthCode.Kind, model.AuthCodeKindLink)
	}

	// コードとリンクがメールに含まれること
	if sentTo != "test@example.com" {
		t.Errorf("mail to = %q, want %q", sentTo, "test@example.com")
	}
	if !strings.Contains(sentBody, createdOTP.Code) {
		t.Error("mail body should contain the otp code")
	}
	if !strings.Contains(sentBody, "https://omoide.example/auth/confirm?token="+createdAuthCode.Code) {
		t.Error("mail body should contain the confirm URL")
	}
}

func TestRequestCode_ExistingUser_DoesNotCreateUser(t *testing.T) {
	ctx := context.Background()

	created := false
	userRepo := &mockUserRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{ID: "user-1", Email: email}, nil
		},
		createFn: func(ctx context.Context, user *model.User) error {
			created = true
			return nil
		},
	}

	svc := NewService(userRepo, nil, &mockOTPRepo{}, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	if err := svc.RequestCode(ctx, "test@example.com"); err != nil {
		t.Fatalf("RequestCode() error = %v", err)
	}
	if created {
		t.Error("existing user should not be re-created")
	}
}

func TestRequestCode_InvalidEmail_ReturnsInvalidEmailError(t *testing.T) {
	svc := NewService(&mockUserRepo{}, nil, &mockOTPRepo{}, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	err := svc.RequestCode(context.Background(), "not-an-email")
	if err == nil {
		t.Fatal("expected error for invalid email")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeInvalidEmail {
		t.Errorf("error code = %q, want %q", apiErr.Code, model.ErrCodeInvalidEmail)
	}
}

func TestVerifyCode_ValidCode_CreatesSession(t *testing.T) {
	ctx := context.Background()

	var consumedID string
	var createdSession *model.Session

	otpRepo := &mockOTPRepo{
		findByEmailAndCodeFn: func(ctx context.Context, email, code string) (*model.OTPCode, error) {
			return &model.OTPCode{
				ID:        "otp-1",
				UserID:    "user-1",
				Email:     email,
				Code:      code,
				ExpiresAt: time.Now().Add(5 * time.Minute),
			}, nil
		},
		consumeFn: func(ctx context.Context, id string) (bool, error) {
			consumedID = id
			return true, nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := NewService(&mockUserRepo{}, sessionRepo, otpRepo, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	session, err := svc.VerifyCode(ctx, "test@example.com", "123456")
	if err != nil {
		t.Fatalf("VerifyCode() error = %v", err)
	}

	if session == nil {
		t.Fatal("expected non-nil session")
	}
	if session.UserID != "user-1" {
		t.Errorf("session userID = %q, want %q", session.UserID, "user-1")
	}
	if consumedID != "otp-1" {
		t.Errorf("consumed otp ID = %q, want %q", consumedID, "otp-1")
	}
	if createdSession == nil {
		t.Fatal("expected session to be persisted")
	}
	if createdSession.ExpiresAt.Before(time.Now()) {
		t.Error("session should not be expired")
	}
}

func TestVerifyCode_MalformedCode_RejectsWithoutRepoCall(t *testing.T) {
	repoCalled := false
	otpRepo := &mockOTPRepo{
		findByEmailAndCodeFn: func(ctx context.Context, email, code string) (*model.OTPCode, error) {
			repoCalled = true
			return nil, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, otpRepo, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	for _, code := range []string{"", "12345", "1234567", "12345a", "abcdef"} {
		_, err := svc.VerifyCode(context.Background(), "test@example.com", code)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCode {
			t.Errorf("VerifyCode(%q) error = %v, want INVALID_CODE", code, err)
		}
	}
	if repoCalled {
		t.Error("malformed code should be rejected before the repository lookup")
	}
}

func TestVerifyCode_UnknownCode_ReturnsInvalidCodeError(t *testing.T) {
	otpRepo := &mockOTPRepo{
		findByEmailAndCodeFn: func(ctx context.Context, email, code string) (*model.OTPCode, error) {
			return nil, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, otpRepo, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	_, err := svc.VerifyCode(context.Background(), "test@example.com", "123456")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCode {
		t.Errorf("error = %v, want INVALID_CODE", err)
	}
}

func TestVerifyCode_ExpiredCode_ReturnsExpiredCodeError(t *testing.T) {
	otpRepo := &mockOTPRepo{
		findByEmailAndCodeFn: func(ctx context.Context, email, code string) (*model.OTPCode, error) {
			return &model.OTPCode{
				ID:        "otp-1",
				UserID:    "user-1",
				ExpiresAt: time.Now().Add(-1 * time.Minute),
			}, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, otpRepo, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	_, err := svc.VerifyCode(context.Background(), "test@example.com", "123456")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeExpiredCode {
		t.Errorf("error = %v, want EXPIRED_CODE", err)
	}
}

func TestVerifyCode_ConsumedCode_ReturnsInvalidCodeError(t *testing.T) {
	consumedAt := time.Now().Add(-1 * time.Minute)
	otpRepo := &mockOTPRepo{
		findByEmailAndCodeFn: func(ctx context.Context, email, code string) (*model.OTPCode, error) {
			return &model.OTPCode{
				ID:         "otp-1",
				UserID:     "user-1",
				ExpiresAt:  time.Now().Add(5 * time.Minute),
				ConsumedAt: &consumedAt,
			}, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, otpRepo, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	_, err := svc.VerifyCode(context.Background(), "test@example.com", "123456")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidCode {
		t.Errorf("error = %v, want INVALID_CODE", err)
	}
}

func TestExchangeLinkToken_ValidToken_MintsExchangeCode(t *testing.T) {
	ctx := context.Background()

	var consumedID string
	var mintedCode *model.AuthCode

	authCodeRepo := &mockAuthCodeRepo{
		findByCodeFn: func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
			if kind != model.AuthCodeKindLink {
				t.Errorf("lookup kind = %q, want %q", kind, model.AuthCodeKindLink)
			}
			return &model.AuthCode{
				ID:        "link-1",
				UserID:    "user-1",
				Code:      code,
				Kind:      model.AuthCodeKindLink,
				ExpiresAt: time.Now().Add(5 * time.Minute),
			}, nil
		},
		consumeFn: func(ctx context.Context, id string) (bool, error) {
			consumedID = id
			return true, nil
		},
		createFn: func(ctx context.Context, code *model.AuthCode) error {
			mintedCode = code
			return nil
		},
	}

	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, &mockOTPRepo{}, authCodeRepo, &mockMailer{}, testConfig())

	exchangeToken, err := svc.ExchangeLinkToken(ctx, "link-token")
	if err != nil {
		t.Fatalf("ExchangeLinkToken() error = %v", err)
	}

	if consumedID != "link-1" {
		t.Errorf("consumed link ID = %q, want %q", consumedID, "link-1")
	}
	if mintedCode == nil {
		t.Fatal("expected exchange code to be minted")
	}
	if mintedCode.Kind != model.AuthCodeKindExchange {
		t.Errorf("minted kind = %q, want %q", mintedCode.Kind, model.AuthCodeKindExchange)
	}
	if mintedCode.UserID != "user-1" {
		t.Errorf("minted userID = %q, want %q", mintedCode.UserID, "user-1")
	}
	if exchangeToken != mintedCode.Code {
		t.Errorf("returned token = %q, want minted code %q", exchangeToken, mintedCode.Code)
	}
}

func TestExchangeLinkToken_UnknownToken_ReturnsAccessDeniedError(t *testing.T) {
	authCodeRepo := &mockAuthCodeRepo{
		findByCodeFn: func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
			return nil, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, &mockOTPRepo{}, authCodeRepo, &mockMailer{}, testConfig())

	_, err := svc.ExchangeLinkToken(context.Background(), "unknown")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAccessDenied {
		t.Errorf("error = %v, want ACCESS_DENIED", err)
	}
}

func TestExchangeLinkToken_ExpiredToken_ReturnsExpiredCodeError(t *testing.T) {
	authCodeRepo := &mockAuthCodeRepo{
		findByCodeFn: func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
			return &model.AuthCode{
				ID:        "link-1",
				UserID:    "user-1",
				Kind:      model.AuthCodeKindLink,
				ExpiresAt: time.Now().Add(-1 * time.Minute),
			}, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, &mockOTPRepo{}, authCodeRepo, &mockMailer{}, testConfig())

	_, err := svc.ExchangeLinkToken(context.Background(), "expired")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeExpiredCode {
		t.Errorf("error = %v, want EXPIRED_CODE", err)
	}
}

func TestExchangeAuthCode_ValidCode_CreatesSession(t *testing.T) {
	ctx := context.Background()

	var createdSession *model.Session

	authCodeRepo := &mockAuthCodeRepo{
		findByCodeFn: func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
			if kind != model.AuthCodeKindExchange {
				t.Errorf("lookup kind = %q, want %q", kind, model.AuthCodeKindExchange)
			}
			return &model.AuthCode{
				ID:        "exchange-1",
				UserID:    "user-1",
				Code:      code,
				Kind:      model.AuthCodeKindExchange,
				ExpiresAt: time.Now().Add(5 * time.Minute),
			}, nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			createdSession = session
			return nil
		},
	}

	svc := NewService(&mockUserRepo{}, sessionRepo, &mockOTPRepo{}, authCodeRepo, &mockMailer{}, testConfig())

	session, err := svc.ExchangeAuthCode(ctx, "exchange-token")
	if err != nil {
		t.Fatalf("ExchangeAuthCode() error = %v", err)
	}
	if session == nil || session.UserID != "user-1" {
		t.Fatalf("session = %+v, want userID user-1", session)
	}
	if createdSession == nil {
		t.Fatal("expected session to be persisted")
	}
}

func TestExchangeAuthCode_ConsumedCode_ReturnsExchangeFailedError(t *testing.T) {
	consumedAt := time.Now().Add(-1 * time.Minute)
	authCodeRepo := &mockAuthCodeRepo{
		findByCodeFn: func(ctx context.Context, code string, kind model.AuthCodeKind) (*model.AuthCode, error) {
			return &model.AuthCode{
				ID:         "exchange-1",
				UserID:     "user-1",
				Kind:       model.AuthCodeKindExchange,
				ExpiresAt:  time.Now().Add(5 * time.Minute),
				ConsumedAt: &consumedAt,
			}, nil
		},
	}
	svc := NewService(&mockUserRepo{}, &mockSessionRepo{}, &mockOTPRepo{}, authCodeRepo, &mockMailer{}, testConfig())

	_, err := svc.ExchangeAuthCode(context.Background(), "used-token")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeExchangeFailed {
		t.Errorf("error = %v, want EXCHANGE_FAILED", err)
	}
}

func TestCurrentSession_MissingSession_ReturnsNoSessionError(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return nil, nil
		},
	}
	svc := NewService(&mockUserRepo{}, sessionRepo, &mockOTPRepo{}, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	for _, sessionID := range []string{"", "nonexistent"} {
		_, err := svc.CurrentSession(context.Background(), sessionID)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNoSession {
			t.Errorf("CurrentSession(%q) error = %v, want NO_SESSION", sessionID, err)
		}
	}
}

func TestGetCurrentUser_ValidSession_ReturnsUser(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "test@example.com"}, nil
		},
	}
	svc := NewService(userRepo, sessionRepo, &mockOTPRepo{}, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	user, err := svc.GetCurrentUser(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user ID = %q, want %q", user.ID, "user-1")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	var deletedID string
	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedID = id
			return nil
		},
	}
	svc := NewService(&mockUserRepo{}, sessionRepo, &mockOTPRepo{}, &mockAuthCodeRepo{}, &mockMailer{}, testConfig())

	if err := svc.Logout(context.Background(), "session-1"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deletedID != "session-1" {
		t.Errorf("deleted session ID = %q, want %q", deletedID, "session-1")
	}
}

func TestGenerateOTPCode_SixDigits(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateOTPCode()
		if err != nil {
			t.Fatalf("generateOTPCode() error = %v", err)
		}
		if !otpCodePattern.MatchString(code) {
			t.Fatalf("generateOTPCode() = %q, want 6 digits", code)
		}
	}
}
