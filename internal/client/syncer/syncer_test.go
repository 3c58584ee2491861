package syncer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hitoshi/omoide/internal/client/authclient"
	"github.com/hitoshi/omoide/internal/client/notifier"
	"github.com/hitoshi/omoide/internal/client/profile"
	"github.com/hitoshi/omoide/internal/client/tokenstore"
)

// mockAPI はauthclient.APIのモック実装。
// CurrentSessionが返すセッションと呼び出し回数を制御・観測できる。
type mockAPI struct {
	mu           sync.Mutex
	session      *authclient.Session
	currentCalls int

	requestCodeErr error
	verifyCodeFn   func(email, code string) (*authclient.Session, error)
	verifyCalls    int
	exchangeFn     func(code string) (*authclient.Session, error)

	changeFns []func(*authclient.Session)
}

func (m *mockAPI) RequestCode(ctx context.Context, email string) error {
	return m.requestCodeErr
}

func (m *mockAPI) VerifyCode(ctx context.Context, email, code string) (*authclient.Session, error) {
	m.mu.Lock()
	m.verifyCalls++
	fn := m.verifyCodeFn
	m.mu.Unlock()
	if fn != nil {
		return fn(email, code)
	}
	return nil, &authclient.AuthError{Kind: authclient.KindInvalidCode, Message: "invalid"}
}

func (m *mockAPI) ExchangeAuthorizationCode(ctx context.Context, code string) (*authclient.Session, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(code)
	}
	return nil, &authclient.AuthError{Kind: authclient.KindExchangeFailed, Message: "exchange failed"}
}

func (m *mockAPI) CurrentSession(ctx context.Context) (*authclient.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentCalls++
	return m.session, nil
}

func (m *mockAPI) SignOut(ctx context.Context) error {
	m.setSession(nil)
	return nil
}

func (m *mockAPI) OnSessionChange(fn func(*authclient.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeFns = append(m.changeFns, fn)
}

func (m *mockAPI) setSession(session *authclient.Session) {
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
}

func (m *mockAPI) currentSessionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCalls
}

func (m *mockAPI) verifyCodeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls
}

// fireNative は登録済みのネイティブ変更コールバックを発火する。
func (m *mockAPI) fireNative(session *authclient.Session) {
	m.mu.Lock()
	fns := make([]func(*authclient.Session), len(m.changeFns))
	copy(fns, m.changeFns)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(session)
	}
}

var _ authclient.API = (*mockAPI)(nil)

// mockBridge はStoreBridgeのモック実装。
type mockBridge struct {
	mu        sync.Mutex
	mutations chan tokenstore.Mutation
	markers   int
}

func newMockBridge() *mockBridge {
	return &mockBridge{mutations: make(chan tokenstore.Mutation, 8)}
}

func (b *mockBridge) Mutations() (<-chan tokenstore.Mutation, error) {
	return b.mutations, nil
}

func (b *mockBridge) SetConfirmMarker() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markers++
	return nil
}

func (b *mockBridge) markerWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markers
}

var _ StoreBridge = (*mockBridge)(nil)

// mockResolver はProfileResolverのモック実装。EnsureProfileの呼び出し回数を数える。
type mockResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *mockResolver) EnsureProfile(ctx context.Context, session *authclient.Session) *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &profile.Profile{ID: "profile-1", UserID: session.UserID, Username: "hanako"}
}

func (r *mockResolver) ensureCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var _ ProfileResolver = (*mockResolver)(nil)

func testSession() *authclient.Session {
	return &authclient.Session{
		AccessToken: "token-1",
		UserID:      "user-1",
		Email:       "hanako@example.com",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

type fixture struct {
	api      *mockAPI
	bridge   *mockBridge
	hub      *notifier.Hub
	resolver *mockResolver
	syncer   *Syncer
}

func newFixture(t *testing.T, api *mockAPI, pollInterval time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		api:      api,
		bridge:   newMockBridge(),
		hub:      notifier.NewHub(),
		resolver: &mockResolver{},
	}
	f.syncer = New(f.api, f.bridge, f.hub, f.resolver, Options{
		PollInterval: pollInterval,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err := f.syncer.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return f
}

func (f *fixture) close() {
	f.syncer.Close()
	f.hub.Close()
}

// waitForState は指定状態になるまで待つ。
func waitForState(t *testing.T, s *Syncer, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if s.Snapshot().State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %q, want %q", s.Snapshot().State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSyncer_InitialResolve_NoSessionBecomesUnauthenticated(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	snap := f.syncer.Snapshot()
	if snap.Loading {
		t.Error("loading should be cleared after the initial resolve")
	}
}

func TestSyncer_InitialResolve_ExistingSessionBecomesAuthenticated(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{session: testSession()}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateAuthenticated)
}

// 4種類のどのシグナルから見ても、ログイン完了後の再確認は認証済み状態へ到達する。
func TestSyncer_OrderIndependence_AnySignalDiscoversLogin(t *testing.T) {
	signals := []struct {
		name string
		fire func(f *fixture)
	}{
		{name: "storage mutation", fire: func(f *fixture) {
			f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
		}},
		{name: "confirm marker", fire: func(f *fixture) {
			f.bridge.mutations <- tokenstore.Mutation{Key: tokenstore.ConfirmMarkerKey}
		}},
		{name: "broadcast", fire: func(f *fixture) {
			f.hub.Publish(notifier.TopicAuthSync, "signed-in")
		}},
		{name: "native change", fire: func(f *fixture) {
			f.api.fireNative(testSession())
		}},
	}

	for _, signal := range signals {
		t.Run(signal.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			f := newFixture(t, &mockAPI{}, time.Hour)
			defer f.close()

			waitForState(t, f.syncer, StateUnauthenticated)

			f.api.setSession(testSession())
			signal.fire(f)

			waitForState(t, f.syncer, StateAuthenticated)
		})
	}
}

// 同じセッションを指すシグナルが何度届いても、プロフィール解決は1回だけ。
func TestSyncer_Idempotence_RepeatedSignalsResolveProfileOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.setSession(testSession())

	// 全種類のシグナルを立て続けに送る
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
	f.hub.Publish(notifier.TopicAuthSync, "signed-in")
	f.bridge.mutations <- tokenstore.Mutation{Key: tokenstore.ConfirmMarkerKey}
	f.api.fireNative(testSession())

	waitForState(t, f.syncer, StateAuthenticated)
	time.Sleep(100 * time.Millisecond)

	if calls := f.resolver.ensureCalls(); calls != 1 {
		t.Errorf("EnsureProfile calls = %d, want 1", calls)
	}
}

func TestSyncer_PollDisarmedOnceAuthenticated(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, 10*time.Millisecond)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.verifyCodeFn = func(email, code string) (*authclient.Session, error) {
		return testSession(), nil
	}
	if err := f.syncer.RequestCode(context.Background(), "hanako@example.com"); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	if err := f.syncer.VerifyCode(context.Background(), "hanako@example.com", "123456"); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	waitForState(t, f.syncer, StateAuthenticated)

	// ログイン完了ブロードキャスト起因の再確認を先に流し切る
	time.Sleep(50 * time.Millisecond)

	// 認証後のポールティックはリモート取得を行わない
	before := f.api.currentSessionCalls()
	time.Sleep(100 * time.Millisecond)
	if after := f.api.currentSessionCalls(); after != before {
		t.Errorf("CurrentSession calls went from %d to %d after authentication", before, after)
	}
}

func TestSyncer_PollNotArmedBeforeCodeDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, 10*time.Millisecond)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	// コード送付前はポールティックでリモート取得しない
	before := f.api.currentSessionCalls()
	time.Sleep(100 * time.Millisecond)
	if after := f.api.currentSessionCalls(); after != before {
		t.Errorf("CurrentSession calls went from %d to %d without a dispatched code", before, after)
	}
}

// 別デバイスで完了したログインは、コード送付後のポーリングで発見される。
func TestSyncer_PollDiscoversExternalLogin(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, 10*time.Millisecond)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	if err := f.syncer.RequestCode(context.Background(), "hanako@example.com"); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}

	f.api.setSession(testSession())
	waitForState(t, f.syncer, StateAuthenticated)
}

func TestSyncer_ResetCodeDisarmsPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, 10*time.Millisecond)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	if err := f.syncer.RequestCode(context.Background(), "hanako@example.com"); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	f.syncer.ResetCode()

	before := f.api.currentSessionCalls()
	time.Sleep(100 * time.Millisecond)
	if after := f.api.currentSessionCalls(); after != before {
		t.Errorf("CurrentSession calls went from %d to %d after reset", before, after)
	}
	if f.syncer.Snapshot().CodeSent {
		t.Error("CodeSent should be cleared by reset")
	}
}

// ストレージ・ブロードキャスト・ポーリングのシグナルは認証済み状態を取り消さない。
func TestSyncer_SignalsNeverRevokeAuthentication(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.setSession(testSession())
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
	waitForState(t, f.syncer, StateAuthenticated)

	// セッションの読み取りが古くなってもシグナルでは失効しない
	f.api.setSession(nil)
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
	f.hub.Publish(notifier.TopicAuthSync, "re-check")
	time.Sleep(100 * time.Millisecond)

	if got := f.syncer.Snapshot().State; got != StateAuthenticated {
		t.Errorf("state = %q, signals must not revoke authentication", got)
	}
}

func TestSyncer_NativeSignOutRevokes(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.setSession(testSession())
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
	waitForState(t, f.syncer, StateAuthenticated)

	f.api.fireNative(nil)
	waitForState(t, f.syncer, StateUnauthenticated)
}

func TestSyncer_VerifyCode_RejectsNonSixDigitInputLocally(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	if err := f.syncer.RequestCode(context.Background(), "hanako@example.com"); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}

	for _, code := range []string{"123", "12345", "1234567", "abcdef", ""} {
		if err := f.syncer.VerifyCode(context.Background(), "hanako@example.com", code); err == nil {
			t.Errorf("VerifyCode(%q) should be rejected locally", code)
		}
	}

	if calls := f.api.verifyCodeCalls(); calls != 0 {
		t.Errorf("remote VerifyCode calls = %d, want 0 for invalid input", calls)
	}

	snap := f.syncer.Snapshot()
	if snap.AuthError == nil || snap.AuthError.Kind != authclient.KindInvalidCode {
		t.Error("local rejection should surface an invalid_code error")
	}
	if !snap.CodeSent {
		t.Error("invalid input must not reset the code-sent step")
	}
}

func TestSyncer_VerifyCode_ExpiredCodeResetsCodeSent(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	if err := f.syncer.RequestCode(context.Background(), "hanako@example.com"); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}

	f.api.verifyCodeFn = func(email, code string) (*authclient.Session, error) {
		return nil, &authclient.AuthError{Kind: authclient.KindExpiredCode, Message: "expired"}
	}
	if err := f.syncer.VerifyCode(context.Background(), "hanako@example.com", "123456"); err == nil {
		t.Fatal("expected an error for the expired code")
	}

	snap := f.syncer.Snapshot()
	if snap.CodeSent {
		t.Error("expired code should reset the code-sent step")
	}
	if snap.AuthError == nil || snap.AuthError.Kind != authclient.KindExpiredCode {
		t.Error("expected an expired_code error")
	}
}

func TestSyncer_VerifyCode_SuccessAnnouncesLogin(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.verifyCodeFn = func(email, code string) (*authclient.Session, error) {
		return testSession(), nil
	}
	if err := f.syncer.VerifyCode(context.Background(), "hanako@example.com", "123456"); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}

	waitForState(t, f.syncer, StateAuthenticated)
	if f.bridge.markerWrites() != 1 {
		t.Errorf("marker writes = %d, want 1", f.bridge.markerWrites())
	}
}

func TestSyncer_HandleCallbackURL_AccessDeniedIsClassifiedAndStripped(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	cleaned := f.syncer.HandleCallbackURL(context.Background(),
		"https://app.omoide.example/cards?error=access_denied&error_description=denied&page=2")

	snap := f.syncer.Snapshot()
	if snap.AuthError == nil || snap.AuthError.Kind != authclient.KindAccessDenied {
		t.Error("expected an access_denied error")
	}

	if strings.Contains(cleaned, "error") {
		t.Errorf("error params should be stripped, got %q", cleaned)
	}
	if !strings.Contains(cleaned, "page=2") {
		t.Errorf("unrelated params should be preserved, got %q", cleaned)
	}
}

func TestSyncer_HandleCallbackURL_OTPExpiredBecomesExpiredCode(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.syncer.HandleCallbackURL(context.Background(),
		"https://app.omoide.example/auth/callback?error=access_denied&error_code=otp_expired&error_description=expired")

	snap := f.syncer.Snapshot()
	if snap.AuthError == nil || snap.AuthError.Kind != authclient.KindExpiredCode {
		t.Error("otp_expired should be classified as expired_code")
	}
}

func TestSyncer_HandleCallbackURL_ExchangesCodeAndAnnounces(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	var exchanged string
	f.api.exchangeFn = func(code string) (*authclient.Session, error) {
		exchanged = code
		return testSession(), nil
	}

	cleaned := f.syncer.HandleCallbackURL(context.Background(),
		"https://app.omoide.example/auth/callback?code=exchange-code-1")

	waitForState(t, f.syncer, StateAuthenticated)
	if exchanged != "exchange-code-1" {
		t.Errorf("exchanged code = %q, want exchange-code-1", exchanged)
	}
	if strings.Contains(cleaned, "code=") {
		t.Errorf("code param should be stripped, got %q", cleaned)
	}
	if f.bridge.markerWrites() != 1 {
		t.Errorf("marker writes = %d, want 1", f.bridge.markerWrites())
	}
}

func TestSyncer_HandleCallbackURL_ExchangeFailureSurfacesError(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.exchangeFn = func(code string) (*authclient.Session, error) {
		return nil, &authclient.AuthError{Kind: authclient.KindExchangeFailed, Message: "already used"}
	}

	f.syncer.HandleCallbackURL(context.Background(),
		"https://app.omoide.example/auth/callback?code=used-code")

	snap := f.syncer.Snapshot()
	if snap.AuthError == nil || snap.AuthError.Kind != authclient.KindExchangeFailed {
		t.Error("expected an exchange_failed error")
	}
	if snap.AuthError != nil && !strings.Contains(snap.AuthError.Message, "already used") {
		t.Error("provider message should be appended to the error")
	}
	if snap.State != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated after a failed exchange", snap.State)
	}
}

func TestSyncer_SignOutClearsState(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.setSession(testSession())
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}
	waitForState(t, f.syncer, StateAuthenticated)

	if err := f.syncer.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	snap := f.syncer.Snapshot()
	if snap.State != StateUnauthenticated {
		t.Errorf("state = %q, want unauthenticated", snap.State)
	}
	if snap.Session != nil || snap.Profile != nil {
		t.Error("session and profile should be cleared on sign-out")
	}
}

func TestSyncer_ClearAuthError(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.syncer.HandleCallbackURL(context.Background(),
		"https://app.omoide.example/?error=access_denied")
	if f.syncer.Snapshot().AuthError == nil {
		t.Fatal("expected an auth error")
	}

	f.syncer.ClearAuthError()
	if f.syncer.Snapshot().AuthError != nil {
		t.Error("auth error should be cleared")
	}
}

func TestSyncer_UpdatesChannelDeliversSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &mockAPI{}, time.Hour)
	defer f.close()

	waitForState(t, f.syncer, StateUnauthenticated)

	f.api.setSession(testSession())
	f.bridge.mutations <- tokenstore.Mutation{Key: authclient.SessionKey}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-f.syncer.Updates():
			if snap.State == StateAuthenticated {
				return
			}
		case <-deadline:
			t.Fatal("updates channel never delivered the authenticated snapshot")
		}
	}
}
