// Package syncer はタブ間・デバイス間でログイン状態を一致させる
// セッション同期コンポーネントを提供する。
//
// 同期のきっかけは4種類（ネイティブ変更通知、ストレージ変更、
// ブロードキャスト、ポーリング）あり、すべて単一の再確認処理に
// 集約される。再確認は冪等で、取得したセッションが現在の状態と
// 同じであれば副作用を持たない。
package syncer

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/hitoshi/omoide/internal/client/authclient"
	"github.com/hitoshi/omoide/internal/client/notifier"
	"github.com/hitoshi/omoide/internal/client/profile"
	"github.com/hitoshi/omoide/internal/client/tokenstore"
)

// State は同期コンポーネントの状態。
type State string

const (
	// StateLoading は初回のセッション取得が完了していない状態。
	StateLoading State = "loading"
	// StateUnauthenticated は未ログイン状態。
	StateUnauthenticated State = "unauthenticated"
	// StateAuthenticated はログイン済み状態。
	StateAuthenticated State = "authenticated"
)

// TriggerKind は再確認のきっかけの種別。
// 種別が挙動を変えることはなく、再確認処理はすべて共通。
// 例外は2つ: サインアウトを伝えられるのはネイティブ通知だけであり、
// ポーリングはコード送付中しか動かない。
type TriggerKind string

const (
	TriggerNative    TriggerKind = "native"
	TriggerStorage   TriggerKind = "storage"
	TriggerBroadcast TriggerKind = "broadcast"
	TriggerPoll      TriggerKind = "poll"
)

// defaultPollInterval は外部ログイン完了待ちのポーリング間隔。
const defaultPollInterval = time.Second

// codePattern は6桁のワンタイムコードの形式。
// リモート呼び出しの前にクライアント側で検証する。
var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Snapshot はビュー層へ公開する読み取り専用の状態。
type Snapshot struct {
	State     State
	Session   *authclient.Session
	Profile   *profile.Profile
	Loading   bool
	AuthError *authclient.AuthError
	// CodeSent はコード送付済みで入力待ちであることを示す。
	CodeSent bool
}

// ProfileResolver はプロフィールの取得・遅延作成インターフェース。
type ProfileResolver interface {
	EnsureProfile(ctx context.Context, session *authclient.Session) *profile.Profile
}

// StoreBridge はセッションストアのうち同期コンポーネントが使う操作。
// tokenstore.Storeがそのまま満たす。
type StoreBridge interface {
	// Mutations は他コンテキストによるキー変更の通知チャネルを返す。
	Mutations() (<-chan tokenstore.Mutation, error)
	// SetConfirmMarker はログイン完了マーカーを書き込む。
	SetConfirmMarker() error
}

// Options はSyncerの設定。
type Options struct {
	// PollInterval はポーリング間隔。ゼロの場合は1秒。
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Syncer はセッション状態の唯一の所有者。
// 状態はSnapshotで読み取り専用に公開され、外部から直接変更されることはない。
type Syncer struct {
	api      authclient.API
	bridge   StoreBridge
	hub      *notifier.Hub
	resolver ProfileResolver
	logger   *slog.Logger

	pollInterval time.Duration

	mu        sync.RWMutex
	snap      Snapshot
	pollArmed bool

	nativeCh chan *authclient.Session
	updates  chan Snapshot

	cancelCtx       context.Context
	cancel          context.CancelFunc
	broadcastCancel func()
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// New はSyncerを生成する。Startを呼ぶまで同期は開始されない。
func New(api authclient.API, bridge StoreBridge, hub *notifier.Hub, resolver ProfileResolver, opts Options) *Syncer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		api:          api,
		bridge:       bridge,
		hub:          hub,
		resolver:     resolver,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		snap:         Snapshot{State: StateLoading, Loading: true},
		nativeCh:     make(chan *authclient.Session, 8),
		updates:      make(chan Snapshot, 1),
		cancelCtx:    ctx,
		cancel:       cancel,
	}
}

// Start は4種類のトリガーの購読と同期ループを開始する。
func (s *Syncer) Start() error {
	// ネイティブ変更通知
	s.api.OnSessionChange(func(session *authclient.Session) {
		select {
		case s.nativeCh <- session:
		case <-s.cancelCtx.Done():
		}
	})

	// ストレージ変更通知
	mutations, err := s.bridge.Mutations()
	if err != nil {
		return err
	}

	// ブロードキャスト
	broadcasts, cancel := s.hub.Subscribe(notifier.TopicAuthSync)
	s.broadcastCancel = cancel

	s.wg.Add(1)
	go s.loop(mutations, broadcasts)
	return nil
}

// Close は同期ループと全購読を解放する。
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.broadcastCancel != nil {
			s.broadcastCancel()
		}
		s.wg.Wait()
	})
}

// Snapshot は現在の状態のコピーを返す。
func (s *Syncer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Updates は状態変更の通知チャネルを返す。
// 通知は最新の1件に間引かれる（スナップショットの取り直しで十分なため）。
func (s *Syncer) Updates() <-chan Snapshot {
	return s.updates
}

// RequestCode はワンタイムコードの送付を要求し、外部ログイン完了待ちの
// ポーリングを開始する。
func (s *Syncer) RequestCode(ctx context.Context, email string) error {
	if err := s.api.RequestCode(ctx, email); err != nil {
		s.setAuthError(err)
		return err
	}

	s.mu.Lock()
	s.snap.CodeSent = true
	s.snap.AuthError = nil
	s.pollArmed = true
	s.mu.Unlock()
	s.publish()
	return nil
}

// VerifyCode はワンタイムコードを検証する。
// 6桁の数字でない入力はリモート呼び出しの前に拒否される。
func (s *Syncer) VerifyCode(ctx context.Context, email, code string) error {
	if !codePattern.MatchString(code) {
		err := &authclient.AuthError{
			Kind:    authclient.KindInvalidCode,
			Message: "6桁の数字コードを入力してください。",
		}
		s.setAuthError(err)
		return err
	}

	session, err := s.api.VerifyCode(ctx, email, code)
	if err != nil {
		s.setAuthError(err)
		return err
	}

	s.adoptSession(ctx, session)
	s.announceLogin()
	return nil
}

// HandleCallbackURL はリダイレクトで戻されたURLを処理する。
// codeパラメータは認可コード交換を、error系パラメータはAuthErrorの
// 表示をトリガーする。処理済みのパラメータを取り除いたURLを返す。
func (s *Syncer) HandleCallbackURL(ctx context.Context, rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()

	if code := query.Get("code"); code != "" {
		session, exchangeErr := s.api.ExchangeAuthorizationCode(ctx, code)
		if exchangeErr != nil {
			s.setAuthError(classifyExchangeError(exchangeErr))
		} else {
			s.adoptSession(ctx, session)
			s.announceLogin()
		}
	} else if query.Get("error") != "" || query.Get("error_code") != "" {
		s.setAuthError(classifyURLError(query))
	}

	// 処理済みパラメータを表示URLから取り除く
	query.Del("code")
	query.Del("error")
	query.Del("error_code")
	query.Del("error_description")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// SignOut はセッションを破棄し、未ログイン状態へ遷移する。
func (s *Syncer) SignOut(ctx context.Context) error {
	err := s.api.SignOut(ctx)

	s.mu.Lock()
	s.snap = Snapshot{State: StateUnauthenticated}
	s.pollArmed = false
	s.mu.Unlock()
	s.publish()
	return err
}

// ResetCode はコード送付済み状態を取り消し、ポーリングを止める。
// ユーザーがコードの再送信を選んだときに呼ばれる。
func (s *Syncer) ResetCode() {
	s.mu.Lock()
	s.snap.CodeSent = false
	s.snap.AuthError = nil
	s.pollArmed = false
	s.mu.Unlock()
	s.publish()
}

// ClearAuthError は表示中のエラーを消去する。
func (s *Syncer) ClearAuthError() {
	s.mu.Lock()
	s.snap.AuthError = nil
	s.mu.Unlock()
	s.publish()
}

// loop は全トリガーを受け付ける単一の同期ループ。
func (s *Syncer) loop(mutations <-chan tokenstore.Mutation, broadcasts <-chan string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// 初回のセッション解決でLoadingを抜ける
	s.recheck(s.cancelCtx, TriggerStorage)

	for {
		select {
		case <-s.cancelCtx.Done():
			return

		case session := <-s.nativeCh:
			s.handleNative(session)

		case m, ok := <-mutations:
			if !ok {
				mutations = nil
				continue
			}
			// 監視対象はリモート認証クライアントのセッションキーと
			// ログイン完了マーカーのみ
			if m.Key == authclient.SessionKey || m.Key == tokenstore.ConfirmMarkerKey {
				s.recheck(s.cancelCtx, TriggerStorage)
			}

		case _, ok := <-broadcasts:
			if !ok {
				broadcasts = nil
				continue
			}
			s.recheck(s.cancelCtx, TriggerBroadcast)

		case <-ticker.C:
			if s.pollArmedNow() {
				s.recheck(s.cancelCtx, TriggerPoll)
			}
		}
	}
}

// handleNative はネイティブ変更通知を処理する。
// サインアウトを伝えられる唯一のトリガー。
func (s *Syncer) handleNative(session *authclient.Session) {
	if session == nil {
		s.mu.Lock()
		alreadyOut := s.snap.State == StateUnauthenticated
		if !alreadyOut {
			s.snap = Snapshot{State: StateUnauthenticated}
			s.pollArmed = false
		}
		s.mu.Unlock()
		if !alreadyOut {
			s.publish()
		}
		return
	}
	s.adoptSession(s.cancelCtx, session)
}

// recheck は共通の再確認処理。セッションを取り直し、見つかった場合のみ
// 状態を進める。セッションの不在がログアウトとして扱われるのは初回
// 解決時だけで、ストレージ・ブロードキャスト・ポーリングが認証済み
// 状態を取り消すことはない（古い読み取りによる誤ログアウトを防ぐ）。
func (s *Syncer) recheck(ctx context.Context, kind TriggerKind) {
	s.mu.RLock()
	authenticated := s.snap.State == StateAuthenticated
	s.mu.RUnlock()

	if authenticated && kind == TriggerPoll {
		return
	}

	session, err := s.api.CurrentSession(ctx)
	if err != nil || session == nil {
		s.mu.Lock()
		if s.snap.State == StateLoading {
			s.snap.State = StateUnauthenticated
			s.snap.Loading = false
			s.mu.Unlock()
			s.publish()
			return
		}
		s.mu.Unlock()
		return
	}

	s.adoptSession(ctx, session)
}

// adoptSession は認証済み状態へ遷移する。
// すでに同じセッションを保持している場合は何もしない（冪等性）。
func (s *Syncer) adoptSession(ctx context.Context, session *authclient.Session) {
	s.mu.Lock()
	if s.snap.State == StateAuthenticated &&
		s.snap.Session != nil && s.snap.Session.AccessToken == session.AccessToken {
		s.mu.Unlock()
		return
	}
	s.snap.State = StateAuthenticated
	s.snap.Session = session
	s.snap.Loading = false
	s.snap.AuthError = nil
	s.snap.CodeSent = false
	s.pollArmed = false
	s.mu.Unlock()
	s.publish()

	resolved := s.resolver.EnsureProfile(ctx, session)
	s.mu.Lock()
	changed := false
	if s.snap.State == StateAuthenticated && resolved != nil {
		s.snap.Profile = resolved
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// announceLogin はログイン完了を他コンテキストへ伝える。
// マーカーキーは同一デバイスの別コンテキスト向け、
// ブロードキャストは購読中のコンテキスト向け。どちらもベストエフォート。
func (s *Syncer) announceLogin() {
	if err := s.bridge.SetConfirmMarker(); err != nil {
		s.logger.Warn("failed to write confirm marker", slog.String("error", err.Error()))
	}
	s.hub.Publish(notifier.TopicAuthSync, "signed-in")
}

// setAuthError はエラーをスナップショットへ反映する。
// 期限切れコードはコード送付済み状態も取り消し、メール入力からやり直せるようにする。
func (s *Syncer) setAuthError(err error) {
	authErr, ok := err.(*authclient.AuthError)
	if !ok {
		authErr = &authclient.AuthError{
			Kind:    authclient.KindUnknown,
			Message: "ログイン処理でエラーが発生しました。もう一度お試しください。",
		}
	}

	s.mu.Lock()
	s.snap.AuthError = authErr
	if authErr.Kind == authclient.KindExpiredCode {
		s.snap.CodeSent = false
		s.pollArmed = false
	}
	s.mu.Unlock()
	s.publish()
}

// pollArmedNow はこのティックでリモート取得を行うべきかを返す。
func (s *Syncer) pollArmedNow() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollArmed && s.snap.State != StateAuthenticated
}

// publish は最新スナップショットを通知チャネルへ送る。
// 受信が追いついていない場合は古い通知を捨てて置き換える。
func (s *Syncer) publish() {
	snap := s.Snapshot()
	for {
		select {
		case s.updates <- snap:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

// classifyURLError はリダイレクトURLのエラーパラメータを分類する。
func classifyURLError(query url.Values) *authclient.AuthError {
	switch {
	case query.Get("error_code") == "otp_expired":
		return &authclient.AuthError{
			Kind:    authclient.KindExpiredCode,
			Message: "ログインリンクの有効期限が切れています。新しいコードを再送信してください。",
		}
	case query.Get("error") == "access_denied":
		return &authclient.AuthError{
			Kind:    authclient.KindAccessDenied,
			Message: "アクセスが拒否されました。もう一度お試しください。",
		}
	default:
		message := query.Get("error_description")
		if message == "" {
			message = "ログイン処理でエラーが発生しました。"
		}
		return &authclient.AuthError{
			Kind:    authclient.KindUnknown,
			Message: message,
		}
	}
}

// classifyExchangeError は認可コード交換の失敗を分類する。
// プロバイダーのメッセージは案内文に添えて表示する。
func classifyExchangeError(err error) *authclient.AuthError {
	if authErr, ok := err.(*authclient.AuthError); ok {
		return &authclient.AuthError{
			Kind:    authErr.Kind,
			Message: "ログインリンクの処理に失敗しました: " + authErr.Message,
		}
	}
	return &authclient.AuthError{
		Kind:    authclient.KindExchangeFailed,
		Message: "ログインリンクの処理に失敗しました。",
	}
}
