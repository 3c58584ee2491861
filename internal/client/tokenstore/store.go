// Package tokenstore は認証トークンの永続キーバリューストアを提供する。
// リモート認証クライアントがセッションを保存する先であり、
// 他プロセスによる変更をファイル監視で検知して通知する。
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// ConfirmMarkerKey はログイン完了を同一デバイスの別コンテキストへ
	// 伝えるための一時マーカーキー。ストア自身が所有する唯一のキー。
	ConfirmMarkerKey = "auth.confirm_marker"

	// markerTTL はマーカーキーが自動削除されるまでの時間。
	markerTTL = time.Second

	// writerKey は最後に書き込んだプロセスのIDを記録する予約キー。
	// 自プロセスの書き込みによる変更通知を抑制するために使う。
	writerKey = "_writer"
)

// Mutation はストアのキー変更通知。
type Mutation struct {
	Key string
}

// Store はJSONファイルを背後に持つキーバリューストア。
// 書き込みは一時ファイル経由のリネームでアトミックに行う。
type Store struct {
	path     string
	writerID string

	mu      sync.Mutex
	known   map[string]json.RawMessage
	markers []*time.Timer

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	mutations chan Mutation
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStore は指定パスのファイルを背後に持つStoreを生成する。
// ファイルが存在しない場合は初回書き込み時に作成される。
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}

	s := &Store{
		path:      path,
		writerID:  uuid.New().String(),
		known:     map[string]json.RawMessage{},
		mutations: make(chan Mutation, 16),
		done:      make(chan struct{}),
	}
	s.known = s.readAll()
	return s, nil
}

// Get は指定キーの値をvにデコードする。
// キーが存在しない、またはファイルが読めない場合はfalseを返し、エラーは返さない。
func (s *Store) Get(key string, v interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readAll()
	raw, ok := entries[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false
	}
	return true
}

// Set は指定キーに値を書き込む。
func (s *Store) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readAll()
	entries[key] = raw
	return s.writeAll(entries)
}

// Delete は指定キーを削除する。キーが存在しない場合は何もしない。
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readAll()
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return s.writeAll(entries)
}

// SetConfirmMarker はログイン完了マーカーを書き込む。
// 別コンテキストのストレージ監視を発火させるためだけのキーで、
// 状態の取り残しを避けるため約1秒後に自動削除される。
func (s *Store) SetConfirmMarker() error {
	if err := s.Set(ConfirmMarkerKey, time.Now().UnixMilli()); err != nil {
		return err
	}

	s.mu.Lock()
	timer := time.AfterFunc(markerTTL, func() {
		_ = s.Delete(ConfirmMarkerKey)
	})
	s.markers = append(s.markers, timer)
	s.mu.Unlock()
	return nil
}

// Mutations は他プロセスによるキー変更の通知チャネルを返す。
// 初回呼び出しでファイル監視を開始する。自プロセスの書き込みは通知されない。
// バッファ超過時の通知はドロップされる（ベストエフォート）。
func (s *Store) Mutations() (<-chan Mutation, error) {
	var err error
	s.watchOnce.Do(func() {
		err = s.startWatch()
	})
	if err != nil {
		return nil, err
	}
	return s.mutations, nil
}

// Close はファイル監視とマーカータイマーを停止する。
func (s *Store) Close() error {
	s.mu.Lock()
	for _, timer := range s.markers {
		timer.Stop()
	}
	s.markers = nil
	watcher := s.watcher
	s.mu.Unlock()

	close(s.done)
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			return fmt.Errorf("failed to close store watcher: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// startWatch はストアファイルのディレクトリをfsnotifyで監視する。
func (s *Store) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch token store directory: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(watcher)
	return nil
}

// watchLoop はファイル変更イベントをキー単位のMutationに変換する。
func (s *Store) watchLoop(watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.emitChangedKeys()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// 監視エラーは読み取り側で吸収される（ベストエフォート）
		}
	}
}

// emitChangedKeys は前回スナップショットと比較して変更キーを通知する。
// 自プロセスの書き込み（writerKeyが自IDのもの）は通知しない。
func (s *Store) emitChangedKeys() {
	s.mu.Lock()
	entries := s.readAll()
	prev := s.known
	s.known = entries
	s.mu.Unlock()

	var ownWriter string
	if raw, ok := entries[writerKey]; ok {
		_ = json.Unmarshal(raw, &ownWriter)
	}
	if ownWriter == s.writerID {
		return
	}

	for key, raw := range entries {
		if key == writerKey {
			continue
		}
		if old, ok := prev[key]; ok && string(old) == string(raw) {
			continue
		}
		s.emit(Mutation{Key: key})
	}
	for key := range prev {
		if key == writerKey {
			continue
		}
		if _, ok := entries[key]; !ok {
			s.emit(Mutation{Key: key})
		}
	}
}

// emit はチャネルへ非ブロッキングで通知する。
func (s *Store) emit(m Mutation) {
	select {
	case s.mutations <- m:
	default:
	}
}

// readAll はファイルの全エントリを読み込む。読めない場合は空マップを返す。
func (s *Store) readAll() map[string]json.RawMessage {
	entries := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]json.RawMessage{}
	}
	return entries
}

// writeAll は全エントリを一時ファイル経由でアトミックに書き込む。
func (s *Store) writeAll(entries map[string]json.RawMessage) error {
	writerRaw, err := json.Marshal(s.writerID)
	if err != nil {
		return fmt.Errorf("failed to encode writer id: %w", err)
	}
	entries[writerKey] = writerRaw

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode token store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokenstore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace token store: %w", err)
	}

	s.known = cloneEntries(entries)
	return nil
}

func cloneEntries(entries map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}
