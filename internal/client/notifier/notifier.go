// Package notifier は同一プロセス内のコンテキスト間に
// 「変更があったので再確認せよ」を伝えるベストエフォートのpub/subを提供する。
// 配信保証はなく、購読者がいないメッセージや受信が追いつかない
// メッセージは破棄される。
package notifier

import (
	"sync"
	"time"
)

// TopicAuthSync は認証状態の再確認を促すトピック名。
const TopicAuthSync = "auth-sync"

// closeDelay はPublish直後のCloseで配信中のメッセージが
// 失われないようにする猶予時間。
const closeDelay = 50 * time.Millisecond

// subscriberBuffer は購読チャネルのバッファサイズ。
// 超過分は破棄される。
const subscriberBuffer = 8

// Hub はトピック単位のベストエフォート配信を行う。
type Hub struct {
	mu            sync.Mutex
	subscribers   map[string]map[int]chan string
	nextID        int
	closed        bool
	lastPublished time.Time
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{
		subscribers: map[string]map[int]chan string{},
	}
}

// Publish は指定トピックの全購読者へメッセージを届ける。
// 受信が追いつかない購読者へのメッセージは破棄される。
func (h *Hub) Publish(topic, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.lastPublished = time.Now()

	for _, ch := range h.subscribers[topic] {
		select {
		case ch <- message:
		default:
		}
	}
}

// Subscribe は指定トピックの購読チャネルと購読解除関数を返す。
// 購読解除関数は複数回呼んでも安全。
func (h *Hub) Subscribe(topic string) (<-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan string, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	if h.subscribers[topic] == nil {
		h.subscribers[topic] = map[int]chan string{}
	}
	id := h.nextID
	h.nextID++
	h.subscribers[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[topic]; ok {
				if sub, ok := subs[id]; ok {
					delete(subs, id)
					close(sub)
				}
			}
		})
	}
	return ch, cancel
}

// Close は全購読チャネルを閉じる。
// 直前にPublishされたメッセージの配信が中断されないよう、
// 必要に応じて短い猶予を置いてから閉じる。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	wait := closeDelay - time.Since(h.lastPublished)
	h.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subscribers = map[string]map[int]chan string{}
}
