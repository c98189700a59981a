package taskhub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oriys/nimbus-durable/internal/domain"
)

type mailboxKey struct {
	instanceID string
	name       string
}

// Mailbox 按实例和事件名缓存外部事件，实现 engine.EventSource。
// 事件先于等待者到达时排队，等待者先到达时直接交付，两种情况都按到达顺序。
type Mailbox struct {
	mu      sync.Mutex
	queued  map[mailboxKey][]json.RawMessage
	waiters map[mailboxKey][]chan json.RawMessage
	closed  bool
}

// NewMailbox 创建邮箱。
func NewMailbox() *Mailbox {
	return &Mailbox{
		queued:  make(map[mailboxKey][]json.RawMessage),
		waiters: make(map[mailboxKey][]chan json.RawMessage),
	}
}

// Deliver 投递事件。
func (m *Mailbox) Deliver(instanceID, name string, data json.RawMessage) {
	key := mailboxKey{instanceID, name}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws := m.waiters[key]; len(ws) > 0 {
		ws[0] <- data
		m.removeWaiter(key, ws[0])
		return
	}
	m.queued[key] = append(m.queued[key], data)
}

// WaitForEvent 实现 engine.EventSource。
func (m *Mailbox) WaitForEvent(ctx context.Context, instanceID, name string) (json.RawMessage, error) {
	key := mailboxKey{instanceID, name}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrEventSourceClosed
	}
	if q := m.queued[key]; len(q) > 0 {
		data := q[0]
		if len(q) == 1 {
			delete(m.queued, key)
		} else {
			m.queued[key] = q[1:]
		}
		m.mu.Unlock()
		return data, nil
	}
	ch := make(chan json.RawMessage, 1)
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, domain.ErrEventSourceClosed
		}
		return data, nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := m.removeWaiter(key, ch)
		m.mu.Unlock()
		if !removed {
			// 取消与投递同时发生，事件已经写入 ch
			if data, ok := <-ch; ok {
				return data, nil
			}
		}
		return nil, ctx.Err()
	}
}

// Forget 丢弃实例的排队事件；等待中的调用不受影响。
func (m *Mailbox) Forget(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.queued {
		if key.instanceID == instanceID {
			delete(m.queued, key)
		}
	}
}

// Pending 返回实例排队中的事件数。
func (m *Mailbox) Pending(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, q := range m.queued {
		if key.instanceID == instanceID {
			n += len(q)
		}
	}
	return n
}

// Close 唤醒所有等待者并返回 domain.ErrEventSourceClosed。
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for key, ws := range m.waiters {
		for _, ch := range ws {
			close(ch)
		}
		delete(m.waiters, key)
	}
}

// removeWaiter 需要持有 m.mu。
func (m *Mailbox) removeWaiter(key mailboxKey, ch chan json.RawMessage) bool {
	ws := m.waiters[key]
	for i, w := range ws {
		if w != ch {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(m.waiters, key)
		} else {
			m.waiters[key] = ws
		}
		return true
	}
	return false
}
