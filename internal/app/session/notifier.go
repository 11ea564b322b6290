package session

import (
	"context"
	"sync"
	"time"
)

// Notifier 接收锁状态变化，用于刷新依赖会话状态的外部组件。
type Notifier interface {
	LockStateChanged(ctx context.Context, event StateEvent)
}

// NotifierFunc 允许用函数实现 Notifier。
type NotifierFunc func(ctx context.Context, event StateEvent)

// LockStateChanged 调用 f。
func (f NotifierFunc) LockStateChanged(ctx context.Context, event StateEvent) {
	f(ctx, event)
}

// StateEvent 描述一次锁状态变化。
type StateEvent struct {
	From     State
	To       State
	Reason   string
	At       time.Time
	RelockAt time.Time
	// Err 为 lock RPC 的结果，状态变化本身不受其影响。
	Err error
}

var (
	notifierMu     sync.RWMutex
	globalNotifier Notifier = noopNotifier{}
)

// SetNotifier 设置默认 Notifier，未通过 WithNotifier 注入的 Guard 使用它。
func SetNotifier(n Notifier) {
	notifierMu.Lock()
	defer notifierMu.Unlock()
	if n == nil {
		globalNotifier = noopNotifier{}
		return
	}
	globalNotifier = n
}

func defaultNotifier() Notifier {
	notifierMu.RLock()
	defer notifierMu.RUnlock()
	return globalNotifier
}

type noopNotifier struct{}

func (noopNotifier) LockStateChanged(context.Context, StateEvent) {}
