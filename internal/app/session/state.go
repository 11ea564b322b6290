package session

// State 表示 signer 会话当前的锁状态。
type State string

const (
	// StateLocked 表示 signer 拒绝需要私钥的操作。
	StateLocked State = "LOCKED"
	// StateUnlocked 表示 signer 已确认解锁，自动上锁定时器处于布置状态。
	StateUnlocked State = "UNLOCKED"
)

func (s State) String() string {
	switch s {
	case StateLocked, StateUnlocked:
		return string(s)
	default:
		return string(StateLocked)
	}
}

// 状态变化原因，随 StateEvent 传给 Notifier。
const (
	ReasonUnlock        = "unlock"
	ReasonLock          = "lock"
	ReasonRelockTimeout = "relock_timeout"
	ReasonSetPassphrase = "set_passphrase"
	ReasonLoad          = "load"
	ReasonClear         = "clear"
)
