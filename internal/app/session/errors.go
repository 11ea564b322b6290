package session

import "github.com/aegis-sign/walletlink/pkg/apierrors"

var (
	// ErrLocked 表示操作需要已解锁的会话。
	ErrLocked = apierrors.New(apierrors.CodeLocked, "wallet is locked")
	// ErrPassphraseLocked 在已设置口令且会话处于锁定时拒绝修改口令。
	ErrPassphraseLocked = apierrors.New(apierrors.CodePreconditionFailed, "passphrase already set and wallet is locked")
	// ErrUnlockRejected 表示 signer 返回 success=false。
	ErrUnlockRejected = apierrors.New(apierrors.CodeUnlockRejected, "signer rejected passphrase")
	// ErrCredentialsNotLoaded 表示 set-credentials 尚未成功，解锁无法进行。
	ErrCredentialsNotLoaded = apierrors.New(apierrors.CodePreconditionFailed, "credentials not loaded into signer")
	// ErrPassphraseRequired 表示口令为空。
	ErrPassphraseRequired = apierrors.New(apierrors.CodeInvalidArgument, "passphrase is required")
)
