package validator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MinCredentialBytes 是 check/salt/ekey_enc 解码后的最小长度。
const MinCredentialBytes = 32

var (
	errPassphraseEmpty    = errors.New("passphrase is required")
	errPassphraseMismatch = errors.New("passphrase confirmation does not match")
)

// DecodeCredentialField 将十六进制字段解码并校验最小长度。
func DecodeCredentialField(name, value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %s: %w", name, err)
	}
	if len(decoded) < MinCredentialBytes {
		return nil, fmt.Errorf("%s must decode to at least %d bytes", name, MinCredentialBytes)
	}
	return decoded, nil
}

// ValidateCredentials 确保 check/salt/ekey_enc 三个字段都合法。
func ValidateCredentials(check, salt, ekeyEnc string) error {
	if _, err := DecodeCredentialField("check", check); err != nil {
		return err
	}
	if _, err := DecodeCredentialField("salt", salt); err != nil {
		return err
	}
	if _, err := DecodeCredentialField("ekey_enc", ekeyEnc); err != nil {
		return err
	}
	return nil
}

// ValidatePassphrase 校验新口令及其确认值。confirm 为 nil 时跳过确认比较。
func ValidatePassphrase(passphrase string, confirm *string) error {
	if passphrase == "" {
		return errPassphraseEmpty
	}
	if confirm != nil && *confirm != passphrase {
		return errPassphraseMismatch
	}
	return nil
}
