package session

import "github.com/aegis-sign/walletlink/pkg/validator"

// Envelope 是 set-passphrase 返回并原样持久化的非机密凭据。
type Envelope struct {
	Check   string `json:"check"`
	EKeyEnc string `json:"ekey_enc"`
	Salt    string `json:"salt"`
}

// IsZero 报告信封是否为空，即尚未设置口令。
func (e Envelope) IsZero() bool {
	return e.Check == "" && e.EKeyEnc == "" && e.Salt == ""
}

// Validate 确保三个字段都是至少 32 字节的十六进制串。
func (e Envelope) Validate() error {
	return validator.ValidateCredentials(e.Check, e.Salt, e.EKeyEnc)
}
