package signerstub

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize         = 32
	ephemeralKeySize = 32
)

var (
	errWrongPassphrase = errors.New("wrong passphrase or corrupted credentials")
	// passphraseCheck 是用口令派生密钥加密后作为 check 字段的固定明文。
	passphraseCheck = sha256.Sum256([]byte("walletlink passphrase check"))
)

// ScryptParams 是口令派生参数。
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams 返回交互式场景的推荐参数。
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1}
}

// credentials 是 set-passphrase 产出、set-credentials 载入的三元组。
type credentials struct {
	salt    []byte
	check   []byte
	ekeyEnc []byte
}

func (c credentials) loaded() bool {
	return len(c.salt) > 0 && len(c.check) > 0 && len(c.ekeyEnc) > 0
}

func deriveKey(passphrase string, salt []byte, params ScryptParams) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, chacha20poly1305.KeySize)
}

// seal 以随机 nonce 加密，输出 nonce||ciphertext。
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errWrongPassphrase
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}

// newCredentials 生成随机盐与临时密钥，返回持久化三元组与临时密钥明文。
func newCredentials(passphrase string, params ScryptParams) (credentials, []byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return credentials{}, nil, err
	}
	ephemeral := make([]byte, ephemeralKeySize)
	if _, err := rand.Read(ephemeral); err != nil {
		return credentials{}, nil, err
	}
	key, err := deriveKey(passphrase, salt, params)
	if err != nil {
		return credentials{}, nil, fmt.Errorf("derive key: %w", err)
	}
	check, err := seal(key, passphraseCheck[:], salt)
	if err != nil {
		return credentials{}, nil, err
	}
	ekeyEnc, err := seal(key, ephemeral, salt)
	if err != nil {
		return credentials{}, nil, err
	}
	return credentials{salt: salt, check: check, ekeyEnc: ekeyEnc}, ephemeral, nil
}

// unlockCredentials 校验口令并解出临时密钥。
func unlockCredentials(c credentials, passphrase string, params ScryptParams) ([]byte, error) {
	key, err := deriveKey(passphrase, c.salt, params)
	if err != nil {
		return nil, err
	}
	check, err := open(key, c.check, c.salt)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(check, passphraseCheck[:]) {
		return nil, errWrongPassphrase
	}
	return open(key, c.ekeyEnc, c.salt)
}
