package signerstub

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // HASH160 fingerprint
)

var (
	versionPrivate = [4]byte{0x04, 0x88, 0xad, 0xe4}
	versionPublic  = [4]byte{0x04, 0x88, 0xb2, 0x1e}
	masterHMACKey  = []byte("ed25519 seed")
	errSeedLength  = errors.New("seed must be 16 to 64 bytes")
)

// Node 与 create-node/get-node 的结果字段一致。
type Node struct {
	ExtPrvB58   string `json:"ext_prv_b58"`
	ExtPubB58   string `json:"ext_pub_b58"`
	Fingerprint string `json:"fingerprint"`
}

// masterNode 按 SLIP-10（ed25519 曲线）从种子派生主节点并做 BIP32 序列化。
func masterNode(seed []byte) (Node, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return Node{}, errSeedLength
	}
	mac := hmac.New(sha512.New, masterHMACKey)
	mac.Write(seed)
	sum := mac.Sum(nil)
	secret, chainCode := sum[:32], sum[32:]

	pub := ed25519.NewKeyFromSeed(secret).Public().(ed25519.PublicKey)
	pubKey := append([]byte{0x00}, pub...)

	prvKey := append([]byte{0x00}, secret...)
	return Node{
		ExtPrvB58:   serializeExtended(versionPrivate, chainCode, prvKey),
		ExtPubB58:   serializeExtended(versionPublic, chainCode, pubKey),
		Fingerprint: "0x" + hex.EncodeToString(hash160(pubKey)[:4]),
	}, nil
}

func serializeExtended(version [4]byte, chainCode, key []byte) string {
	buf := make([]byte, 0, 78)
	buf = append(buf, version[:]...)
	buf = append(buf, 0)          // depth
	buf = append(buf, 0, 0, 0, 0) // parent fingerprint
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = append(buf, chainCode...)
	buf = append(buf, key...)
	return base58Check(buf)
}

func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

// base58Check 对完整载荷做 Base58Check 编码，首字节作为 CheckEncode 的版本字节。
func base58Check(payload []byte) string {
	return base58.CheckEncode(payload[1:], payload[0])
}
