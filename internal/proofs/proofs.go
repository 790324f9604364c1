package proofs

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Fingerprint 返回模块文件内容的 Keccak-256 摘要。
func Fingerprint(path string) (common.Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return common.Hash{}, fmt.Errorf("打开模块文件失败: %w", err)
	}
	defer file.Close()

	state := crypto.NewKeccakState()
	if _, err := io.Copy(state, file); err != nil {
		return common.Hash{}, fmt.Errorf("读取模块文件失败: %w", err)
	}
	return common.BytesToHash(state.Sum(nil)), nil
}

// Digest 将若干字段按顺序拼接后计算 Keccak-256 摘要。
func Digest(parts ...string) common.Hash {
	data := make([][]byte, 0, len(parts))
	for _, p := range parts {
		data = append(data, []byte(p), []byte{0})
	}
	return crypto.Keccak256Hash(data...)
}

// Attestor 使用 secp256k1 私钥对摘要签名。
type Attestor struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewAttestor 从十六进制私钥构造签名器，允许带 0x 前缀。
func NewAttestor(hexKey string) (*Attestor, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("签名私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return &Attestor{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回签名者地址。
func (a *Attestor) Address() common.Address {
	return a.address
}

// Sign 对摘要进行签名，返回 65 字节 [R || S || V] 签名。
func (a *Attestor) Sign(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), a.key)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}
	return sig, nil
}

// Verify 校验签名是否由 signer 产生。
func Verify(digest common.Hash, sig []byte, signer common.Address) (bool, error) {
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return false, fmt.Errorf("恢复签名公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub) == signer, nil
}
