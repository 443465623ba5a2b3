package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength  = 32    // AES-256
	iterations = 10000 // PBKDF2 迭代次数
)

// Vault 凭证保险库：负责账户 API 密钥的静态加解密
// 解密为只读操作，无副作用，可并发使用
type Vault struct {
	key []byte
}

// New 创建保险库，密钥由主密钥经 PBKDF2 派生
func New(masterKey, salt string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("主密钥不能为空")
	}
	key := pbkdf2.Key([]byte(masterKey), []byte(salt), iterations, keyLength, sha256.New)
	return &Vault{key: key}, nil
}

// Encrypt 加密明文，返回 base64(nonce + 密文)
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("创建加密器失败: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("创建 GCM 失败: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密 base64(nonce + 密文)
func (v *Vault) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 解码失败: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("创建解密器失败: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("创建 GCM 失败: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("密文长度不足")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}

	return string(plaintext), nil
}
