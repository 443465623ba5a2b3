package vault

import (
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	v, err := New("test_master_key", "test_salt")
	if err != nil {
		t.Fatalf("创建保险库失败: %v", err)
	}

	plaintext := "api_key_abc123:secret_xyz789"
	encrypted, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if encrypted == plaintext {
		t.Error("密文不应等于明文")
	}

	decrypted, err := v.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("解密结果错误: 期望 %s, 得到 %s", plaintext, decrypted)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	v1, _ := New("key_one", "salt")
	v2, _ := New("key_two", "salt")

	encrypted, err := v1.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v2.Decrypt(encrypted); err == nil {
		t.Error("错误密钥解密应该失败")
	}
}

func TestDecryptGarbage(t *testing.T) {
	v, _ := New("key", "salt")

	if _, err := v.Decrypt("not base64!!!"); err == nil {
		t.Error("非法 base64 应该报错")
	}
	if _, err := v.Decrypt("YWJj"); err == nil {
		t.Error("长度不足的密文应该报错")
	}
}

func TestEmptyMasterKey(t *testing.T) {
	if _, err := New("", "salt"); err == nil {
		t.Error("空主密钥应该报错")
	}
}
