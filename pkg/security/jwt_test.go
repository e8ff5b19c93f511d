package security

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func newTestJWTManager(t *testing.T, cfg *JWTConfig) *JWTManager {
	t.Helper()
	if cfg == nil {
		cfg = &JWTConfig{SecretKey: "test-secret"}
	}
	m, err := NewJWTManager(cfg)
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}
	return m
}

// TestJWTManager_GenerateValidate 签发后验证
func TestJWTManager_GenerateValidate(t *testing.T) {
	m := newTestJWTManager(t, nil)

	token, err := m.Generate(101)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UID != 101 {
		t.Errorf("expected uid 101, got %d", claims.UID)
	}
	if claims.Issuer != "tilestone" {
		t.Errorf("expected default issuer, got %q", claims.Issuer)
	}
}

// TestJWTManager_MissingSecret 缺少密钥直接拒绝
func TestJWTManager_MissingSecret(t *testing.T) {
	if _, err := NewJWTManager(&JWTConfig{}); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}

// TestJWTManager_UnsupportedAlgorithm 非对称算法不支持
func TestJWTManager_UnsupportedAlgorithm(t *testing.T) {
	if _, err := NewJWTManager(&JWTConfig{SecretKey: "s", Algorithm: "RS256"}); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

// TestJWTManager_InvalidToken 篡改与跨密钥的 Token
func TestJWTManager_InvalidToken(t *testing.T) {
	m := newTestJWTManager(t, nil)

	if _, err := m.Validate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for malformed token, got %v", err)
	}

	other := newTestJWTManager(t, &JWTConfig{SecretKey: "other-secret"})
	token, err := other.Generate(101)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

// TestJWTManager_Expired 过期 Token 验证失败
func TestJWTManager_Expired(t *testing.T) {
	m := newTestJWTManager(t, &JWTConfig{SecretKey: "test-secret", ExpiresIn: -time.Minute})

	token, err := m.Generate(101)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

// TestJWTManager_ValidateBearer Authorization 头前缀处理
func TestJWTManager_ValidateBearer(t *testing.T) {
	m := newTestJWTManager(t, nil)

	token, err := m.Generate(202)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	claims, err := m.ValidateBearer("Bearer " + token)
	if err != nil {
		t.Fatalf("ValidateBearer with prefix failed: %v", err)
	}
	if claims.UID != 202 {
		t.Errorf("expected uid 202, got %d", claims.UID)
	}

	// 不带前缀也应通过
	if _, err := m.ValidateBearer(token); err != nil {
		t.Errorf("ValidateBearer without prefix failed: %v", err)
	}

	if _, err := m.ValidateBearer(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}

	if _, err := m.ValidateBearer("Bearer " + strings.Repeat("x", 10)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
