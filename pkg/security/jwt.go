package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lk2023060901/tilestone/pkg/config"
)

// JWTConfig JWT 配置
type JWTConfig struct {
	// 签名密钥（HS256 等对称算法）
	SecretKey string `mapstructure:"secret_key"`

	// 签名算法（默认 HS256）
	Algorithm string `mapstructure:"algorithm"`

	// Token 过期时间（默认 24 小时）
	ExpiresIn time.Duration `mapstructure:"expires_in"`

	// 签发者
	Issuer string `mapstructure:"issuer"`

	// Token 前缀（默认 "Bearer "）
	TokenPrefix string `mapstructure:"token_prefix"`
}

// DefaultJWTConfig 默认配置
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		Algorithm:   "HS256",
		ExpiresIn:   24 * time.Hour,
		Issuer:      "tilestone",
		TokenPrefix: "Bearer ",
	}
}

// Claims 认证载荷
type Claims struct {
	UID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// JWTManager JWT 签发与验证
type JWTManager struct {
	cfg *JWTConfig
}

// NewJWTManager 创建 JWT 管理器
func NewJWTManager(cfg *JWTConfig) (*JWTManager, error) {
	newCfg, err := config.MergeConfig(DefaultJWTConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge jwt config")
	}

	if newCfg.SecretKey == "" {
		return nil, ErrMissingSecret
	}

	if newCfg.Algorithm != "HS256" && newCfg.Algorithm != "HS384" && newCfg.Algorithm != "HS512" {
		return nil, errors.Newf("unsupported jwt algorithm: %s", newCfg.Algorithm)
	}

	return &JWTManager{cfg: newCfg}, nil
}

// Generate 签发 Token
func (m *JWTManager) Generate(uid int64) (string, error) {
	now := time.Now()
	claims := &Claims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   fmt.Sprintf("%d", uid),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(m.cfg.Algorithm), claims)
	signed, err := token.SignedString([]byte(m.cfg.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// Validate 验证 Token 字符串
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.cfg.Algorithm {
			return nil, errors.Newf("unexpected signing method: %s", t.Method.Alg())
		}
		return []byte(m.cfg.SecretKey), nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ValidateBearer 验证 Authorization 头（处理 "Bearer " 前缀）
func (m *JWTManager) ValidateBearer(header string) (*Claims, error) {
	if header == "" {
		return nil, ErrMissingToken
	}

	tokenString := header
	if strings.HasPrefix(header, m.cfg.TokenPrefix) {
		tokenString = strings.TrimPrefix(header, m.cfg.TokenPrefix)
	}

	return m.Validate(tokenString)
}
