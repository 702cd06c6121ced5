package util

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AgentClaims is the payload of a locally signed token.
type AgentClaims struct {
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	SchoolID string `json:"school_id,omitempty"`

	jwt.RegisteredClaims
}

// SubjectID returns sub, falling back to the legacy user_id claim.
func (c *AgentClaims) SubjectID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// JWTConfig holds local token settings
type JWTConfig struct {
	Secret   []byte
	TokenTTL time.Duration
	Issuer   string
}

// JWTManager mints and validates HS256 tokens.
type JWTManager struct {
	config JWTConfig
	parser *jwt.Parser
}

func NewJWTManager(config JWTConfig) (*JWTManager, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 24 * time.Hour
	}
	return &JWTManager{
		config: config,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// TokenRequest describes the identity embedded in a minted token.
type TokenRequest struct {
	Subject  string
	Email    string
	Role     string
	SchoolID string
	TTL      time.Duration
}

// CreateToken signs a token for the given subject.
func (j *JWTManager) CreateToken(req TokenRequest) (string, error) {
	if req.Subject == "" {
		return "", errors.New("subject is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = j.config.TokenTTL
	}

	tokenID, err := generateSecureTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	claims := AgentClaims{
		Email:    req.Email,
		Role:     req.Role,
		SchoolID: req.SchoolID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   req.Subject,
			Issuer:    j.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken verifies signature and expiry. A token with no expiry is rejected.
func (j *JWTManager) ValidateToken(tokenString string) (*AgentClaims, error) {
	token, err := j.parser.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(*AgentClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	if claims.ExpiresAt == nil {
		return nil, errors.New("token has no expiry")
	}
	return claims, nil
}

func generateSecureTokenID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
