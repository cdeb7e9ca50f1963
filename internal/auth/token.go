package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/observer/hirechat/internal/domain"
)

// TokenType distinguishes bearer access tokens from realtime token requests
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRequest TokenType = "token_request"
)

const issuer = "hirechat"

// Claims represents the JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Handle     int64       `json:"handle"`
	Role       domain.Role `json:"role"`
	Type       TokenType   `json:"type"`
	KeyName    string      `json:"key,omitempty"`
	Capability string      `json:"cap,omitempty"`
}

// TokenRequest is the signed credential a realtime client presents on every
// (re)connect. MAC carries a JWT binding the remaining fields.
type TokenRequest struct {
	KeyName    string `json:"keyName"`
	TTL        int64  `json:"ttl"` // milliseconds
	Capability string `json:"capability"`
	ClientID   string `json:"clientId"`
	Timestamp  int64  `json:"timestamp"` // unix millis
	Nonce      string `json:"nonce"`
	MAC        string `json:"mac"`
}

// TokenService handles JWT creation and validation
type TokenService struct {
	signingKey     []byte
	keyName        string
	accessTokenTTL time.Duration
	requestTTL     time.Duration
	now            func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(signingKey, keyName string, requestTTL time.Duration) (*TokenService, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 characters")
	}
	if keyName == "" {
		return nil, errors.New("token key name is required")
	}
	if requestTTL <= 0 {
		requestTTL = time.Hour
	}
	return &TokenService{
		signingKey:     []byte(signingKey),
		keyName:        keyName,
		accessTokenTTL: 24 * time.Hour,
		requestTTL:     requestTTL,
		now:            time.Now,
	}, nil
}

// GenerateAccessToken creates a bearer token for the HTTP surface
func (s *TokenService) GenerateAccessToken(handle int64, role domain.Role) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   strconv.FormatInt(handle, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		Handle: handle,
		Role:   role,
		Type:   TokenTypeAccess,
	}

	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken parses and validates an access token
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", domain.ErrTokenInvalid)
	}
	return claims, nil
}

// IssueTokenRequest signs a token request for a realtime client.
func (s *TokenService) IssueTokenRequest(handle int64, role domain.Role, capability string) (*TokenRequest, error) {
	now := s.now()
	nonce, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	clientID := strconv.FormatInt(handle, 10)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce.String(),
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.requestTTL)),
			Issuer:    issuer,
		},
		Handle:     handle,
		Role:       role,
		Type:       TokenTypeRequest,
		KeyName:    s.keyName,
		Capability: capability,
	}

	mac, err := s.sign(claims)
	if err != nil {
		return nil, err
	}

	return &TokenRequest{
		KeyName:    s.keyName,
		TTL:        s.requestTTL.Milliseconds(),
		Capability: capability,
		ClientID:   clientID,
		Timestamp:  now.UnixMilli(),
		Nonce:      nonce.String(),
		MAC:        mac,
	}, nil
}

// VerifyTokenRequest checks the MAC and that the visible fields were not
// altered after signing.
func (s *TokenService) VerifyTokenRequest(req *TokenRequest) (*Claims, error) {
	if req == nil || req.MAC == "" {
		return nil, fmt.Errorf("%w: empty token request", domain.ErrTokenInvalid)
	}

	claims, err := s.parse(req.MAC)
	if err != nil {
		return nil, err
	}

	switch {
	case claims.Type != TokenTypeRequest:
		return nil, fmt.Errorf("%w: not a token request", domain.ErrTokenInvalid)
	case claims.KeyName != req.KeyName || req.KeyName != s.keyName:
		return nil, fmt.Errorf("%w: key name mismatch", domain.ErrTokenInvalid)
	case claims.Subject != req.ClientID:
		return nil, fmt.Errorf("%w: client id mismatch", domain.ErrTokenInvalid)
	case claims.ID != req.Nonce:
		return nil, fmt.Errorf("%w: nonce mismatch", domain.ErrTokenInvalid)
	case claims.Capability != req.Capability:
		return nil, fmt.Errorf("%w: capability mismatch", domain.ErrTokenInvalid)
	}

	return claims, nil
}

func (s *TokenService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}
