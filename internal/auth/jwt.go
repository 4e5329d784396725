package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoCredential = errors.New("no credential")
)

// Claims are the token claims. The subject is the user id for user tokens;
// device tokens carry the device UUID.
type Claims struct {
	ActorType  Kind   `json:"actor_type"`
	DeviceUUID string `json:"device_uuid,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), expiration: expiration}
}

// Generate issues a token for a principal.
func (m *JWTManager) Generate(p Principal) (string, error) {
	now := time.Now()
	claims := &Claims{
		ActorType: p.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}
	if p.Kind == KindDevice {
		claims.DeviceUUID = p.ID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate verifies a token and returns its principal.
func (m *JWTManager) Validate(tokenStr string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	switch claims.ActorType {
	case KindDevice:
		id := claims.DeviceUUID
		if id == "" {
			id = claims.Subject
		}
		if id == "" {
			return Principal{}, fmt.Errorf("%w: device token without device", ErrInvalidToken)
		}
		return Principal{Kind: KindDevice, ID: id, Method: "jwt"}, nil
	case KindUser:
		if claims.Subject == "" {
			return Principal{}, fmt.Errorf("%w: user token without subject", ErrInvalidToken)
		}
		return Principal{Kind: KindUser, ID: claims.Subject, Method: "jwt"}, nil
	default:
		return Principal{}, fmt.Errorf("%w: actor type %q", ErrInvalidToken, claims.ActorType)
	}
}
