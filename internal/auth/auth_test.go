package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oicur0t/devlogs/internal/logs"
	"go.uber.org/zap/zaptest"
)

type keys map[string]string

func (k keys) DeviceForKey(key string) (string, bool) {
	uuid, ok := k[key]
	return uuid, ok
}

func newAuthenticator(t *testing.T) (*Authenticator, *JWTManager) {
	m := NewJWTManager("test-secret", time.Hour)
	a := NewAuthenticator(m, keys{"dev-key": "dev-uuid"}, map[string]string{"user-key": "u-1"}, zaptest.NewLogger(t))
	return a, m
}

func TestAuthenticate(t *testing.T) {
	a, m := newAuthenticator(t)
	deviceToken, _ := m.Generate(Principal{Kind: KindDevice, ID: "dev-uuid"})
	userToken, _ := m.Generate(Principal{Kind: KindUser, ID: "u-2"})
	otherSecret, _ := NewJWTManager("other", time.Hour).Generate(Principal{Kind: KindUser, ID: "u-2"})
	expired, _ := NewJWTManager("test-secret", -time.Minute).Generate(Principal{Kind: KindUser, ID: "u-2"})

	tests := []struct {
		name    string
		header  string
		query   string
		want    Principal
		wantErr error
	}{
		{name: "device key", header: "Bearer dev-key", want: Principal{Kind: KindDevice, ID: "dev-uuid", Method: "apikey"}},
		{name: "user key in query", query: "?apikey=user-key", want: Principal{Kind: KindUser, ID: "u-1", Method: "apikey"}},
		{name: "device token", header: "Bearer " + deviceToken, want: Principal{Kind: KindDevice, ID: "dev-uuid", Method: "jwt"}},
		{name: "user token", header: "Bearer " + userToken, want: Principal{Kind: KindUser, ID: "u-2", Method: "jwt"}},
		{name: "none", wantErr: ErrNoCredential},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantErr: ErrNoCredential},
		{name: "unknown key", header: "Bearer nope", wantErr: ErrInvalidToken},
		{name: "wrong secret", header: "Bearer " + otherSecret, wantErr: ErrInvalidToken},
		{name: "expired", header: "Bearer " + expired, wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/device/v2/dev-uuid/logs"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := a.Authenticate(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsOtherAlgorithms(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		ActorType:        KindUser,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"},
	})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(s); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(alg=none) error = %v", err)
	}
}

func TestValidateRejectsUnknownActor(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		ActorType:        "service",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x"},
	}).SignedString([]byte("test-secret"))
	if _, err := m.Validate(s); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	a, _ := newAuthenticator(t)
	var seen Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without credential = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer dev-key")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || seen.ID != "dev-uuid" {
		t.Errorf("status = %d, principal = %+v", rec.Code, seen)
	}
}

func TestCanAccess(t *testing.T) {
	device := Principal{Kind: KindDevice, ID: "a"}
	user := Principal{Kind: KindUser, ID: "u"}

	if err := device.CanAccess("a"); err != nil {
		t.Errorf("device on itself: %v", err)
	}
	var ae *logs.AuthorizationError
	if err := device.CanAccess("b"); !errors.As(err, &ae) {
		t.Errorf("device on another device: %v", err)
	}
	if err := user.CanAccess("b"); err != nil {
		t.Errorf("user: %v", err)
	}
	if err := (Principal{}).CanAccess("a"); err == nil {
		t.Error("zero principal allowed")
	}
	if device.String() != "device:a" {
		t.Errorf("String() = %q", device.String())
	}
}
