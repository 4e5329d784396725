package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// DeviceKeys resolves device API keys.
type DeviceKeys interface {
	DeviceForKey(key string) (uuid string, ok bool)
}

// Authenticator checks bearer tokens and API keys. A credential is taken
// from the Authorization header or, for clients that cannot set headers,
// the apikey query parameter.
type Authenticator struct {
	jwt     *JWTManager
	devices DeviceKeys
	users   map[string]string
	logger  *zap.Logger
}

// NewAuthenticator creates an authenticator. jwt may be nil to accept API
// keys only; userKeys maps user API keys to user ids.
func NewAuthenticator(jwt *JWTManager, devices DeviceKeys, userKeys map[string]string, logger *zap.Logger) *Authenticator {
	return &Authenticator{jwt: jwt, devices: devices, users: userKeys, logger: logger}
}

func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("apikey")
}

// Authenticate resolves the request's credential.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	cred := credential(r)
	if cred == "" {
		return Principal{}, ErrNoCredential
	}

	if a.jwt != nil && strings.Count(cred, ".") == 2 {
		return a.jwt.Validate(cred)
	}
	if a.devices != nil {
		if uuid, ok := a.devices.DeviceForKey(cred); ok {
			return Principal{Kind: KindDevice, ID: uuid, Method: "apikey"}, nil
		}
	}
	if id, ok := a.users[cred]; ok {
		return Principal{Kind: KindUser, ID: id, Method: "apikey"}, nil
	}
	return Principal{}, ErrInvalidToken
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			a.logger.Debug("Authentication failed",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
