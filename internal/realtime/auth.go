package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type TokenClaims struct {
	UserID    string `json:"uid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind a socket handshake: an access token
// in ?token= or the Authorization header, or the gateway's X-User-Id header
// when the gateway is trusted.
type Authenticator struct {
	secret       []byte
	trustHeaders bool
}

func NewAuthenticator(secret []byte, trustHeaders bool) *Authenticator {
	return &Authenticator{secret: secret, trustHeaders: trustHeaders}
}

func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if raw := bearerToken(r); raw != "" && len(a.secret) > 0 {
		return a.parse(raw)
	}
	if a.trustHeaders {
		if uid := strings.TrimSpace(r.Header.Get("X-User-Id")); uid != "" {
			return uid, nil
		}
	}
	return "", errUnauthenticated
}

func (a *Authenticator) parse(raw string) (string, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.TokenType != "access" || claims.UserID == "" {
		return "", errUnauthenticated
	}
	return claims.UserID, nil
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
