// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-lwwsync/internal/auth"
)

const tokenIssuer = "go-lwwsync"

var errMissingBearer = errors.New("bearer token required")

// JWTAuth issues and checks HS256 tokens naming a user (sub) and one of the
// user's replicas (did). It implements ClientAuthenticator for DocsHandlers.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

func (j *JWTAuth) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken verifies the signature and expiry and requires both identity
// claims to be present.
func (j *JWTAuth) ValidateToken(token string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	switch {
	case claims.Subject == "":
		return nil, errors.New("token has no user (sub)")
	case claims.DeviceID == "":
		return nil, errors.New("token has no device (did)")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

// identity prefers what Middleware already stored in the request context.
func (j *JWTAuth) identity(r *http.Request) (auth.Identity, error) {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id, nil
	}
	token, err := bearerToken(r)
	if err != nil {
		return auth.Identity{}, err
	}
	claims, err := j.ValidateToken(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	return auth.Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}

func (j *JWTAuth) GetUserID(r *http.Request) (string, error) {
	id, err := j.identity(r)
	return id.UserID, err
}

func (j *JWTAuth) GetDeviceID(r *http.Request) (string, error) {
	id, err := j.identity(r)
	return id.DeviceID, err
}

// Middleware rejects requests without a valid token with 401 and stores the
// caller's identity in the request context otherwise.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := j.ValidateToken(token)
		if err != nil {
			slog.Warn("Rejected token", "error", err, "path", r.URL.Path)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithIdentity(r.Context(), auth.Identity{UserID: claims.Subject, DeviceID: claims.DeviceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
