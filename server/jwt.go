// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TTR-x/ttr-gestion-sub000/internal/auth"
)

const tokenIssuer = "ttrsync"

// JWTAuth issues and checks HS256 device tokens.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims carries the business a user acts for and the device they sign in
// from.
type JWTClaims struct {
	BusinessID string `json:"bid"`
	DeviceID   string `json:"did"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for a user of a business on one device.
func (j *JWTAuth) GenerateToken(id auth.Identity, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		BusinessID: id.BusinessID,
		DeviceID:   id.DeviceID,
		Name:       id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   id.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken checks the signature and expiry and requires the user,
// business and device claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	switch {
	case claims.Subject == "":
		return nil, errors.New("missing sub (user ID) in token")
	case claims.BusinessID == "":
		return nil, errors.New("missing bid (business ID) in token")
	case claims.DeviceID == "":
		return nil, errors.New("missing did (device ID) in token")
	}
	return claims, nil
}

// Identity returns the caller described by the claims.
func (c *JWTClaims) Identity() auth.Identity {
	return auth.Identity{UserID: c.Subject, BusinessID: c.BusinessID, DeviceID: c.DeviceID, Name: c.Name}
}

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "authentication_failed", "authorization header required")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" || strings.Contains(raw, " ") {
			writeError(w, http.StatusUnauthorized, "authentication_failed", "invalid authorization header format")
			return
		}

		claims, err := j.ValidateToken(raw)
		if err != nil {
			slog.Warn("rejected bearer token", "error", err, "token_prefix", raw[:min(len(raw), 20)], "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication_failed", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), claims.Identity())))
	})
}
