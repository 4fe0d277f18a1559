package main

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var errUnauthenticated = errors.New("unauthenticated")

type TunnelClaims struct {
	jwt.RegisteredClaims
}

// authenticate extracts the subject of an HS256 token taken from:
// 1) Authorization: Bearer <jwt>
// 2) the access_token query parameter, for browser clients that cannot set
// headers on a websocket upgrade
func authenticate(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.Wrap(errUnauthenticated, "no secret configured")
	}

	tokenStr := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		tokenStr = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	} else {
		tokenStr = r.URL.Query().Get("access_token")
	}
	if tokenStr == "" {
		return "", errors.Wrap(errUnauthenticated, "no token")
	}

	claims := &TunnelClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrapf(errUnauthenticated, "invalid token: %v", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.Wrap(errUnauthenticated, "token has no subject")
	}

	return claims.Subject, nil
}
