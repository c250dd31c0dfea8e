package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("authorization header is missing")
	ErrMalformed    = errors.New("authorization header format must be 'Bearer {token}'")
)

// ExtractTokenFromRequest extracts the bearer token from an HTTP request's Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformed
	}
	return parts[1], nil
}
