package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

type userKey struct{}

// newToken returns a random API token secret.
func newToken() (string, error) {
	b := make([]byte, 21)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken derives the stored form of a token. It is deterministic so the
// hash can be looked up directly.
func hashToken(token, salt string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(token), []byte(salt), 1, 32, sha256.New))
}

// tokenFromRequest extracts the secret from "Authorization: Token|Bearer",
// the Basic auth password, or the password query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, _ := strings.Cut(h, " ")
		switch strings.ToLower(scheme) {
		case "token", "bearer":
			return strings.TrimSpace(rest)
		case "basic":
			if _, pw, ok := r.BasicAuth(); ok {
				return pw
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("password"))
}

func (s *server) authenticate(r *http.Request) (userModel, error) {
	tok := tokenFromRequest(r)
	if tok == "" {
		return userModel{}, errUnauthorized
	}
	u, err := s.persist.userByTokenHash(r.Context(), hashToken(tok, s.cfg.TokenSalt))
	if errors.Is(err, errNotFound) {
		return userModel{}, errUnauthorized
	}
	return u, err
}

func withUser(ctx context.Context, u userModel) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func userFrom(ctx context.Context) (userModel, bool) {
	u, ok := ctx.Value(userKey{}).(userModel)
	return u, ok
}

func (s *server) apiAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := withLogger(r.Context(), loggerFrom(r.Context()).With("user", u.ID))
		next.ServeHTTP(w, r.WithContext(withUser(ctx, u)))
	})
}

// dynDNSAuthMiddleware answers in the plain text dialect update clients expect.
func (s *server) dynDNSAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, errUnauthorized) {
				s.writeError(w, r, err)
				return
			}
			dynDNSTotal.WithLabelValues("badauth").Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="dyndns"`)
			writeText(w, http.StatusUnauthorized, "badauth")
			return
		}
		ctx := withLogger(r.Context(), loggerFrom(r.Context()).With("user", u.ID))
		next.ServeHTTP(w, r.WithContext(withUser(ctx, u)))
	})
}

func (s *server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin API is disabled", Code: "admin-disabled"})
			return
		}
		if !validToken(r, "X-Admin-Token", s.cfg.AdminToken) {
			s.writeError(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// createUser stores a user together with its first token and returns the
// token secret, which is not kept anywhere.
func (s *server) createUser(ctx context.Context, req createUserRequest) (createUserResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return createUserResponse{}, invalidf("email", "%q is not a valid email address", req.Email)
	}
	if req.LimitDomains < 0 {
		return createUserResponse{}, invalidf("limit_domains", "must not be negative")
	}
	name := strings.TrimSpace(req.TokenName)
	if name == "" {
		name = "default"
	}

	secret, err := newToken()
	if err != nil {
		return createUserResponse{}, err
	}

	now := time.Now().UTC()
	u := userModel{ID: uuid.NewString(), Email: email, LimitDomains: req.LimitDomains, CreatedAt: now}
	err = s.persist.transaction(ctx, func(ctx context.Context) error {
		if err := s.persist.createUser(ctx, &u); err != nil {
			return err
		}
		return s.persist.createToken(ctx, &tokenModel{
			ID:        uuid.NewString(),
			UserID:    u.ID,
			Name:      name,
			KeyHash:   hashToken(secret, s.cfg.TokenSalt),
			CreatedAt: now,
		})
	})
	if err != nil {
		return createUserResponse{}, err
	}

	loggerFrom(ctx).Info("user created", "user", u.ID, "email", u.Email)
	return createUserResponse{ID: u.ID, Email: u.Email, Token: secret}, nil
}
