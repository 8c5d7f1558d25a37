package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// EnableDevLogin exposes POST /auth/dev/login, which mints tokens for any actor.
	EnableDevLogin bool
	Logger         *zerolog.Logger
}

// Principal is the authenticated caller. ActorID is the approver identity
// checked against gate approver sets.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

const (
	sourceJWT          = "jwt"
	sourceLegacyHeader = "legacy_header"

	legacyActorHeader = "X-Actor-Id"
	tokenIssuer       = "stagegate"
)

var errNoSecret = errors.New("jwt secret not configured")

type principalKey struct{}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	p, _ := ctx.Value(principalKey{}).(Principal)
	if p.ActorID == "" {
		return Principal{}, errUnauthenticated()
	}
	return p, nil
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	return p.ActorID, err
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type approverClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// SignToken mints an HS256 token whose subject is the approver id.
func SignToken(secret, actorID string, roles, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := approverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles:       roles,
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticator turns request headers into a Principal. A bearer token always
// wins over the legacy header.
type authenticator struct {
	secret      []byte
	allowLegacy bool
	parser      *jwt.Parser
	log         zerolog.Logger
}

func newAuthenticator(cfg AuthConfig) authenticator {
	a := authenticator{
		secret:      []byte(strings.TrimSpace(cfg.JWTSecret)),
		allowLegacy: cfg.AllowLegacyActorHeader,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithLeeway(30*time.Second),
		),
		log: zerolog.Nop(),
	}
	if cfg.Logger != nil {
		a.log = *cfg.Logger
	}
	return a
}

func (a authenticator) identify(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, errBadCredentials()
		}
		p, err := a.verify(strings.TrimSpace(token))
		if err != nil {
			a.log.Debug().Err(err).Msg("bearer token rejected")
			return Principal{}, errBadCredentials()
		}
		return p, nil
	}
	if actor := strings.TrimSpace(req.Header.Get(legacyActorHeader)); actor != "" && a.allowLegacy {
		a.log.Warn().Str("actor_id", actor).Msg("trusting X-Actor-Id without a token")
		return Principal{ActorID: actor, Source: sourceLegacyHeader}, nil
	}
	return Principal{}, errUnauthenticated()
}

func (a authenticator) verify(token string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errNoSecret
	}
	var claims approverClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{
		ActorID:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Source:      sourceJWT,
	}, nil
}

// newAuthMiddleware authenticates every request under basePath except the
// health, OpenAPI and (when enabled) dev login routes.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	auth := newAuthenticator(cfg)
	public := []string{path.Join(basePath, "health"), path.Join(basePath, "openapi.json")}
	if cfg.EnableDevLogin {
		public = append(public, path.Join(basePath, "auth/dev/login"))
	}
	isPublic := func(p string) bool {
		if basePath != "" && !strings.HasPrefix(p, basePath) {
			return true
		}
		for _, open := range public {
			if p == open {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if isPublic(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			p, err := auth.identify(req)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
