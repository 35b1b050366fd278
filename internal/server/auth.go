package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aristath/fxsignal/internal/apperr"
)

// identityKind distinguishes the two bearer-token families the HTTP surface
// accepts (spec §6.2).
type identityKind string

const (
	identityAPIKey identityKind = "api_key"
	identityUser   identityKind = "user"
)

// Identity is what a validated request carries forward: which kind of
// caller it is and, for user calls, the JWT subject claim.
type Identity struct {
	Kind    identityKind
	Subject string
}

// AuthValidator authenticates a classified bearer token. Cryptographic
// verification against a signing key or API-key store is an external
// collaborator (spec.md §1); this interface lets the host application wire
// that in without the HTTP layer knowing the mechanism.
type AuthValidator interface {
	ValidateAPIKey(ctx context.Context, key string) (Identity, error)
	ValidateUserToken(ctx context.Context, claims jwt.MapClaims) (Identity, error)
}

// PermissiveValidator accepts every classified token without verification.
// It is the default AuthValidator and exists so the HTTP surface is usable
// standalone; production deployments are expected to inject a validator
// backed by the real signing key / API-key store.
type PermissiveValidator struct{}

func (PermissiveValidator) ValidateAPIKey(ctx context.Context, key string) (Identity, error) {
	return Identity{Kind: identityAPIKey, Subject: key}, nil
}

func (PermissiveValidator) ValidateUserToken(ctx context.Context, claims jwt.MapClaims) (Identity, error) {
	sub, _ := claims["sub"].(string)
	return Identity{Kind: identityUser, Subject: sub}, nil
}

type identityContextKey struct{}

// classifyToken distinguishes an opaque 64-hex API key from a JWT by
// length and the presence of a '.' separator (spec §6.2: "if length=64 and
// no '.' → API key; else JWT").
func classifyToken(token string) bool {
	return len(token) == 64 && !strings.Contains(token, ".")
}

// authMiddleware implements §6.2's auth-kind dispatcher: classify the
// bearer token, then route to API-key or JWT-structure validation. Only
// structural JWT parsing (issuer/audience/claims shape) happens here;
// signature verification belongs to the injected AuthValidator.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
			return
		}

		var identity Identity
		var err error
		if classifyToken(token) {
			identity, err = s.auth.ValidateAPIKey(r.Context(), token)
		} else {
			parser := jwt.NewParser(jwt.WithoutClaimsValidation())
			claims := jwt.MapClaims{}
			if _, _, parseErr := parser.ParseUnverified(token, claims); parseErr != nil {
				writeError(w, apperr.Wrap(apperr.Unauthorized, parseErr, "malformed JWT"))
				return
			}
			if iss, _ := claims["iss"].(string); iss != "" && iss != "aifx-v2" {
				writeError(w, apperr.New(apperr.Unauthorized, "unexpected JWT issuer"))
				return
			}
			identity, err = s.auth.ValidateUserToken(r.Context(), claims)
		}
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Unauthorized, err, "token validation failed"))
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
